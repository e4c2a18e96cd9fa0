package domain

import (
	"strconv"
	"time"
)

// IdempotencyRecord is the durable copy of a mutation receipt.
type IdempotencyRecord struct {
	Key          string
	EventSeq     uint64
	ResponseJSON []byte
	CreatedAt    time.Time
}

// BuildIdempotencyKey scopes a client-supplied key to the operation and principal.
// The principal is length-prefixed because it may itself contain ':'.
func BuildIdempotencyKey(op EventType, principal Principal, key string) string {
	return string(op) + ":" + strconv.Itoa(len(principal)) + ":" + string(principal) + ":" + key
}
