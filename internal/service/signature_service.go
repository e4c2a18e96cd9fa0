package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"custodial-ledger/internal/core/domain"
)

// HMACSignatureService implements ports.SignatureService using HMAC-SHA256.
type HMACSignatureService struct{}

// NewHMACSignatureService creates a new HMAC-SHA256 signature service.
func NewHMACSignatureService() *HMACSignatureService {
	return &HMACSignatureService{}
}

// Sign computes HMAC-SHA256 of payload using secretKey.
// Returns lowercase hex-encoded signature.
func (s *HMACSignatureService) Sign(secretKey string, payload string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks if signature matches HMAC-SHA256(secretKey, payload) in constant time.
func (s *HMACSignatureService) Verify(secretKey string, payload string, signature string) bool {
	expected := s.Sign(secretKey, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// BuildCanonicalString constructs the signed form of an API request.
// Format: METHOD|PATH|PRINCIPAL|TIMESTAMP|NONCE|BODY
// The principal is length-prefixed because principals are opaque and may contain '|'.
func (s *HMACSignatureService) BuildCanonicalString(method, path string, principal domain.Principal, timestamp int64, nonce string, body string) string {
	return fmt.Sprintf("%s|%s|%d:%s|%d|%s|%s", method, path, len(principal), principal, timestamp, nonce, body)
}

// SignPayout signs an outbound payout instruction. The timestamp is bound into
// the signature so a captured instruction cannot be replayed later.
func (s *HMACSignatureService) SignPayout(secretKey string, timestamp int64, body []byte) string {
	return s.Sign(secretKey, strconv.FormatInt(timestamp, 10)+"."+string(body))
}
