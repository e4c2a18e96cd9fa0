package domain

// Principal identifies an account holder. The ledger treats it as an opaque key.
type Principal string

// MaxPrincipalLength bounds principals accepted from the transport layer.
const MaxPrincipalLength = 128

// String returns the principal as a plain string.
func (p Principal) String() string {
	return string(p)
}

// Valid reports whether p is acceptable as an account key at the API boundary.
func (p Principal) Valid() bool {
	return len(p) > 0 && len(p) <= MaxPrincipalLength
}
