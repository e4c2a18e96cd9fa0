package dto

import (
	"regexp"
	"unicode"

	"custodial-ledger/internal/core/domain"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var idempotencyKeyRe = regexp.MustCompile(`^[a-zA-Z0-9_\-\.:]+$`)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("principal", validatePrincipal)
		_ = v.RegisterValidation("idempotency_key", validateIdempotencyKey)
	}
}

// validatePrincipal accepts any printable principal of allowed length.
// Principals are opaque: no trimming or escaping is applied.
func validatePrincipal(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if !domain.Principal(s).Valid() {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// validateIdempotencyKey allows alphanumeric, underscore, dash, dot and colon.
func validateIdempotencyKey(fl validator.FieldLevel) bool {
	return idempotencyKeyRe.MatchString(fl.Field().String())
}
