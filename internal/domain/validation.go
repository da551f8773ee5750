package domain

import (
	"maps"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// validate is the package-level validator instance used for struct validation.
var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	// nospace rejects any whitespace; upstream keys are single opaque tokens.
	_ = validate.RegisterValidation("nospace", func(fl validator.FieldLevel) bool {
		return !strings.ContainsFunc(fl.Field().String(), unicode.IsSpace)
	})
	_ = validate.RegisterValidation("tier", func(fl validator.FieldLevel) bool {
		return Tier(fl.Field().String()).Valid()
	})
}

// Validator exposes the shared validator so other packages validate
// their structs with the same registered rules.
func Validator() *validator.Validate { return validate }

// cloneStringMap creates a deep copy of a string map to prevent aliasing.
// Returns nil for nil input to maintain consistency.
func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	result := make(map[string]string, len(m))
	maps.Copy(result, m)
	return result
}
