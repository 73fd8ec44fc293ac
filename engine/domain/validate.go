package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// validate is safe for concurrent use and caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

const maxQueryLength = 1000

// ValidateStruct runs tag validation on v and reports the first failing
// field as a validation Error.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		sentinel := ErrInvalidValue
		if fe.Tag() == "required" {
			sentinel = ErrMissingField
		}
		// Drop the root struct name: "FoodInput.price" -> "price".
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		return NewValidationError(field, fmt.Sprint(fe.Value()), sentinel)
	}
	return Errorf(KindValidation, err, "invalid input")
}

// ValidateQueryText checks a free-text query before any upstream call.
func ValidateQueryText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return NewValidationError("query_text", text, ErrMissingField)
	}
	if utf8.RuneCountInString(text) > maxQueryLength {
		return NewValidationError("query_text", strconv.Itoa(utf8.RuneCountInString(text))+" runes", ErrInvalidValue)
	}
	return nil
}

// ValidateEntityType accepts "" (no type) or a known entity type.
func ValidateEntityType(t string) error {
	if t == "" || EntityType(t).Valid() {
		return nil
	}
	return NewValidationError("type", t, ErrInvalidValue)
}

// MaxTopK bounds how many hits one search may ask for.
const MaxTopK = 100

// SearchParams are the request fields shared by semantic search and
// recommendation. TopK 0 means the caller's default.
type SearchParams struct {
	QueryText string
	Type      string
	MaxPrice  *int
	TopK      int
}

// ValidateSearch checks the shared search fields before any upstream call.
func ValidateSearch(p SearchParams) error {
	if err := ValidateQueryText(p.QueryText); err != nil {
		return err
	}
	if err := ValidateEntityType(p.Type); err != nil {
		return err
	}
	if p.MaxPrice != nil && *p.MaxPrice < 0 {
		return NewValidationError("max_price", strconv.Itoa(*p.MaxPrice), ErrInvalidValue)
	}
	if p.TopK < 0 || p.TopK > MaxTopK {
		return NewValidationError("top_k", strconv.Itoa(p.TopK), ErrInvalidValue)
	}
	return nil
}
