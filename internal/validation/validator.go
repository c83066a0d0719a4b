package validation

import (
	"errors"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/sokoby/checkout/internal/apperr"
)

// New returns a validator that reports fields by their json names.
func New() *validatorv10.Validate {
	v := validatorv10.New(validatorv10.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Struct validates out and converts failures into an *apperr.ValidationError.
func Struct(v *validatorv10.Validate, out any) error {
	err := v.Struct(out)
	if err == nil {
		return nil
	}
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	return FromErrors(ve)
}

func FromErrors(ve validatorv10.ValidationErrors) *apperr.ValidationError {
	out := &apperr.ValidationError{Fields: make([]apperr.FieldError, 0, len(ve))}
	for _, fe := range ve {
		out.Fields = append(out.Fields, apperr.FieldError{
			Field:  fieldPath(fe.Namespace()),
			Reason: reason(fe),
		})
	}
	return out
}

// fieldPath drops the root struct name: "PlaceInput.lines[0].sku" -> "lines[0].sku".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func reason(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " item(s)"
	case "len":
		return "must be " + fe.Param() + " characters"
	case "oneof":
		return "must be one of " + fe.Param()
	case "unique":
		return "must not repeat " + fe.Param()
	default:
		if fe.Param() != "" {
			return "failed " + fe.Tag() + "=" + fe.Param()
		}
		return "failed " + fe.Tag()
	}
}
