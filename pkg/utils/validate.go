package utils

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// absent and blank optional fields validate as empty
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		f, ok := field.Interface().(models.FlexString)
		if !ok || f.Ptr() == nil {
			return ""
		}
		return strings.TrimSpace(f.Value)
	}, models.FlexString{})

	return v
}

// Validate checks value's struct tags. Failures wrap sentinel.ErrBadRequest.
func Validate[T any](value T) (T, error) {
	if err := validate.Struct(value); err != nil {
		return value, fmt.Errorf("%w: %w", sentinel.ErrBadRequest, ValidationErrorToString(value, err))
	}

	return value, nil
}

func ValidationErrorToString(input any, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch {
		case fe.Param() != "":
			msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s=%s'", fe.Field(), fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid %T: %s", input, strings.Join(msgs, "; "))
}
