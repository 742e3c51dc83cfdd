package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/iotgateway/gateway-core/internal/registry"
	"github.com/iotgateway/gateway-core/pkg/codec"
)

// Validator validates request structs by their `validate` tags
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a validator with the gateway's custom rules:
//
//	clientid  a MAC address or already-normalised client id; no dots,
//	          the id is a single NATS subject token
//	hexframe  a hex string that parses to bytes
//	action    a name from the command table
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// report json names instead of Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	v.RegisterValidation("clientid", func(fl validator.FieldLevel) bool {
		id := registry.NormalizeClientID(fl.Field().String())
		if id == "" || len(id) > 64 {
			return false
		}
		for _, r := range id {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
				return false
			}
		}
		return true
	})
	v.RegisterValidation("hexframe", func(fl validator.FieldLevel) bool {
		b, err := codec.ParseHex(fl.Field().String())
		return err == nil && len(b) > 0
	})
	v.RegisterValidation("action", func(fl validator.FieldLevel) bool {
		_, ok := codec.LookupAction(fl.Field().String())
		return ok
	})

	return &Validator{v: v}
}

// Validate validates a struct. Field failures are flattened into one
// error naming each offending field.
func (v *Validator) Validate(s interface{}) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without", "required_with":
		return fmt.Sprintf("%s is required", fe.Field())
	case "excluded_with":
		return fmt.Sprintf("%s cannot be combined with %s", fe.Field(), fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "clientid":
		return fmt.Sprintf("%s is not a valid device id", fe.Field())
	case "hexframe":
		return fmt.Sprintf("%s is not a hex frame", fe.Field())
	case "action":
		return fmt.Sprintf("%s is not a known action", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
