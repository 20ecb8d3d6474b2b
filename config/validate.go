package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vinayprograms/completionkit/dispatch"
	"github.com/vinayprograms/completionkit/errors"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("destination", validateDestination); err != nil {
		panic(err)
	}
	return v
}

func validateDestination(fl validator.FieldLevel) bool {
	return dispatch.ValidateDestination(fl.Field().String()) == nil
}

// Validate checks field constraints. The error names the first offending
// key by its configuration path.
func (c *Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "validate configuration")
	}
	first := verrs[0]
	key := configKey(first.Namespace())
	msg := fmt.Sprintf("invalid %s: failed %q", key, first.Tag())
	if first.Param() != "" {
		msg = fmt.Sprintf("invalid %s: failed %s=%s", key, first.Tag(), first.Param())
	}
	return errors.New(errors.ErrCodeInvalidInput, msg,
		errors.WithCause(err),
		errors.WithMetadata("key", key))
}

// configKey turns "Config.store.path" into "store.path".
func configKey(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
