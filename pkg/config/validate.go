package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/andrej220/remexec/internal/target"
	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the config's custom rules
// registered: "target" accepts an SSH destination and "image" a non-empty
// image reference without whitespace.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
		must(v.RegisterValidation("target", func(fl validator.FieldLevel) bool {
			_, err := target.Resolve(fl.Field().String(), target.SSH)
			return err == nil
		}))
		must(v.RegisterValidation("image", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return s != "" && !strings.ContainsAny(s, " \t\n")
		}))
		v.RegisterStructValidation(validateSSH, SSHConfig{})
		validate = v
	})
	return validate
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// validateSSH rejects an SSH section that offers no way to authenticate,
// which only happens when the agent and default identities are switched off.
func validateSSH(sl validator.StructLevel) {
	c := sl.Current().Interface().(SSHConfig)
	if c.Password != "" || len(c.KeyFiles) > 0 || c.AgentEnabled() || c.LookForKeysEnabled() {
		return
	}
	for _, h := range c.Hosts {
		if h.Password == "" && len(h.KeyFiles) == 0 {
			sl.ReportError(c.Password, "password", "Password", "auth", "")
			return
		}
	}
}

// Validate checks v against its validate tags and reports every failing
// field in one error.
func Validate(v any) error {
	err := Validator().Struct(v)
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
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "target":
		return fmt.Sprintf("%s: %q is not a valid host[:port]", field, fe.Value())
	case "auth":
		return "ssh: no password, key file, agent or per-host credentials configured"
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
