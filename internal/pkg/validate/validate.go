package validate

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// v is the package-level singleton validator. It is initialised once at
// package load time. Any custom type registrations must be made during init()
// before the first call to Struct.
var v = validator.New()

// Struct validates the given struct using its validate tags.
// Returns a human-readable error string or nil.
func Struct(s interface{}) error {
	if err := v.Struct(s); err != nil {
		ve, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		var msgs []string
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

// Email checks a single address.
func Email(s string) error {
	return field("email", s, "required,email")
}

// Phone checks an E.164 number such as +15551234567.
func Phone(s string) error {
	return field("phone", s, "required,e164")
}

// Code checks a numeric code of exactly n digits.
func Code(s string, n int) error {
	return field("code", s, fmt.Sprintf("required,number,len=%d", n))
}

func field(name, value, tag string) error {
	if err := v.Var(value, tag); err != nil {
		ve, ok := err.(validator.ValidationErrors)
		if !ok || len(ve) == 0 {
			return err
		}
		return fmt.Errorf("field '%s' failed '%s'", name, ve[0].Tag())
	}
	return nil
}
