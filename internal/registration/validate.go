package registration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gatherly/eventsite/internal/shared"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks a submission. Family member count is required and bounded
// only for the family category.
func Validate(form FormValues) error {
	fields := make(map[string]string)
	if err := validate.Struct(form); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields[fe.Field()] = fieldMessage(fe)
		}
	}
	if form.Category == CategoryFamily {
		if msg := familyMembersMessage(form.FamilyMembers); msg != "" {
			fields[FieldFamilyMembers] = msg
		}
	}
	if !form.TermsAccepted {
		fields[FieldTermsAccepted] = "You must accept the terms and conditions."
	}
	if len(fields) == 0 {
		return nil
	}
	return &shared.ValidationError{Fields: fields}
}

func familyMembersMessage(n *int) string {
	switch {
	case n == nil:
		return "Number of family members is required for family registrations."
	case *n < MinFamilyMembers || *n > MaxFamilyMembers:
		return fmt.Sprintf("Number of family members must be between %d and %d.", MinFamilyMembers, MaxFamilyMembers)
	}
	return ""
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "email":
		return "Enter a valid email address."
	case "oneof":
		return "Choose a registration type."
	case "min":
		return "Must be at least " + fe.Param() + " characters."
	case "max":
		return "Must be at most " + fe.Param() + " characters."
	}
	return fe.Error()
}

// ParseFamilyMembers converts a raw form or stored value into a count. Empty
// values yield nil.
func ParseFamilyMembers(raw any) (*int, error) {
	var n int
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case int:
		n = v
	case int32:
		n = int(v)
	case int64:
		n = int(v)
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("registration: family members %v is not a whole number", v)
		}
		n = int(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("registration: family members: %w", err)
		}
		n = int(i)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		i, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("registration: family members %q is not a number", v)
		}
		n = i
	case *int:
		if v == nil {
			return nil, nil
		}
		n = *v
	default:
		return nil, fmt.Errorf("registration: unsupported family members value %T", raw)
	}
	return &n, nil
}
