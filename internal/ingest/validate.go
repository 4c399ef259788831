package ingest

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rowanhe/intake/internal/users"
)

// FieldErrors maps a field name to the validation messages recorded for it.
type FieldErrors map[string][]string

// Validator turns a raw row into a typed user record or reports what is
// wrong with it, keyed by field. Implementations must return a non-empty
// FieldErrors map when validation fails and nil when it succeeds.
type Validator interface {
	Validate(rec RawRecord) (users.User, FieldErrors)
}

// Validation messages, matching the upload API's established wire responses.
const (
	msgFieldRequired = "This field is required."
	msgNameEmpty     = "Name cannot be empty."
	msgEmailInvalid  = "Enter a valid email address."
	msgAgeNotInteger = "A valid integer is required."
	msgAgeOutOfRange = "Age must be between 0 and 120."
	msgRowTooWide    = "Row has more fields than the header."
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// UserValidator checks the name/email/age fields of an uploaded row.
// Age must be an integer in (0, 120].
type UserValidator struct{}

// NewUserValidator creates the default row validator.
func NewUserValidator() UserValidator {
	return UserValidator{}
}

// Validate implements Validator.
func (UserValidator) Validate(rec RawRecord) (users.User, FieldErrors) {
	errs := make(FieldErrors)

	if rec.Extra() > 0 {
		errs["row"] = append(errs["row"], msgRowTooWide)
	}

	name, ok := rec.Get("name")
	name = strings.TrimSpace(name)
	switch {
	case !ok:
		errs["name"] = append(errs["name"], msgFieldRequired)
	case name == "":
		errs["name"] = append(errs["name"], msgNameEmpty)
	}

	email, ok := rec.Get("email")
	email = strings.TrimSpace(email)
	switch {
	case !ok || email == "":
		errs["email"] = append(errs["email"], msgFieldRequired)
	case !emailPattern.MatchString(email):
		errs["email"] = append(errs["email"], msgEmailInvalid)
	}

	var age int
	rawAge, ok := rec.Get("age")
	rawAge = strings.TrimSpace(rawAge)
	switch {
	case !ok || rawAge == "":
		errs["age"] = append(errs["age"], msgFieldRequired)
	default:
		parsed, err := strconv.Atoi(rawAge)
		switch {
		case err != nil:
			errs["age"] = append(errs["age"], msgAgeNotInteger)
		case parsed <= 0 || parsed > 120:
			errs["age"] = append(errs["age"], msgAgeOutOfRange)
		default:
			age = parsed
		}
	}

	if len(errs) > 0 {
		return users.User{}, errs
	}

	return users.User{Name: name, Email: email, Age: age}, nil
}
