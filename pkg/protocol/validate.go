package protocol

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Names must not start with '-' so they can never be read as an option by
// the package manager.
var (
	pkgNamePattern  = regexp.MustCompile(`^[a-zA-Z0-9@._+][a-zA-Z0-9@._+-]*$`)
	repoNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._][a-zA-Z0-9._-]*$`)
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("pkgname", func(fl validator.FieldLevel) bool {
			return pkgNamePattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("reponame", func(fl validator.FieldLevel) bool {
			return repoNamePattern.MatchString(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// ValidPackageName reports whether name is acceptable as a package target.
func ValidPackageName(name string) bool {
	return pkgNamePattern.MatchString(name)
}

// Validate checks the descriptor payload.
func (d *Descriptor) Validate() error {
	if d == nil || d.Payload == nil {
		return fmt.Errorf("descriptor payload is required")
	}
	if err := validatorInstance().Struct(d.Payload); err != nil {
		return fmt.Errorf("invalid %s payload: %w", d.Command(), err)
	}
	return nil
}
