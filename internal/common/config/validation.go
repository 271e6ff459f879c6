package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// FieldError describes one invalid configuration field.
type FieldError struct {
	Field string
	Tag   string
	Value interface{}
}

func (err *FieldError) Error() string {
	switch err.Tag {
	case "required":
		return fmt.Sprintf("field %s is required but was not found", err.Field)
	default:
		return fmt.Sprintf("field %s has invalid value %v: %s", err.Field, err.Value, err.Tag)
	}
}

// Validate checks config against its validate struct tags. If any field is invalid the returned
// error is a *multierror.Error holding one *FieldError per field.
func Validate(config interface{}) error {
	err := validator.New().Struct(config)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errors.WithStack(err)
	}
	var result *multierror.Error
	for _, fieldErr := range validationErrors {
		result = multierror.Append(result, &FieldError{
			Field: stripPrefix(fieldErr.Namespace()),
			Tag:   fieldErr.Tag(),
			Value: fieldErr.Value(),
		})
	}
	return result.ErrorOrNil()
}

func LogValidationErrors(err error) {
	if err == nil {
		return
	}
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		log.Errorf("ConfigError: %v", err)
		return
	}
	for _, err := range merr.Errors {
		log.Errorf("ConfigError: %v", err)
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
