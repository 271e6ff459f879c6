package config

import (
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
)

type testConfig struct {
	Name     string        `validate:"required"`
	Capacity size.Size
	Interval time.Duration `validate:"gt=0"`
	Paths    []string
}

func TestCustomHooks(t *testing.T) {
	v := viper.New()
	v.Set("name", "bb")
	v.Set("capacity", "2T")
	v.Set("interval", "10s")
	v.Set("paths", "a,b")

	var c testConfig
	require.NoError(t, v.Unmarshal(&c, CustomHooks...))
	assert.Equal(t, testConfig{
		Name:     "bb",
		Capacity: size.GB(2048),
		Interval: 10 * time.Second,
		Paths:    []string{"a", "b"},
	}, c)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(testConfig{Name: "bb", Interval: time.Second}))

	err := Validate(testConfig{})
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	require.Len(t, merr.Errors, 2)

	var fieldErr *FieldError
	require.True(t, errors.As(merr.Errors[0], &fieldErr))
	assert.Equal(t, "Name", fieldErr.Field)
	assert.Equal(t, "required", fieldErr.Tag)
	assert.Equal(t, "field Name is required but was not found", fieldErr.Error())
}
