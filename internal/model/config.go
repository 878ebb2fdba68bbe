package model

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults for GradingConfig.
const (
	DefaultMaxPerQuestion        = 1.0
	DefaultFuzzyThreshold        = 0.6
	DefaultNumericEpsilon        = 0.005
	DefaultHelpFlagThreshold     = 0.5
	DefaultPartialCreditTol      = 0.05
	DefaultConcurrency           = 4
	DefaultExtractTimeout        = 60 * time.Second
	DefaultExtractAttempts       = 3
	PositionalFallbackConfidence = 0.3
)

// GradingConfig holds grading policy set via CLI flags or config file.
type GradingConfig struct {
	MaxPerQuestion         float64       `mapstructure:"max-per-question" validate:"gt=0"`
	FuzzyThreshold         float64       `mapstructure:"fuzzy-threshold" validate:"gte=0,lte=1"`
	NumericEpsilon         float64       `mapstructure:"numeric-epsilon" validate:"gte=0"`
	HelpFlagThreshold      float64       `mapstructure:"help-flag-threshold" validate:"gte=0,lte=1"`
	PartialCredit          bool          `mapstructure:"partial-credit"`
	PartialCreditTolerance float64       `mapstructure:"partial-credit-tolerance" validate:"gte=0,lte=1"`
	PointsFromKey          bool          `mapstructure:"points-from-key"`
	HelpMarkers            []string      `mapstructure:"help-markers" validate:"dive,required"`
	Concurrency            int           `mapstructure:"concurrency" validate:"min=1,max=64"`
	ExtractTimeout         time.Duration `mapstructure:"extract-timeout" validate:"gt=0"`
	ExtractAttempts        int           `mapstructure:"extract-attempts" validate:"min=1,max=10"`
	ExtractRate            float64       `mapstructure:"extract-rate" validate:"gte=0"`
}

// DefaultGradingConfig returns a config with every knob at its default.
func DefaultGradingConfig() GradingConfig {
	return GradingConfig{
		MaxPerQuestion:         DefaultMaxPerQuestion,
		FuzzyThreshold:         DefaultFuzzyThreshold,
		NumericEpsilon:         DefaultNumericEpsilon,
		HelpFlagThreshold:      DefaultHelpFlagThreshold,
		PartialCreditTolerance: DefaultPartialCreditTol,
		Concurrency:            DefaultConcurrency,
		ExtractTimeout:         DefaultExtractTimeout,
		ExtractAttempts:        DefaultExtractAttempts,
	}
}

// ConfigurationError reports invalid grading policy. It is fatal at startup.
type ConfigurationError struct {
	Fields map[string]string
}

func (e *ConfigurationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		parts = append(parts, name+" "+e.Fields[name])
	}
	return "invalid grading configuration: " + strings.Join(parts, "; ")
}

var validate = newValidator()

// newValidator reports fields by their flag names rather than Go field names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every knob and returns a *ConfigurationError on failure.
func (c GradingConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("validate grading configuration: %w", err)
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		msg := "must satisfy " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		fields[fe.Field()] = fmt.Sprintf("%s (got %v)", msg, fe.Value())
	}
	return &ConfigurationError{Fields: fields}
}
