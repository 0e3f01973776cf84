package config

import (
	"fmt"
	"regexp"
	"strconv"
)

// Validators other than RequiredValidator accept an unset (nil) value.

type RequiredValidator struct{}

func (v *RequiredValidator) Validate(key string, value interface{}) error {
	if value == nil {
		return fmt.Errorf("%s is required", key)
	}
	if str, ok := value.(string); ok && str == "" {
		return fmt.Errorf("%s cannot be empty", key)
	}
	return nil
}

type BoolValidator struct{}

func (v *BoolValidator) Validate(key string, value interface{}) error {
	if value == nil {
		return nil
	}
	if _, err := toBool(value); err != nil {
		return fmt.Errorf("%s: expected boolean, got %v: %w", key, value, err)
	}
	return nil
}

// RangeValidator checks an integer against [Min, Max].
type RangeValidator struct {
	Min int
	Max int
}

func (v *RangeValidator) Validate(key string, value interface{}) error {
	if value == nil {
		return nil
	}
	num, err := toInt(value)
	if err != nil {
		return fmt.Errorf("%s: expected integer: %w", key, err)
	}
	if num < v.Min || num > v.Max {
		return fmt.Errorf("%s: value %d out of range [%d, %d]", key, num, v.Min, v.Max)
	}
	return nil
}

type PatternValidator struct {
	Pattern string
	regex   *regexp.Regexp
}

func NewPatternValidator(pattern string) (*PatternValidator, error) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
	}

	return &PatternValidator{
		Pattern: pattern,
		regex:   regex,
	}, nil
}

// MustPatternValidator is NewPatternValidator for patterns known at compile
// time. It panics if pattern does not compile.
func MustPatternValidator(pattern string) *PatternValidator {
	v, err := NewPatternValidator(pattern)
	if err != nil {
		panic(err)
	}
	return v
}

func (v *PatternValidator) Validate(key string, value interface{}) error {
	if value == nil {
		return nil
	}
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s: expected string for pattern validation", key)
	}

	if !v.regex.MatchString(str) {
		return fmt.Errorf("%s: value %q does not match pattern %s", key, str, v.Pattern)
	}
	return nil
}

type EnumValidator struct {
	Allowed []string
}

func (v *EnumValidator) Validate(key string, value interface{}) error {
	if value == nil {
		return nil
	}
	str := fmt.Sprint(value)
	for _, allowed := range v.Allowed {
		if allowed == str {
			return nil
		}
	}
	return fmt.Errorf("%s: value %s not in allowed set %v", key, strconv.Quote(str), v.Allowed)
}
