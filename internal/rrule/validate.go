package rrule

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	MaxInterval = 366
	MaxCount    = 1000
)

// SupportedFrequencies lists the FREQ values the expander implements.
var SupportedFrequencies = []string{"DAILY", "WEEKLY", "MONTHLY", "YEARLY"}

var weekdayCodes = map[string]bool{
	"SU": true, "MO": true, "TU": true, "WE": true, "TH": true, "FR": true, "SA": true,
}

// ValidationError describes one problem with one rule component.
type ValidationError struct {
	Field  string `json:"field"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	if e.Value == "" {
		return e.Field + ": " + e.Reason
	}
	return fmt.Sprintf("%s=%q: %s", e.Field, e.Value, e.Reason)
}

// ValidationErrors is the complete list of violations found in a rule.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return "invalid recurrence rule: " + strings.Join(msgs, "; ")
}

// ValidateString parses raw and validates the result.
func ValidateString(raw string) ValidationErrors {
	return Validate(Parse(raw))
}

// Validate checks the parsed components and reports every violation it
// finds. It returns nil for a well-formed rule.
func Validate(components map[string]string) ValidationErrors {
	var errs ValidationErrors

	freq, ok := components[KeyFreq]
	switch {
	case !ok || freq == "":
		errs = append(errs, ValidationError{Field: KeyFreq, Reason: "is required"})
	case !isSupportedFrequency(freq):
		errs = append(errs, ValidationError{
			Field:  KeyFreq,
			Value:  freq,
			Reason: "must be one of " + strings.Join(SupportedFrequencies, ", "),
		})
	}

	if v, ok := components[KeyInterval]; ok {
		if err := checkIntRange(KeyInterval, v, 1, MaxInterval); err != nil {
			errs = append(errs, *err)
		}
	}

	if v, ok := components[KeyCount]; ok {
		if err := checkIntRange(KeyCount, v, 1, MaxCount); err != nil {
			errs = append(errs, *err)
		}
	}

	if v, ok := components[KeyUntil]; ok {
		if _, err := ParseUntil(v, nil); err != nil {
			errs = append(errs, ValidationError{Field: KeyUntil, Value: v, Reason: "is not a valid date or date-time"})
		}
	}

	if v, ok := components[KeyByDay]; ok {
		for _, code := range strings.Split(v, ",") {
			code = strings.ToUpper(strings.TrimSpace(code))
			if !weekdayCodes[code] {
				errs = append(errs, ValidationError{
					Field:  KeyByDay,
					Value:  code,
					Reason: "must be one of SU, MO, TU, WE, TH, FR, SA",
				})
			}
		}
	}

	return errs
}

func isSupportedFrequency(freq string) bool {
	freq = strings.ToUpper(strings.TrimSpace(freq))
	for _, f := range SupportedFrequencies {
		if f == freq {
			return true
		}
	}
	return false
}

func checkIntRange(field, v string, lo, hi int) *ValidationError {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return &ValidationError{Field: field, Value: v, Reason: "must be an integer"}
	}
	if n < lo || n > hi {
		return &ValidationError{Field: field, Value: v, Reason: fmt.Sprintf("must be between %d and %d", lo, hi)}
	}
	return nil
}
