// Package validate enforces the structural rules of events at create and
// update time.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"carecal/internal/model"
)

const (
	RuleTimeRange        = "time_range"
	RuleNameRequired     = "name_required"
	RuleUnknownType      = "unknown_type"
	RuleCareConfig       = "care_configuration"
	RuleUnknownFrequency = "unknown_frequency"
	RuleStatusTransition = "status_transition"
	RuleRoomRequired     = "room_required"
	RuleInvalidFilter    = "invalid_filter"
)

// ValidationError names the rule that rejected the input.
type ValidationError struct {
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation failed (" + e.Rule + "): " + e.Message
}

// Errorf builds a *ValidationError for rule.
func Errorf(rule, format string, args ...any) *ValidationError {
	return newError(rule, format, args...)
}

func newError(rule, format string, args ...any) *ValidationError {
	return &ValidationError{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Create checks a create payload. Rules are applied in order and the first
// violation is returned.
func Create(in model.EventInput) error {
	if !in.EndTime.After(in.StartTime) {
		return newError(RuleTimeRange, "end_time must be after start_time")
	}
	if strings.TrimSpace(in.Name) == "" {
		return newError(RuleNameRequired, "name is required")
	}
	return checkCategory(in.Type, in.CareConfiguration)
}

// Update checks patch against the stored event. existing must carry its
// current (reconciled) status.
func Update(existing model.Event, patch model.EventPatch) error {
	start, end := existing.StartTime, existing.EndTime
	if patch.StartTime != nil {
		start = *patch.StartTime
	}
	if patch.EndTime != nil {
		end = *patch.EndTime
	}
	if !end.After(start) {
		return newError(RuleTimeRange, "end_time must be after start_time")
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return newError(RuleNameRequired, "name cannot be empty")
	}

	typ := existing.Type
	if patch.Type != nil {
		typ = *patch.Type
	}
	care := existing.CareConfiguration
	if patch.CareConfiguration.Set {
		if patch.CareConfiguration.Value == nil && typ == model.TypeCare {
			return newError(RuleCareConfig, "care_configuration cannot be removed from a Care event")
		}
		if patch.CareConfiguration.Value != nil && typ != model.TypeCare {
			return newError(RuleCareConfig, "care_configuration is only allowed on Care events")
		}
		care = patch.CareConfiguration.Value
	}
	if err := checkCategory(typ, care); err != nil {
		return err
	}

	if patch.Status != nil {
		if *patch.Status != model.StatusCancelled {
			return newError(RuleStatusTransition, "status can only be set to %s", model.StatusCancelled)
		}
		if existing.Status != model.StatusUpcoming {
			return newError(RuleStatusTransition, "only %s events can be cancelled, event is %s", model.StatusUpcoming, existing.Status)
		}
	}
	return nil
}

func checkCategory(typ model.EventType, care *model.CareConfiguration) error {
	if !typ.Valid() {
		return newError(RuleUnknownType, "unknown event type %q", typ)
	}
	if typ == model.TypeCare && care == nil {
		return newError(RuleCareConfig, "care_configuration is required for Care events")
	}
	if typ != model.TypeCare && care != nil {
		return newError(RuleCareConfig, "care_configuration is only allowed on Care events")
	}
	if care != nil && care.Frequency != "" && !care.Frequency.Valid() {
		return newError(RuleUnknownFrequency, "unknown frequency %q", care.Frequency)
	}
	return nil
}
