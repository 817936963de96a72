package setpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"

	"github.com/offboard-control/fcb/internal/safety"
	"github.com/offboard-control/fcb/internal/schema"
)

// Validation errors.
var (
	ErrOutOfRange   = errors.New("OUT_OF_RANGE")
	ErrUnknownLimit = errors.New("UNKNOWN_LIMIT")
)

// LimitProvider resolves a named safety limit to its current bound.
type LimitProvider interface {
	Limit(name string) (float64, bool)
}

// StatusProvider reports circuit breaker state.
type StatusProvider interface {
	Status() safety.Status
}

// Bound is the effective range enforced for a field.
type Bound struct {
	Min, Max float64
}

// FieldsWithStatus is the observability view of a validator.
type FieldsWithStatus struct {
	Profile        string             `json:"profile"`
	ControlType    schema.ControlType `json:"controlType"`
	Fields         map[string]float64 `json:"fields"`
	CircuitBreaker *safety.Status     `json:"circuit_breaker,omitempty"`
}

// Validator holds one profile's live setpoint values. It is not safe for
// concurrent writers.
type Validator struct {
	profile schema.ProfileDef
	defs    map[string]schema.FieldDef
	values  map[string]float64
	limits  LimitProvider
	status  StatusProvider
	logger  *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger used for clamp warnings.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// WithStatus attaches circuit breaker status to FieldsWithStatus.
func WithStatus(s StatusProvider) Option {
	return func(v *Validator) { v.status = s }
}

// New creates a validator for profileName with every field at its default.
// Named limits referenced by the profile must resolve through limits.
func New(s *schema.Schema, profileName string, limits LimitProvider, opts ...Option) (*Validator, error) {
	profile, err := s.Profile(profileName)
	if err != nil {
		return nil, err
	}

	v := &Validator{
		profile: profile,
		defs:    make(map[string]schema.FieldDef),
		values:  make(map[string]float64),
		limits:  limits,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}

	for _, name := range profile.Fields() {
		def, err := s.Field(name)
		if err != nil {
			return nil, err
		}
		if def.LimitName != "" {
			if limits == nil {
				return nil, fmt.Errorf("%w: %s (no limit provider)", ErrUnknownLimit, def.LimitName)
			}
			if _, ok := limits.Limit(def.LimitName); !ok {
				return nil, fmt.Errorf("%w: %s for field %s", ErrUnknownLimit, def.LimitName, name)
			}
		}
		v.defs[name] = def
		v.values[name] = def.Default
	}

	return v, nil
}

// ProfileName returns the normalized profile name.
func (v *Validator) ProfileName() string {
	return v.profile.Name
}

// ControlType returns the profile's control type.
func (v *Validator) ControlType() schema.ControlType {
	return v.profile.ControlType
}

// Bound returns the effective bound for a field; ok is false when unbounded.
func (v *Validator) Bound(name string) (b Bound, ok bool, err error) {
	def, exists := v.defs[name]
	if !exists {
		return Bound{}, false, fmt.Errorf("%w: %s not in profile %s", schema.ErrUnknownField, name, v.profile.Name)
	}
	switch {
	case def.LimitName != "":
		l, found := v.limits.Limit(def.LimitName)
		if !found {
			return Bound{}, false, fmt.Errorf("%w: %s", ErrUnknownLimit, def.LimitName)
		}
		if l < 0 {
			l = -l
		}
		return Bound{Min: -l, Max: l}, true, nil
	case def.Limits != nil:
		return Bound{Min: def.Limits.Min, Max: def.Limits.Max}, true, nil
	}
	return Bound{}, false, nil
}

// SetField stores value for name. Out-of-range values are clamped (with a
// warning) when the field allows it and rejected otherwise.
func (v *Validator) SetField(name string, value float64) error {
	def, exists := v.defs[name]
	if !exists {
		return fmt.Errorf("%w: %s not in profile %s", schema.ErrUnknownField, name, v.profile.Name)
	}
	// Non-finite values never reach the autopilot, clamped or not.
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s=%v is not finite", ErrOutOfRange, name, value)
	}

	b, bounded, err := v.Bound(name)
	if err != nil {
		return err
	}
	if bounded && (value < b.Min || value > b.Max) {
		if !def.Clamp {
			return fmt.Errorf("%w: %s=%v outside [%v, %v]", ErrOutOfRange, name, value, b.Min, b.Max)
		}
		clamped := min(max(value, b.Min), b.Max)
		v.logger.Warn("setpoint clamped",
			slog.String("profile", v.profile.Name),
			slog.String("field", name),
			slog.Float64("requested", value),
			slog.Float64("clamped", clamped),
			slog.Float64("min", b.Min),
			slog.Float64("max", b.Max))
		value = clamped
	}

	v.values[name] = value
	return nil
}

// SetFields applies SetField in profile order and stops at the first error.
// Unknown names are rejected before any value is written.
func (v *Validator) SetFields(values map[string]float64) error {
	for name := range values {
		if _, ok := v.defs[name]; !ok {
			return fmt.Errorf("%w: %s not in profile %s", schema.ErrUnknownField, name, v.profile.Name)
		}
	}
	for _, name := range v.profile.Fields() {
		val, ok := values[name]
		if !ok {
			continue
		}
		if err := v.SetField(name, val); err != nil {
			return err
		}
	}
	return nil
}

// Fields returns a copy of the current values.
func (v *Validator) Fields() map[string]float64 {
	return maps.Clone(v.values)
}

// Reset restores every field to its schema default.
func (v *Validator) Reset() {
	for name, def := range v.defs {
		v.values[name] = def.Default
	}
}

// ValidateProfileConsistency checks the active profile against the
// attitude-rate field exclusivity rule.
func (v *Validator) ValidateProfileConsistency() error {
	return schema.ValidateProfileConsistency(v.profile)
}

// FieldsWithStatus composes current values with circuit breaker status.
func (v *Validator) FieldsWithStatus() FieldsWithStatus {
	out := FieldsWithStatus{
		Profile:     v.profile.Name,
		ControlType: v.profile.ControlType,
		Fields:      v.Fields(),
	}
	if v.status != nil {
		st := v.status.Status()
		out.CircuitBreaker = &st
	}
	return out
}
