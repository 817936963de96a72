package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Schema errors.
var (
	ErrUnknownProfile  = errors.New("UNKNOWN_PROFILE")
	ErrUnknownField    = errors.New("UNKNOWN_FIELD")
	ErrInvalidSchema   = errors.New("INVALID_SCHEMA")
	ErrSchemaViolation = errors.New("SCHEMA_VIOLATION")
)

//go:embed default.yaml
var defaultSchema []byte

// ControlType selects the setpoint shape a profile dispatches.
type ControlType string

const (
	ControlVelocityBodyOffboard ControlType = "velocity_body_offboard"
	ControlAttitudeRate         ControlType = "attitude_rate"
	// ControlVelocityBody is the legacy body velocity shape (vel_x, vel_y, vel_z, yaw_rate).
	ControlVelocityBody ControlType = "velocity_body"
)

// AttitudeRateFields are only valid in attitude_rate profiles.
var AttitudeRateFields = []string{"rollspeed_deg_s", "pitchspeed_deg_s", "thrust"}

// Range is a fixed [Min, Max] bound.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// FieldDef describes one setpoint field.
type FieldDef struct {
	Name        string  `yaml:"-"`
	Type        string  `yaml:"type"`
	Unit        string  `yaml:"unit"`
	Description string  `yaml:"description"`
	Default     float64 `yaml:"default"`
	Clamp       bool    `yaml:"clamp"`
	LimitName   string  `yaml:"limit_name"`
	Limits      *Range  `yaml:"limits"`
}

// ProfileDef describes a named command profile.
type ProfileDef struct {
	Name        string      `yaml:"-"`
	Description string      `yaml:"description"`
	ControlType ControlType `yaml:"control_type"`
	Required    []string    `yaml:"required_fields"`
	Optional    []string    `yaml:"optional_fields"`
}

// Fields returns required then optional field names.
func (p *ProfileDef) Fields() []string {
	out := make([]string, 0, len(p.Required)+len(p.Optional))
	out = append(out, p.Required...)
	return append(out, p.Optional...)
}

// HasField reports whether name is a required or optional field of the profile.
func (p *ProfileDef) HasField(name string) bool {
	for _, f := range p.Fields() {
		if f == name {
			return true
		}
	}
	return false
}

// Schema is the immutable aggregate of field and profile definitions.
type Schema struct {
	fields   map[string]FieldDef
	profiles map[string]ProfileDef
}

type document struct {
	Fields   map[string]FieldDef   `yaml:"fields"`
	Profiles map[string]ProfileDef `yaml:"profiles"`
}

// Default returns the schema compiled into the binary.
func Default() (*Schema, error) {
	return Parse(defaultSchema)
}

// Load reads a schema from path, or the embedded default when path is empty.
func Load(path string) (*Schema, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML schema document and checks every profile reference.
func Parse(data []byte) (*Schema, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return New(doc.Fields, doc.Profiles)
}

// New builds a Schema from in-memory tables. Profile names are normalized.
func New(fields map[string]FieldDef, profiles map[string]ProfileDef) (*Schema, error) {
	s := &Schema{
		fields:   make(map[string]FieldDef, len(fields)),
		profiles: make(map[string]ProfileDef, len(profiles)),
	}

	for name, f := range fields {
		f.Name = name
		if f.Limits != nil && f.Limits.Min > f.Limits.Max {
			return nil, fmt.Errorf("%w: field %s has min %v > max %v", ErrInvalidSchema, name, f.Limits.Min, f.Limits.Max)
		}
		if f.Limits != nil && f.LimitName != "" {
			return nil, fmt.Errorf("%w: field %s declares both limit_name and limits", ErrInvalidSchema, name)
		}
		s.fields[name] = f
	}

	for name, p := range profiles {
		key := NormalizeProfileName(name)
		if p.ControlType == "" {
			return nil, fmt.Errorf("%w: profile %s has no control_type", ErrInvalidSchema, key)
		}
		for _, field := range p.Fields() {
			if _, ok := s.fields[field]; !ok {
				return nil, fmt.Errorf("%w: profile %s references %w %q", ErrInvalidSchema, key, ErrUnknownField, field)
			}
		}
		if _, dup := s.profiles[key]; dup {
			return nil, fmt.Errorf("%w: duplicate profile %s", ErrInvalidSchema, key)
		}
		p.Name = key
		p.Required = append([]string(nil), p.Required...)
		p.Optional = append([]string(nil), p.Optional...)
		s.profiles[key] = p
	}

	return s, nil
}

// NormalizeProfileName lower-cases a profile name and replaces spaces with underscores.
func NormalizeProfileName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// Profile looks up a profile by (unnormalized) name.
func (s *Schema) Profile(name string) (ProfileDef, error) {
	key := NormalizeProfileName(name)
	p, ok := s.profiles[key]
	if !ok {
		return ProfileDef{}, fmt.Errorf("%w: %s", ErrUnknownProfile, key)
	}
	p.Required = append([]string(nil), p.Required...)
	p.Optional = append([]string(nil), p.Optional...)
	return p, nil
}

// Field looks up a field definition.
func (s *Schema) Field(name string) (FieldDef, error) {
	f, ok := s.fields[name]
	if !ok {
		return FieldDef{}, fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
	return f, nil
}

// ProfileNames returns the sorted normalized profile names.
func (s *Schema) ProfileNames() []string {
	names := make([]string, 0, len(s.profiles))
	for n := range s.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LimitNames returns every named limit referenced by a field, sorted.
func (s *Schema) LimitNames() []string {
	seen := make(map[string]struct{})
	for _, f := range s.fields {
		if f.LimitName != "" {
			seen[f.LimitName] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateProfileConsistency checks that attitude-rate-only fields appear
// exclusively in attitude_rate profiles.
func ValidateProfileConsistency(p ProfileDef) error {
	if p.ControlType == ControlAttitudeRate {
		return nil
	}
	for _, exclusive := range AttitudeRateFields {
		if p.HasField(exclusive) {
			return fmt.Errorf("%w: profile %s (%s) contains attitude-rate field %s",
				ErrSchemaViolation, p.Name, p.ControlType, exclusive)
		}
	}
	return nil
}
