package queue

import (
	"fmt"
	"strings"
)

// EnvType is the kind of runtime environment a queue belongs to.
type EnvType int

const (
	EnvTypeProduction EnvType = iota
	EnvTypeStaging
	EnvTypeDevelopment
	EnvTypePreview
)

func (e EnvType) String() string {
	switch e {
	case EnvTypeProduction:
		return "PRODUCTION"
	case EnvTypeStaging:
		return "STAGING"
	case EnvTypeDevelopment:
		return "DEVELOPMENT"
	case EnvTypePreview:
		return "PREVIEW"
	}
	return fmt.Sprintf("EnvType(%d)", int(e))
}

func EnvTypeString(s string) (EnvType, error) {
	switch strings.ToUpper(s) {
	case "PRODUCTION":
		return EnvTypeProduction, nil
	case "STAGING":
		return EnvTypeStaging, nil
	case "DEVELOPMENT":
		return EnvTypeDevelopment, nil
	case "PREVIEW":
		return EnvTypePreview, nil
	}
	return 0, fmt.Errorf("%q is not a valid EnvType", s)
}

func (e EnvType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *EnvType) UnmarshalText(text []byte) error {
	v, err := EnvTypeString(string(text))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// DefaultConcurrencyLimitBurstFactor bounds how far env reservations may
// exceed the env concurrency limit.
const DefaultConcurrencyLimitBurstFactor = 2.0

// Env identifies the tenant that owns a queue: organization, project and
// environment.
type Env struct {
	ID             string  `json:"id"`
	Type           EnvType `json:"type"`
	OrganizationID string  `json:"orgId"`
	ProjectID      string  `json:"projectId"`

	// MaximumConcurrencyLimit is the hard number of runs that may execute at
	// once within the env.
	MaximumConcurrencyLimit int `json:"maximumConcurrencyLimit"`
	// ConcurrencyLimitBurstFactor caps reserved concurrency at
	// MaximumConcurrencyLimit * factor.  Zero means the default.
	ConcurrencyLimitBurstFactor float64 `json:"concurrencyLimitBurstFactor,omitempty"`
}

func (e Env) BurstFactor() float64 {
	if e.ConcurrencyLimitBurstFactor <= 0 {
		return DefaultConcurrencyLimitBurstFactor
	}
	return e.ConcurrencyLimitBurstFactor
}

// Descriptor is the parsed identity of a run queue.
type Descriptor struct {
	OrganizationID string
	ProjectID      string
	EnvironmentID  string
	Queue          string
	ConcurrencyKey string
}
