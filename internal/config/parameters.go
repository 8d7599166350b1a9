// Package config holds the runtime parameters published to devices and the
// static configuration of the server process.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var ErrInvalidParameters = errors.New("config: invalid parameters")

// Parameters are the tunables shared with devices and used by the
// scheduler. Values are immutable once built; reconfiguration swaps the
// whole value.
type Parameters struct {
	Server string
	// Retention is the number of trailing days of codes published.
	Retention int
	// Proximity is the signal strength threshold in dBm.
	Proximity int
	// Exposure is the exposure threshold in minutes.
	Exposure int
	// Advice: 0 no restriction, 1 stay at home, 2 self-isolation.
	Advice int
	// Update is the interval between eviction and publication runs.
	Update                   time.Duration
	ExpireSymptomatic        int
	ExpireConfirmedDiagnosis int
	ExpireInactivity         int
	PasswordHash             string
}

// DefaultParameters returns the values used until a parameters file is
// loaded.
func DefaultParameters() Parameters {
	return Parameters{
		Server:                   "https://preprod.c19x.org",
		Retention:                14,
		Proximity:                -77,
		Exposure:                 15,
		Advice:                   1,
		Update:                   24 * time.Hour,
		ExpireSymptomatic:        8,
		ExpireConfirmedDiagnosis: 8,
		ExpireInactivity:         21,
	}
}

// ParseParameters overlays the JSON document data onto prev. Every value in
// the document is a string, numbers are tolerated. The document only takes
// effect when "active" is "true"; otherwise prev is returned unchanged. On
// error prev should be kept by the caller.
func ParseParameters(data []byte, prev Parameters) (Parameters, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return prev, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	active, err := stringField(doc, "active")
	if err != nil {
		return prev, err
	}
	if b, _ := strconv.ParseBool(active); !b {
		return prev, nil
	}

	next := prev
	if v, err := stringField(doc, "server"); err != nil {
		return prev, err
	} else if v != "" {
		next.Server = v
	}
	if v, err := stringField(doc, "passwordHash"); err != nil {
		return prev, err
	} else if v != "" {
		next.PasswordHash = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"retention", &next.Retention},
		{"proximity", &next.Proximity},
		{"exposure", &next.Exposure},
		{"advice", &next.Advice},
		{"expireSymptomatic", &next.ExpireSymptomatic},
		{"expireConfirmedDiagnosis", &next.ExpireConfirmedDiagnosis},
		{"expireInactivity", &next.ExpireInactivity},
	}
	for _, f := range ints {
		if err := intField(doc, f.key, f.dst); err != nil {
			return prev, err
		}
	}
	minutes := int(next.Update / time.Minute)
	if err := intField(doc, "update", &minutes); err != nil {
		return prev, err
	}
	next.Update = time.Duration(minutes) * time.Minute

	if err := next.Validate(); err != nil {
		return prev, err
	}
	return next, nil
}

// Validate rejects values the scheduler and publisher cannot work with.
func (p Parameters) Validate() error {
	switch {
	case p.Retention < 1:
		return fmt.Errorf("%w: retention must be at least 1 day", ErrInvalidParameters)
	case p.Update < time.Minute:
		return fmt.Errorf("%w: update must be at least 1 minute", ErrInvalidParameters)
	case p.ExpireInactivity < 1:
		return fmt.Errorf("%w: expireInactivity must be at least 1 day", ErrInvalidParameters)
	case p.ExpireSymptomatic < 0 || p.ExpireConfirmedDiagnosis < 0:
		return fmt.Errorf("%w: expiry must not be negative", ErrInvalidParameters)
	}
	return nil
}

// Public is the subset served to devices. Values are strings on the wire.
func (p Parameters) Public() map[string]string {
	return map[string]string{
		"server":    p.Server,
		"advice":    strconv.Itoa(p.Advice),
		"retention": strconv.Itoa(p.Retention),
		"proximity": strconv.Itoa(p.Proximity),
		"exposure":  strconv.Itoa(p.Exposure),
	}
}

func stringField(doc map[string]any, key string) (string, error) {
	raw, ok := doc[key]
	if !ok || raw == nil {
		return "", nil
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidParameters, key, raw)
	}
}

func intField(doc map[string]any, key string, dst *int) error {
	s, err := stringField(doc, key)
	if err != nil || s == "" {
		return err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidParameters, key, s)
	}
	*dst = n
	return nil
}

// Holder publishes the current Parameters to concurrent readers.
type Holder struct {
	p atomic.Pointer[Parameters]
}

// NewHolder starts with p.
func NewHolder(p Parameters) *Holder {
	h := &Holder{}
	h.p.Store(&p)
	return h
}

// Get returns the current parameters.
func (h *Holder) Get() Parameters {
	return *h.p.Load()
}

// Reconfigure replaces the current parameters as a unit.
func (h *Holder) Reconfigure(p Parameters) {
	h.p.Store(&p)
}
