package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout applies to plugins whose descriptor carries no timeout
const DefaultTimeout = 60 * time.Second

// Origin tells where a plugin's code came from
type Origin string

const (
	OriginRemote   Origin = "REMOTE"
	OriginLocal    Origin = "LOCAL"
	OriginOverride Origin = "OVERRIDE"
)

// PluginID accepts both JSON numbers and strings
type PluginID string

// UnmarshalJSON implements json.Unmarshaler
func (id *PluginID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = PluginID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("plugin id: %w", err)
	}
	*id = PluginID(n.String())
	return nil
}

// Number is a float that also accepts numeric strings on decode
type Number float64

// UnmarshalJSON implements json.Unmarshaler
func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// Descriptor is one plugin entry of a plan
type Descriptor struct {
	ID            PluginID       `json:"id,omitempty" yaml:"id,omitempty"`
	Name          string         `json:"name" yaml:"name"`
	Code          string         `json:"code,omitempty" yaml:"code,omitempty"`
	Filename      string         `json:"filename,omitempty" yaml:"filename,omitempty"`
	LocalFilename string         `json:"local_filename,omitempty" yaml:"local_filename,omitempty"`
	Interval      Number         `json:"interval,omitempty" yaml:"interval,omitempty"`
	Timeout       Number         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Options       map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	Signature     string         `json:"signature,omitempty" yaml:"signature,omitempty"`
	Origin        Origin         `json:"origin,omitempty" yaml:"origin,omitempty"`

	// OverridePath is set when a local override file replaced the code
	OverridePath string `json:"-" yaml:"-"`
}

// Key returns the execution record key "{id}-{name}"
func (d Descriptor) Key() string {
	return strings.TrimPrefix(string(d.ID)+"-"+d.Name, "-")
}

// TimeoutDuration returns the hard deadline for one execution
func (d Descriptor) TimeoutDuration() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(float64(d.Timeout) * float64(time.Second))
}

// IntervalDuration returns the run interval
func (d Descriptor) IntervalDuration() time.Duration {
	return time.Duration(float64(d.Interval) * float64(time.Minute))
}

// IsLocal reports whether the code came from this host rather than the server
func (d Descriptor) IsLocal() bool {
	return d.Origin == OriginLocal || d.Origin == OriginOverride
}

// Clone returns a deep copy safe to mutate independently
func (d Descriptor) Clone() Descriptor {
	c := d
	if d.Options != nil {
		c.Options = make(map[string]any, len(d.Options))
		for k, v := range d.Options {
			c.Options[k] = v
		}
	}
	return c
}

// Plan is the body of a plan response
type Plan struct {
	Plugins    []Descriptor `json:"plugins"`
	Directives Directives   `json:"directives"`
}

// Directives is advisory server data. Unknown keys are preserved.
type Directives map[string]any

// Interval returns the check-in interval in minutes
func (d Directives) Interval() (float64, bool) {
	return toNumber(d["interval"])
}

// PingKey returns the key used for the conditional ping
func (d Directives) PingKey() string {
	if s, ok := d["ping_key"].(string); ok {
		return strings.TrimSpace(s)
	}
	if f, ok := toNumber(d["ping_key"]); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

// PingInterval returns the ping interval in minutes
func (d Directives) PingInterval() (float64, bool) {
	return toNumber(d["ping_interval"])
}

// SleepInterval returns how many seconds to stagger before contacting the server
func (d Directives) SleepInterval() float64 {
	f, ok := toNumber(d["sleep_interval"])
	if !ok || f < 0 {
		return 0
	}
	return f
}

// TakeSnapshots reports whether a process snapshot should be attached
func (d Directives) TakeSnapshots() bool {
	switch v := d["take_snapshots"].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		f, ok := toNumber(v)
		return ok && f != 0
	}
}

// Clone returns a shallow copy of the directives
func (d Directives) Clone() Directives {
	if d == nil {
		return nil
	}
	c := make(Directives, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
