package history

import (
	"time"

	"github.com/cloudless/hostwatch/pkg/plan"
)

// Document is the full persisted state of the agent
type Document struct {
	LastRuns         map[string]time.Time      `yaml:"last_runs"`
	Memory           map[string]map[string]any `yaml:"memory"`
	OldPlugins       []plan.Descriptor         `yaml:"old_plugins,omitempty"`
	Directives       plan.Directives           `yaml:"directives,omitempty"`
	LastCheckin      *time.Time                `yaml:"last_checkin,omitempty"`
	LastPing         *time.Time                `yaml:"last_ping,omitempty"`
	LastClientKey    string                    `yaml:"last_client_key,omitempty"`
	PlanLastModified string                    `yaml:"plan_last_modified,omitempty"`
	AccountPublicKey string                    `yaml:"account_public_key,omitempty"`
	ServerMetrics    map[string]map[string]any `yaml:"server_metrics,omitempty"`
}

// Blank returns an empty document bound to clientKey
func Blank(clientKey string) *Document {
	doc := &Document{LastClientKey: clientKey}
	doc.normalize()
	return doc
}

func (d *Document) normalize() {
	if d.LastRuns == nil {
		d.LastRuns = make(map[string]time.Time)
	}
	if d.Memory == nil {
		d.Memory = make(map[string]map[string]any)
	}
}

// Lookup returns the execution record for a plugin. The composite key wins;
// the bare name is the legacy fallback.
func (d *Document) Lookup(key, name string) (*time.Time, map[string]any) {
	var lastRun *time.Time
	if t, ok := d.LastRuns[key]; ok {
		lastRun = &t
	} else if t, ok := d.LastRuns[name]; ok && name != "" {
		lastRun = &t
	}

	memory, ok := d.Memory[key]
	if !ok && name != "" {
		memory = d.Memory[name]
	}
	return lastRun, memory
}

// Record replaces the execution record under key and drops the legacy name entry
func (d *Document) Record(key, name string, runAt time.Time, memory map[string]any) {
	d.normalize()
	d.dropLegacy(key, name)

	d.LastRuns[key] = runAt.UTC()
	if memory == nil {
		memory = map[string]any{}
	}
	d.Memory[key] = memory
}

// Touch stamps the last run under key and keeps whatever memory was stored
func (d *Document) Touch(key, name string, runAt time.Time) {
	d.normalize()
	_, memory := d.Lookup(key, name)
	d.Record(key, name, runAt, memory)
}

func (d *Document) dropLegacy(key, name string) {
	if name == "" || name == key {
		return
	}
	delete(d.LastRuns, name)
	delete(d.Memory, name)
}

// CachedPlan returns a copy of the cached plugin list
func (d *Document) CachedPlan() []plan.Descriptor {
	out := make([]plan.Descriptor, 0, len(d.OldPlugins))
	for _, p := range d.OldPlugins {
		out = append(out, p.Clone())
	}
	return out
}
