package checkin

import (
	"time"

	"github.com/cloudless/hostwatch/pkg/plan"
	"github.com/cloudless/hostwatch/pkg/plugin"
)

// Payload is the check-in document sent to the server at the end of a run
type Payload struct {
	Reports       []plugin.Entry `json:"reports"`
	Alerts        []plugin.Entry `json:"alerts"`
	Errors        []plugin.Entry `json:"errors"`
	Summaries     []plugin.Entry `json:"summaries"`
	Options       []plugin.Entry `json:"options"`
	Snapshot      string         `json:"snapshot"`
	ServerMetrics map[string]any `json:"server_metrics"`
	ConfigPath    string         `json:"config_path"`
	ServerName    string         `json:"server_name,omitempty"`
	RunID         string         `json:"run_id,omitempty"`
}

// Add appends the entries produced by one plugin run
func (p *Payload) Add(result plugin.Result) {
	p.Reports = append(p.Reports, result.Reports...)
	p.Alerts = append(p.Alerts, result.Alerts...)
	p.Errors = append(p.Errors, result.Errors...)
	p.Summaries = append(p.Summaries, result.Summaries...)
	p.Options = append(p.Options, result.Options...)
}

// AddSignatureErrors reports every plugin excluded by code verification
func (p *Payload) AddSignatureErrors(rejected []plan.Rejection, now time.Time) {
	for _, r := range rejected {
		entry := plugin.Entry{
			PluginID:  string(r.Descriptor.ID),
			CreatedAt: now.UTC().Format(plugin.CreatedAtLayout),
			Fields: map[string]any{
				"subject": "Code Signature Error",
				"body":    r.Err.Error(),
			},
			LocalFilename: r.Descriptor.LocalFilename,
		}
		p.Errors = append(p.Errors, entry)
	}
}

// Empty reports whether no plugin produced anything
func (p *Payload) Empty() bool {
	return len(p.Reports)+len(p.Alerts)+len(p.Errors)+len(p.Summaries)+len(p.Options) == 0
}
