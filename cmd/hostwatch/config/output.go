package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/cloudless/hostwatch/pkg/plugin"
)

// OutputFormat represents the output format
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// Outputter prints plugin results
type Outputter struct {
	format OutputFormat
	writer io.Writer
}

// NewOutputter creates an outputter writing to stdout
func NewOutputter(format string) *Outputter {
	return NewOutputterTo(format, os.Stdout)
}

// NewOutputterTo creates an outputter writing to w
func NewOutputterTo(format string, w io.Writer) *Outputter {
	return &Outputter{format: OutputFormat(format), writer: w}
}

// GetFormat returns the output format
func (o *Outputter) GetFormat() OutputFormat {
	return o.format
}

// resultView is the serialized form of a plugin result
type resultView struct {
	Plugin    string         `json:"plugin" yaml:"plugin"`
	State     string         `json:"state" yaml:"state"`
	Runtime   string         `json:"runtime" yaml:"runtime"`
	Duration  string         `json:"duration" yaml:"duration"`
	Reports   []plugin.Entry `json:"reports,omitempty" yaml:"reports,omitempty"`
	Alerts    []plugin.Entry `json:"alerts,omitempty" yaml:"alerts,omitempty"`
	Errors    []plugin.Entry `json:"errors,omitempty" yaml:"errors,omitempty"`
	Summaries []plugin.Entry `json:"summaries,omitempty" yaml:"summaries,omitempty"`
	Options   []plugin.Entry `json:"options,omitempty" yaml:"options,omitempty"`
	Memory    map[string]any `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// PrintResult outputs one plugin result and the memory it left behind
func (o *Outputter) PrintResult(res plugin.Result, memory map[string]any) error {
	view := resultView{
		Plugin:    res.Key,
		State:     string(res.State),
		Runtime:   string(res.Runtime),
		Duration:  res.Duration.String(),
		Reports:   res.Reports,
		Alerts:    res.Alerts,
		Errors:    res.Errors,
		Summaries: res.Summaries,
		Options:   res.Options,
		Memory:    memory,
	}

	switch o.format {
	case OutputJSON:
		encoder := json.NewEncoder(o.writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(view)
	case OutputYAML:
		encoder := yaml.NewEncoder(o.writer)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(view)
	case OutputTable, "":
		o.printTable(view)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", o.format)
	}
}

func (o *Outputter) printTable(view resultView) {
	fmt.Fprintf(o.writer, "Plugin %s: %s (%s, %s)\n", view.Plugin, view.State, view.Runtime, view.Duration)

	var rows [][]string
	add := func(kind string, entries []plugin.Entry) {
		for _, e := range entries {
			rows = append(rows, []string{kind, e.CreatedAt, formatFields(e.Fields)})
		}
	}
	add("report", view.Reports)
	add("alert", view.Alerts)
	add("error", view.Errors)
	add("summary", view.Summaries)
	add("option", view.Options)
	if len(view.Memory) > 0 {
		rows = append(rows, []string{"memory", "", formatFields(view.Memory)})
	}

	if len(rows) == 0 {
		fmt.Fprintln(o.writer, "No output")
		return
	}

	table := tablewriter.NewWriter(o.writer)
	table.Header("KIND", "CREATED AT", "FIELDS")
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}

// formatFields renders a field map as sorted key=value pairs
func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fields[k]
		switch v.(type) {
		case map[string]any, []any:
			raw, _ := json.Marshal(v)
			parts = append(parts, fmt.Sprintf("%s=%s", k, raw))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " ")
}
