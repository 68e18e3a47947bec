package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Data is what one plugin run produced
type Data struct {
	Reports   []map[string]any
	Alerts    []map[string]any
	Errors    []map[string]any
	Summaries []map[string]any
	// Memory is carried to the next run of the same plugin
	Memory map[string]any
}

// add appends fields to the category named by kind
func (d *Data) add(kind Kind, fields map[string]any) {
	switch kind {
	case KindReport:
		d.Reports = append(d.Reports, fields)
	case KindAlert:
		d.Alerts = append(d.Alerts, fields)
	case KindError:
		d.Errors = append(d.Errors, fields)
	case KindSummary:
		d.Summaries = append(d.Summaries, fields)
	}
}

// Kind is an output category
type Kind int

const (
	KindReport Kind = iota
	KindAlert
	KindError
	KindSummary
)

var kindKeys = []struct {
	kind     Kind
	plural   string
	singular string
}{
	{KindReport, "reports", "report"},
	{KindAlert, "alerts", "alert"},
	{KindError, "errors", "error"},
	{KindSummary, "summaries", "summary"},
}

func (k Kind) String() string {
	for _, kk := range kindKeys {
		if kk.kind == k {
			return kk.singular
		}
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseOutput normalizes a plugin's JSON output. Each category may be given
// as a list or a single object under its plural key, plus a single object
// under its singular key; all of them end up in the category's list.
func ParseOutput(raw []byte) (Data, error) {
	var data Data

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return data, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return data, fmt.Errorf("output is not a JSON object: %w", err)
	}

	for _, kk := range kindKeys {
		for _, key := range []string{kk.plural, kk.singular} {
			items, err := decodeObjects(doc[key])
			if err != nil {
				return data, fmt.Errorf("%s: %w", key, err)
			}
			for _, item := range items {
				data.add(kk.kind, item)
			}
		}
	}

	if mem, ok := doc["memory"]; ok && !isNull(mem) {
		if err := json.Unmarshal(mem, &data.Memory); err != nil {
			return data, fmt.Errorf("memory must be an object: %w", err)
		}
	}

	return data, nil
}

func decodeObjects(raw json.RawMessage) ([]map[string]any, error) {
	if isNull(raw) {
		return nil, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("expected a list of objects: %w", err)
		}
		out := list[:0]
		for _, item := range list {
			if item != nil {
				out = append(out, item)
			}
		}
		return out, nil
	}

	var single map[string]any
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("expected an object: %w", err)
	}
	return []map[string]any{single}, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null"
}
