package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudless/hostwatch/pkg/plugin"
)

func sampleResult() plugin.Result {
	return plugin.Result{
		Key:      "disk.plugin",
		State:    plugin.StateCompleted,
		Runtime:  plugin.RuntimeScript,
		Duration: 1500 * time.Millisecond,
		Reports: []plugin.Entry{{
			CreatedAt: "2024-05-01 10:00:00",
			Fields:    map[string]any{"used": 42.5, "mount": "/"},
		}},
		Alerts: []plugin.Entry{{
			CreatedAt: "2024-05-01 10:00:00",
			Fields:    map[string]any{"subject": "disk almost full"},
		}},
	}
}

// TestNewOutputter verifies the configured format is kept
func TestNewOutputter(t *testing.T) {
	for _, format := range []string{"table", "json", "yaml", ""} {
		out := NewOutputter(format)
		require.NotNil(t, out)
		assert.Equal(t, OutputFormat(format), out.GetFormat())
		assert.NotNil(t, out.writer)
	}
}

// TestPrintResult_JSON verifies JSON output carries every entry
func TestPrintResult_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewOutputterTo("json", &buf).PrintResult(sampleResult(), map[string]any{"runs": 2}))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "disk.plugin", doc["plugin"])
	assert.Equal(t, "COMPLETED", doc["state"])
	assert.Equal(t, "1.5s", doc["duration"])
	assert.Len(t, doc["reports"], 1)
	assert.Equal(t, map[string]any{"runs": float64(2)}, doc["memory"])
	assert.NotContains(t, doc, "errors")
}

// TestPrintResult_YAML verifies YAML output
func TestPrintResult_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewOutputterTo("yaml", &buf).PrintResult(sampleResult(), nil))
	assert.Contains(t, buf.String(), "plugin: disk.plugin")
	assert.Contains(t, buf.String(), "state: COMPLETED")
}

// TestPrintResult_Table verifies the table lists each entry with sorted fields
func TestPrintResult_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewOutputterTo("table", &buf).PrintResult(sampleResult(), nil))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Plugin disk.plugin: COMPLETED (script, 1.5s)"))
	assert.Contains(t, out, "mount=/ used=42.5")
	assert.Contains(t, out, "disk almost full")
}

// TestPrintResult_TableEmpty verifies results without entries say so
func TestPrintResult_TableEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewOutputterTo("table", &buf).PrintResult(plugin.Result{Key: "x", State: plugin.StateTimedOut}, nil))
	assert.Contains(t, buf.String(), "No output")
}

// TestPrintResult_UnknownFormat verifies invalid formats are rejected
func TestPrintResult_UnknownFormat(t *testing.T) {
	err := NewOutputterTo("xml", &bytes.Buffer{}).PrintResult(sampleResult(), nil)
	assert.Error(t, err)
}

// TestFormatFields verifies nested values are rendered as JSON
func TestFormatFields(t *testing.T) {
	got := formatFields(map[string]any{"b": 1, "a": map[string]any{"x": true}})
	assert.Equal(t, `a={"x":true} b=1`, got)
}
