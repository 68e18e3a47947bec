package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudless/hostwatch/pkg/plan"
)

// RuntimeKind names an execution backend
type RuntimeKind string

const (
	RuntimeScript RuntimeKind = "script"
	RuntimeWASM   RuntimeKind = "wasm"
)

// Input is everything a plugin instance is constructed with
type Input struct {
	PluginID string
	Name     string
	LastRun  *time.Time
	Memory   map[string]any
	Options  map[string]any
}

// MarshalJSON renders the document plugins read on start
func (in Input) MarshalJSON() ([]byte, error) {
	type plugin struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	var lastRun *string
	if in.LastRun != nil {
		s := in.LastRun.UTC().Format(time.RFC3339)
		lastRun = &s
	}
	memory := in.Memory
	if memory == nil {
		memory = map[string]any{}
	}
	options := in.Options
	if options == nil {
		options = map[string]any{}
	}
	return json.Marshal(struct {
		LastRun *string        `json:"last_run"`
		Memory  map[string]any `json:"memory"`
		Options map[string]any `json:"options"`
		Plugin  plugin         `json:"plugin"`
	}{lastRun, memory, options, plugin{in.PluginID, in.Name}})
}

// Program is compiled plugin code ready to be instantiated
type Program interface {
	// Run builds a fresh instance, executes it and discards it
	Run(ctx context.Context, in Input) (Data, error)
	Close(ctx context.Context) error
}

// Runtime compiles plugin code
type Runtime interface {
	Kind() RuntimeKind
	Compile(ctx context.Context, code string) (Program, error)
}

// CompileError means the code could not be compiled
type CompileError struct {
	Message string
}

func (e *CompileError) Error() string {
	return e.Message
}

// LoadError means an instance could not be constructed
type LoadError struct {
	Message string
}

func (e *LoadError) Error() string {
	return e.Message
}

// RuntimeError means the instance failed while running
type RuntimeError struct {
	Class   string
	Message string
	Detail  string
}

func (e *RuntimeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Class, e.Message)
	}
	return fmt.Sprintf("%s: %s\n%s", e.Class, e.Message, e.Detail)
}

// selectRuntime inspects the plugin header. A "runtime=wasm" marker on the
// first plugin-marker line selects WASM and the remaining lines carry the
// base64 module; anything else is a script.
func selectRuntime(code string) (RuntimeKind, string) {
	lines := strings.SplitN(code, "\n", 3)
	for i, line := range lines {
		if i > 1 {
			break
		}
		if strings.Contains(line, plan.Marker) && strings.Contains(line, "runtime=wasm") {
			body := ""
			if idx := strings.Index(code, line); idx >= 0 {
				body = strings.TrimPrefix(code[idx+len(line):], "\n")
			}
			return RuntimeWASM, body
		}
	}
	return RuntimeScript, code
}
