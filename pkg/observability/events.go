package observability

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names a notable engine occurrence
type EventType string

const (
	EventPlanRefreshed   EventType = "plan.refreshed"
	EventPlanNotModified EventType = "plan.not_modified"
	EventPluginRejected  EventType = "plan.plugin_rejected"

	EventPluginCompleted EventType = "plugin.completed"
	EventPluginFailed    EventType = "plugin.failed"
	EventPluginSkipped   EventType = "plugin.skipped"

	EventHistoryReset   EventType = "history.reset"
	EventHistoryCorrupt EventType = "history.corrupt"

	EventCheckinSent   EventType = "checkin.sent"
	EventCheckinFailed EventType = "checkin.failed"
)

// EventSeverity selects the log level an event is written at
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event is one notable engine occurrence during an invocation
type Event struct {
	Type        EventType      `json:"type"`
	Severity    EventSeverity  `json:"severity"`
	Timestamp   time.Time      `json:"timestamp"`
	RunID       string         `json:"run_id,omitempty"`
	PluginKey   string         `json:"plugin,omitempty"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// EventStream keeps the most recent engine events across invocations of a
// long-running agent. Oldest events are dropped first.
type EventStream struct {
	mu     sync.RWMutex
	ring   []Event
	next   int
	full   bool
	logger *zap.Logger
}

// NewEventStream creates a stream holding at most size events
func NewEventStream(size int, logger *zap.Logger) *EventStream {
	if size <= 0 {
		size = 256
	}
	return &EventStream{ring: make([]Event, size), logger: logger}
}

// Record stores event, filling the run ID and plugin key from ctx when
// unset, and logs it at its severity.
func (es *EventStream) Record(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RunID == "" {
		event.RunID = GetRunID(ctx)
	}
	if event.PluginKey == "" {
		event.PluginKey = GetPluginKey(ctx)
	}

	es.mu.Lock()
	es.ring[es.next] = event
	es.next = (es.next + 1) % len(es.ring)
	if es.next == 0 {
		es.full = true
	}
	es.mu.Unlock()

	fields := []zap.Field{zap.String("event_type", string(event.Type))}
	if event.RunID != "" {
		fields = append(fields, zap.String("run_id", event.RunID))
	}
	if event.PluginKey != "" {
		fields = append(fields, zap.String("plugin", event.PluginKey))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	switch event.Severity {
	case SeverityWarning:
		es.logger.Warn(event.Description, fields...)
	case SeverityError:
		es.logger.Error(event.Description, fields...)
	default:
		es.logger.Info(event.Description, fields...)
	}
}

// Events returns the retained events, oldest first, limited to the given
// types when any are passed.
func (es *EventStream) Events(types ...EventType) []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()

	ordered := es.ring[:es.next]
	if es.full {
		ordered = append(append([]Event{}, es.ring[es.next:]...), es.ring[:es.next]...)
	}

	result := make([]Event, 0, len(ordered))
	for _, event := range ordered {
		if matchesType(event.Type, types) {
			result = append(result, event)
		}
	}
	return result
}

// Counts tallies the retained events of one run by type
func (es *EventStream) Counts(runID string) map[EventType]int {
	counts := make(map[EventType]int)
	for _, event := range es.Events() {
		if event.RunID == runID {
			counts[event.Type]++
		}
	}
	return counts
}

func matchesType(t EventType, types []EventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}
