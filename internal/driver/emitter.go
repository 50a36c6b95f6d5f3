package driver

import (
	"context"

	"github.com/mentatlab/orchestrator/internal/eventlog"
	"github.com/mentatlab/orchestrator/pkg/types"
)

// EventLogEmitter adapts an EventLog to the Emitter interface drivers use.
type EventLogEmitter struct {
	log eventlog.EventLog
}

// NewEventLogEmitter creates a new emitter backed by an EventLog.
func NewEventLogEmitter(log eventlog.EventLog) *EventLogEmitter {
	return &EventLogEmitter{log: log}
}

// EmitEvent appends a node log/status event to the run's event log.
func (e *EventLogEmitter) EmitEvent(ctx context.Context, runID, eventType string, data map[string]interface{}, nodeID, level string) error {
	if level != "" {
		data["level"] = level
	}
	_, err := e.log.Append(ctx, runID, types.EventKind(eventType), nodeID, data)
	return err
}

var _ Emitter = (*EventLogEmitter)(nil)
