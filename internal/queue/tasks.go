package queue

import (
	"time"

	"github.com/google/uuid"
)

// Task types of the fire-and-forget worker pool. The cue dispatcher
// publishes TaskTypeCueAction; the other types are built only through
// TaskFactory.
const (
	TaskTypeCueAction  = "cue_action"
	TaskTypeZoneCmd    = "zone_command"
	TaskTypeHintFire   = "hint_fire"
	TaskTypeBusPublish = "bus_publish"
)

// CueActionData carries one dispatchable cue/sequence action through
// the queue to a worker.
type CueActionData struct {
	Zone    string                 `json:"zone"`
	Zones   []string               `json:"zones"`
	Command string                 `json:"command"`
	Options map[string]interface{} `json:"options"`
}

// ZoneCmdData carries a direct zone command (sequence step form).
type ZoneCmdData struct {
	Zone    string                 `json:"zone"`
	Zones   []string               `json:"zones"`
	Command string                 `json:"command"`
	Options map[string]interface{} `json:"options"`
}

// HintFireData carries a scheduled hint fire.
type HintFireData struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

// BusPublishData carries a raw bus publish (sequence `publish` step).
type BusPublishData struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// TaskFactory creates tasks for the cue/sequence fire-and-forget
// paths. Priorities come from the queue's per-type tiers; retry caps
// are left to the queue default except where the domain wants tighter
// ones (a hint replayed minutes late is worse than a dropped hint).
type TaskFactory struct{}

func NewTaskFactory() *TaskFactory {
	return &TaskFactory{}
}

func (f *TaskFactory) CreateCueActionTask(correlationID string, data CueActionData) Task {
	return Task{
		ID:            uuid.New().String(),
		Type:          TaskTypeCueAction,
		CorrelationID: correlationID,
		Data: map[string]interface{}{
			"zone":    data.Zone,
			"zones":   data.Zones,
			"command": data.Command,
			"options": data.Options,
		},
		Priority:  PriorityFor(TaskTypeCueAction),
		CreatedAt: time.Now(),
	}
}

func (f *TaskFactory) CreateZoneCmdTask(correlationID string, data ZoneCmdData) Task {
	return Task{
		ID:            uuid.New().String(),
		Type:          TaskTypeZoneCmd,
		CorrelationID: correlationID,
		Data: map[string]interface{}{
			"zone":    data.Zone,
			"zones":   data.Zones,
			"command": data.Command,
			"options": data.Options,
		},
		Priority:  PriorityFor(TaskTypeZoneCmd),
		CreatedAt: time.Now(),
	}
}

func (f *TaskFactory) CreateHintFireTask(correlationID string, data HintFireData) Task {
	return Task{
		ID:            uuid.New().String(),
		Type:          TaskTypeHintFire,
		CorrelationID: correlationID,
		Data: map[string]interface{}{
			"id":     data.ID,
			"source": data.Source,
			"text":   data.Text,
		},
		Priority:  PriorityFor(TaskTypeHintFire),
		CreatedAt: time.Now(),
		MaxRetry:  1,
	}
}

func (f *TaskFactory) CreateBusPublishTask(correlationID string, data BusPublishData) Task {
	return Task{
		ID:            uuid.New().String(),
		Type:          TaskTypeBusPublish,
		CorrelationID: correlationID,
		Data: map[string]interface{}{
			"topic":   data.Topic,
			"payload": data.Payload,
		},
		Priority:  PriorityFor(TaskTypeBusPublish),
		CreatedAt: time.Now(),
		MaxRetry:  2,
	}
}

// ZoneTargets extracts the zone/zones fields from a task's Data, used
// by internal/cue when building the worker handler that drives the
// zone registry.
func ZoneTargets(data map[string]interface{}) []string {
	if z, ok := data["zone"].(string); ok && z != "" {
		return []string{z}
	}
	if zs, ok := data["zones"].([]string); ok {
		return zs
	}
	if zs, ok := data["zones"].([]interface{}); ok {
		out := make([]string, 0, len(zs))
		for _, v := range zs {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
