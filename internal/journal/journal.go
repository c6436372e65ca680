package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgnsrekt/stepdeck/internal/events"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

// Topics is what the journal records by default.
var Topics = []events.Topic{
	events.TopicSessionCreated,
	events.TopicSessionExpired,
	events.TopicStepAppended,
	events.TopicStepFailed,
	events.TopicStepTextEdited,
	events.TopicTabOpened,
	events.TopicReplayState,
	events.TopicReplayStep,
	events.TopicRecordingSaved,
}

// Entry is one journal line.
type Entry struct {
	At    time.Time       `json:"at"`
	Topic events.Topic    `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Follow copies bus events on the journal topics into w until ctx is done.
// It returns once the subscription is closed.
func Follow(ctx context.Context, bus *events.Bus, w *Writer) {
	id, ch := bus.Subscribe(Topics...)
	defer bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = w.Write(Entry{At: ev.At, Topic: ev.Topic, Data: redact(ev.Topic, ev.Data)})
		}
	}
}

// redact drops typed text that is not marked stored from step payloads
// before they reach disk. Payloads it cannot decode pass through.
func redact(topic events.Topic, data json.RawMessage) json.RawMessage {
	var key string
	switch topic {
	case events.TopicStepAppended:
		key = "step"
	case events.TopicStepTextEdited:
		key = "edit"
	default:
		return data
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields[key] == nil {
		return data
	}

	var scrubbed any
	if key == "step" {
		var step types.Step
		if err := json.Unmarshal(fields[key], &step); err != nil {
			return data
		}
		if step.Kind != types.KindType || step.Type == nil || step.Type.StoreValue {
			return data
		}
		step.Type.Text = ""
		scrubbed = step
	} else {
		var edit map[string]any
		if err := json.Unmarshal(fields[key], &edit); err != nil {
			return data
		}
		if stored, _ := edit["store_value"].(bool); stored {
			return data
		}
		edit["text"] = ""
		scrubbed = edit
	}

	raw, err := json.Marshal(scrubbed)
	if err != nil {
		return data
	}
	fields[key] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return data
	}
	return out
}
