package models

import (
	"encoding/json"
	"fmt"
)

// TaskStatus represents the lifecycle status of an embedding task.
type TaskStatus string

const (
	TaskStatusOpen     TaskStatus = "open"
	TaskStatusProgress TaskStatus = "progress"
	TaskStatusWaiting  TaskStatus = "waiting"
	TaskStatusDone     TaskStatus = "done"
	TaskStatusFail     TaskStatus = "fail"
)

// Startable reports whether a task in this status may be (re)locked for dispatch.
// Waiting is an external pause, done/fail are terminal.
func (s TaskStatus) Startable() bool {
	return s == TaskStatusOpen || s == TaskStatusProgress
}

// TaskOptions is the decoded action_options blob of a task.
type TaskOptions struct {
	// EmbedPrefix is prepended (followed by a single space) to every text before inference.
	EmbedPrefix string `json:"embed_prefix,omitempty"`
	// EmbeddingModel names the model the inference endpoint should use.
	EmbeddingModel string `json:"embedding_model,omitempty"`
	// Extra keeps keys this service does not interpret.
	Extra map[string]any `json:"-"`
}

// UnmarshalJSON decodes the known keys and keeps the rest in Extra.
func (o *TaskOptions) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode task options: %w", err)
	}

	*o = TaskOptions{}

	for key, value := range raw {
		switch key {
		case "embed_prefix":
			if s, ok := value.(string); ok {
				o.EmbedPrefix = s
			}
		case "embedding_model":
			if s, ok := value.(string); ok {
				o.EmbeddingModel = s
			}
		default:
			if o.Extra == nil {
				o.Extra = make(map[string]any)
			}

			o.Extra[key] = value
		}
	}

	return nil
}

// ApplyPrefix returns text with the configured prefix, or text unchanged when no prefix is set.
func (o *TaskOptions) ApplyPrefix(text string) string {
	if o == nil || o.EmbedPrefix == "" {
		return text
	}

	return o.EmbedPrefix + " " + text
}
