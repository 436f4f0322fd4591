// Package progress delivers fix progress and completion notifications.
// Delivery is best effort: an event may be dropped but never repeated.
package progress

import (
	"log"
	"time"

	"github.com/mysleekdesigns/fixpool/pkg/models"
)

// Emitter receives progress and completion notifications. Implementations
// must not block.
type Emitter interface {
	EmitProgress(ev models.ProgressEvent)
	EmitComplete(ev models.CompleteEvent)
}

// Event is the wire form shared by the hub and its websocket clients.
type Event struct {
	Type        string             `json:"type"`
	TaskID      string             `json:"taskId"`
	FixCategory models.FixCategory `json:"fixCategory,omitempty"`
	Message     string             `json:"message,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

const (
	EventTypeProgress = "progress"
	EventTypeComplete = "complete"
)

// FromProgress converts a progress notification.
func FromProgress(ev models.ProgressEvent) Event {
	return Event{
		Type:        EventTypeProgress,
		TaskID:      ev.TaskID,
		FixCategory: ev.FixCategory,
		Message:     ev.Message,
		Timestamp:   ev.Timestamp,
	}
}

// FromComplete converts a completion notification.
func FromComplete(ev models.CompleteEvent) Event {
	return Event{
		Type:      EventTypeComplete,
		TaskID:    ev.TaskID,
		Timestamp: ev.Timestamp,
	}
}

// Multi fans every notification out to each emitter in order.
type Multi []Emitter

func (m Multi) EmitProgress(ev models.ProgressEvent) {
	for _, e := range m {
		if e != nil {
			e.EmitProgress(ev)
		}
	}
}

func (m Multi) EmitComplete(ev models.CompleteEvent) {
	for _, e := range m {
		if e != nil {
			e.EmitComplete(ev)
		}
	}
}

// LogEmitter writes notifications to the standard logger.
type LogEmitter struct{}

func (LogEmitter) EmitProgress(ev models.ProgressEvent) {
	log.Printf("progress_event=progress task_id=%s category=%s message=%q",
		ev.TaskID, ev.FixCategory, models.TruncateString(ev.Message, 200))
}

func (LogEmitter) EmitComplete(ev models.CompleteEvent) {
	log.Printf("progress_event=complete task_id=%s", ev.TaskID)
}

// Nop discards everything.
type Nop struct{}

func (Nop) EmitProgress(models.ProgressEvent) {}
func (Nop) EmitComplete(models.CompleteEvent) {}
