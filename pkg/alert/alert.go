// Package alert defines the outbound event contract of the engine.
//
// The engine publishes lifecycle events (creation, restore, cleanup,
// verification outcomes and progress ticks) to a Publisher supplied by the
// embedding application. Publishing is strictly fire-and-forget: a slow,
// failing or panicking publisher must never fail a backup operation, which
// is what Dispatcher enforces.
package alert

import (
	"sort"

	"github.com/cronos-project/cronos-backup/pkg/clog"
)

// Topics emitted by the engine.
const (
	TopicBackupCreated    = "backup.created"
	TopicBackupFailed     = "backup.failed"
	TopicBackupProgress   = "backup.progress"
	TopicRestoreCompleted = "restore.completed"
	TopicRestoreFailed    = "restore.failed"
	TopicCleanupCompleted = "cleanup.completed"
	TopicVerifyFailed     = "verify.failed"
)

// Publisher receives engine events. Implementations must not block.
type Publisher interface {
	Publish(topic string, payload map[string]any)
}

// Statically assert that our types implement the interface.
var _ Publisher = (*LogPublisher)(nil)
var _ Publisher = (*NopPublisher)(nil)
var _ Publisher = (*Dispatcher)(nil)

// LogPublisher is the default Publisher: it writes every event to the
// structured log. Payload keys are emitted in sorted order so log lines are
// stable.
type LogPublisher struct {
	log clog.Logger
}

func NewLogPublisher(log clog.Logger) *LogPublisher {
	if log == nil {
		log = clog.Nop()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(topic string, payload map[string]any) {
	kv := make([]any, 0, 2*len(payload)+2)
	kv = append(kv, "topic", topic)

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, k, payload[k])
	}
	p.log.Info("ALERT", kv...)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(topic string, payload map[string]any) {}

// Dispatcher wraps another Publisher and guarantees the fire-and-forget
// contract: a nil inner publisher is tolerated and panics are caught and
// logged instead of propagating into the engine.
type Dispatcher struct {
	pub Publisher
	log clog.Logger
}

func NewDispatcher(pub Publisher, log clog.Logger) *Dispatcher {
	if log == nil {
		log = clog.Nop()
	}
	return &Dispatcher{pub: pub, log: log}
}

func (d *Dispatcher) Publish(topic string, payload map[string]any) {
	if d.pub == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("Alert publisher panicked, event dropped", "topic", topic, "panic", r)
		}
	}()
	d.pub.Publish(topic, payload)
}
