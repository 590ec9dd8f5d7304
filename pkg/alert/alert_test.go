package alert

import "testing"

// capturePublisher records events for assertions.
type capturePublisher struct {
	topics   []string
	payloads []map[string]any
}

func (c *capturePublisher) Publish(topic string, payload map[string]any) {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload)
}

type panicPublisher struct{}

func (panicPublisher) Publish(topic string, payload map[string]any) {
	panic("subscriber exploded")
}

func TestDispatcherForwardsEvents(t *testing.T) {
	inner := &capturePublisher{}
	d := NewDispatcher(inner, nil)

	d.Publish(TopicBackupCreated, map[string]any{"id": "abc"})

	if len(inner.topics) != 1 || inner.topics[0] != TopicBackupCreated {
		t.Fatalf("expected one %s event, got %v", TopicBackupCreated, inner.topics)
	}
	if inner.payloads[0]["id"] != "abc" {
		t.Errorf("payload not forwarded: %v", inner.payloads[0])
	}
}

func TestDispatcherSwallowsPanics(t *testing.T) {
	d := NewDispatcher(panicPublisher{}, nil)

	// Must not panic.
	d.Publish(TopicBackupFailed, map[string]any{"reason": "io"})
}

func TestDispatcherToleratesNilPublisher(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Publish(TopicCleanupCompleted, nil)
}

func TestLogPublisherHandlesNilLoggerAndPayload(t *testing.T) {
	p := NewLogPublisher(nil)
	p.Publish(TopicBackupProgress, nil)
	p.Publish(TopicBackupProgress, map[string]any{"files": 100, "archive": "x.zip"})
}
