// Package mailer is the outbound mail transport boundary. The dispatch
// orchestrator hands it fully rendered messages; delivery retries and
// throttling are the transport's own concern.
package mailer

import (
	"context"
	"sync"
)

// Message is one outbound email. From carries the "Name <address>" header
// form; DispatchID is the correlation tag delivery logs are joined back on.
type Message struct {
	To         string
	From       string
	Subject    string
	Text       string
	HTML       string
	DispatchID string
}

// Mailer delivers one message.
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

// Recorder is an in-memory Mailer for tests and dry runs.
type Recorder struct {
	mu   sync.Mutex
	sent []*Message

	// FailFor makes Send fail for the given recipient addresses.
	FailFor map[string]error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{FailFor: make(map[string]error)}
}

// Send records the message, or fails if the recipient is marked failing.
func (r *Recorder) Send(_ context.Context, msg *Message) error {
	if err, ok := r.FailFor[msg.To]; ok {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (r *Recorder) Sent() []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Message, len(r.sent))
	copy(out, r.sent)
	return out
}
