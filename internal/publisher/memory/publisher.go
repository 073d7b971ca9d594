// Package memory keeps job-finished notices in process. The server uses it
// when no Pub/Sub topic is configured, so retention is bounded.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultRetention is how many notices New keeps.
const DefaultRetention = 1000

// Notice is one recorded publish.
type Notice struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher records notices in a ring of fixed size.
type Publisher struct {
	mu      sync.RWMutex
	keep    int
	seq     int
	notices []Notice
	err     error
}

// New returns a Publisher retaining DefaultRetention notices.
func New() *Publisher {
	return NewWithRetention(DefaultRetention)
}

// NewWithRetention returns a Publisher keeping the latest keep notices.
func NewWithRetention(keep int) *Publisher {
	if keep <= 0 {
		keep = DefaultRetention
	}
	return &Publisher{keep: keep}
}

// Publish records the notice and returns a sequential id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.notices = append(p.notices, Notice{ID: id, Topic: topic, Payload: payload})
	if over := len(p.notices) - p.keep; over > 0 {
		p.notices = append(p.notices[:0:0], p.notices[over:]...)
	}
	return id, nil
}

// Messages returns a copy of the retained notices, oldest first.
func (p *Publisher) Messages() []Notice {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Notice(nil), p.notices...)
}

// FailWith makes later publishes return err until called with nil.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}
