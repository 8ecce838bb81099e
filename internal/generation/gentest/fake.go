// Package gentest provides a scripted generation.Model for tests.
package gentest

import (
	"context"
	"fmt"
	"sync"

	"github.com/phrazzld/cadence/internal/generation"
)

// Reply is a scripted answer: Text is returned unless Err is set.
type Reply struct {
	Text string
	Err  error
}

// Model answers requests from per-purpose queues. When a purpose's queue is
// empty, the Default reply for it is used; if there is none, Generate fails.
type Model struct {
	mu       sync.Mutex
	queues   map[string][]Reply
	defaults map[string]Reply
	requests []generation.Request
}

// New returns an empty scripted model.
func New() *Model {
	return &Model{queues: map[string][]Reply{}, defaults: map[string]Reply{}}
}

// Queue appends replies for purpose.
func (m *Model) Queue(purpose string, replies ...Reply) *Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[purpose] = append(m.queues[purpose], replies...)
	return m
}

// QueueText appends successful text replies for purpose.
func (m *Model) QueueText(purpose string, texts ...string) *Model {
	for _, t := range texts {
		m.Queue(purpose, Reply{Text: t})
	}
	return m
}

// Default sets the reply used once purpose's queue is drained.
func (m *Model) Default(purpose, text string) *Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[purpose] = Reply{Text: text}
	return m
}

// Generate implements generation.Model.
func (m *Model) Generate(_ context.Context, req generation.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if q := m.queues[req.Purpose]; len(q) > 0 {
		m.queues[req.Purpose] = q[1:]
		return q[0].Text, q[0].Err
	}
	if r, ok := m.defaults[req.Purpose]; ok {
		return r.Text, r.Err
	}
	return "", fmt.Errorf("gentest: no reply scripted for purpose %q", req.Purpose)
}

// Requests returns the requests received so far.
func (m *Model) Requests() []generation.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]generation.Request(nil), m.requests...)
}

// Calls counts requests for purpose.
func (m *Model) Calls(purpose string) int {
	n := 0
	for _, r := range m.Requests() {
		if r.Purpose == purpose {
			n++
		}
	}
	return n
}
