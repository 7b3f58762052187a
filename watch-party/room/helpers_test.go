package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	id string

	mu     sync.Mutex
	events []ServerEvent
}

func newFake(id string) *fakeMember { return &fakeMember{id: id} }

func (f *fakeMember) ID() string { return f.id }

func (f *fakeMember) Push(ev ServerEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeMember) ofType(typ string) []ServerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ServerEvent
	for _, ev := range f.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeMember) reset() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, options ...func(*Config)) *Manager {
	t.Helper()
	m := NewManager(options...)
	t.Cleanup(m.Close)
	return m
}

// settle waits until the room has processed everything queued so far.
func settle(t *testing.T, m *Manager, code string) Summary {
	t.Helper()
	r, err := m.Lookup(code)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := r.Summary(ctx)
	require.NoError(t, err)
	return s
}

func ptr[T any](v T) *T { return &v }
