package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	block  chan struct{}
	closed bool
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func ev(svc, from, to string) Event {
	return Event{RunID: "run-1", Service: svc, From: from, To: to, OccurredAt: time.Now()}
}

func TestRecorderDeliversInOrderAndCloses(t *testing.T) {
	a, b := &memSink{}, &memSink{fail: true}
	r := NewRecorder(nil, 8, a, b)
	r.Record(ev("api", "stopped", "starting"))
	r.Record(ev("api", "starting", "running"))
	require.NoError(t, r.Close())

	require.Len(t, a.events, 2)
	assert.Equal(t, "running", a.events[1].To)
	assert.True(t, a.closed)
	assert.True(t, b.closed)

	// after Close, Record is a no-op
	r.Record(ev("api", "running", "stopped"))
	assert.Len(t, a.events, 2)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	s := &memSink{block: block}
	r := NewRecorder(nil, 1, s)
	for i := 0; i < 5; i++ {
		r.Record(ev("api", "running", "restarting"))
	}
	assert.GreaterOrEqual(t, r.Dropped(), 3)
	close(block)
	require.NoError(t, r.Close())
}

func TestRecorderWithoutSinks(t *testing.T) {
	r := NewRecorder(nil, 0)
	r.Record(ev("api", "stopped", "starting"))
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}
