package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixSubscription(t *testing.T) {
	t.Parallel()
	b := New()
	jobs, unsubJobs := b.Subscribe(4, "job.")
	defer unsubJobs()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "job.done", Data: 1})
	b.Publish(Event{Type: "log.alert", Data: 2})

	e := <-jobs
	assert.Equal(t, "job.done", e.Type)
	assert.False(t, e.Time.IsZero())
	select {
	case extra := <-jobs:
		t.Fatalf("unexpected event %q", extra.Type)
	default:
	}

	assert.Equal(t, "job.done", (<-all).Type)
	assert.Equal(t, "log.alert", (<-all).Type)
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "job.scheduled"})
	}
	assert.Equal(t, uint64(4), b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: "job.done"})
}
