package shard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueDrainsByPriority(t *testing.T) {
	q := newEventQueue()
	q.Put(EventItem{Type: EventCleanClose})
	q.Put(EventItem{Type: EventTerminate})
	q.Put(EventItem{Type: EventIdentify})
	q.Put(EventItem{Type: EventClose})
	q.Put(EventItem{Type: EventResume})

	ctx := context.Background()
	want := []EventType{EventClose, EventResume, EventIdentify, EventTerminate, EventCleanClose}
	for _, wantType := range want {
		item, err := q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, wantType, item.Type)
	}
}

func TestEventQueueGetBlocksUntilPut(t *testing.T) {
	q := newEventQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Put(EventItem{Type: EventReconnect})
	}()
	item, err := q.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventReconnect, item.Type)
}

func TestEventQueueGetHonorsContext(t *testing.T) {
	q := newEventQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventQueueManyProducersOneConsumer(t *testing.T) {
	q := newEventQueue()
	const producers = 8
	for i := 0; i < producers; i++ {
		go q.Put(EventItem{Type: EventReconnect})
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < producers; i++ {
		_, err := q.Get(ctx)
		require.NoError(t, err)
	}
}
