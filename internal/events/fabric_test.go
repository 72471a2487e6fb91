package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFabric_ExactMatch(t *testing.T) {
	f := New(0)
	var got []string
	f.Subscribe("job.failed", func(e Event) { got = append(got, e.Topic) })

	f.Publish("job.failed", nil)
	f.Publish("job.completed", nil)

	require.Equal(t, []string{"job.failed"}, got)
}

func TestFabric_WildcardPrefix(t *testing.T) {
	f := New(0)
	var got []string
	var mu sync.Mutex
	f.Subscribe("job.*", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Topic)
	})

	f.Publish("job.failed", nil)
	f.Publish("job.abc123.event", nil)
	f.Publish("workflow.failed", nil)

	require.ElementsMatch(t, []string{"job.failed", "job.abc123.event"}, got)
}

func TestFabric_TopLevelWildcard(t *testing.T) {
	f := New(0)
	count := 0
	f.Subscribe("*", func(Event) { count++ })

	f.Publish("job.failed", nil)
	f.Publish("workflow.completed", nil)

	require.Equal(t, 2, count)
}

func TestFabric_InsertionOrder(t *testing.T) {
	f := New(0)
	var order []int
	f.Subscribe("job.failed", func(Event) { order = append(order, 1) })
	f.Subscribe("job.failed", func(Event) { order = append(order, 2) })
	f.Subscribe("job.failed", func(Event) { order = append(order, 3) })

	f.Publish("job.failed", nil)

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestFabric_Unsubscribe(t *testing.T) {
	f := New(0)
	count := 0
	unsub := f.Subscribe("job.failed", func(Event) { count++ })
	f.Publish("job.failed", nil)
	unsub()
	f.Publish("job.failed", nil)
	require.Equal(t, 1, count)
}

func TestFabric_History(t *testing.T) {
	f := New(2)
	f.Publish("job.failed", "a")
	f.Publish("job.failed", "b")
	f.Publish("job.failed", "c")

	hist := f.GetHistory("job.failed", 10)
	require.Len(t, hist, 2)
	require.Equal(t, "b", hist[0].Payload)
	require.Equal(t, "c", hist[1].Payload)
}

func TestFabric_HistoryDisabledByDefault(t *testing.T) {
	f := New(0)
	f.Publish("job.failed", "a")
	require.Empty(t, f.GetHistory("job.failed", 10))
}

func TestFabric_TimestampSet(t *testing.T) {
	f := New(1)
	before := time.Now()
	f.Publish("job.failed", nil)
	hist := f.GetHistory("job.failed", 1)
	require.Len(t, hist, 1)
	require.False(t, hist[0].Timestamp.Before(before))
}
