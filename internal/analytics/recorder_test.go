package analytics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestRecorder_RecordAndEventsFor(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	r := NewRecorder(clk)

	r.Record("s1", KindCreated, map[string]any{"type": "general"})
	clk.Step(time.Minute)
	r.Record("s1", KindMessage, map[string]any{"role": "user"})
	r.Record("s2", KindCreated, nil)

	evs := r.EventsFor("s1")
	require.Len(t, evs, 2)
	assert.Equal(t, KindCreated, evs[0].Kind)
	assert.Equal(t, KindMessage, evs[1].Kind)
	assert.True(t, evs[1].Timestamp.Equal(epoch.Add(time.Minute)))
	assert.Equal(t, "s1", evs[0].SessionID)

	assert.Empty(t, r.EventsFor("unknown"))
	assert.Equal(t, []string{"s1", "s2"}, r.Sessions())
}

func TestRecorder_EventsForReturnsCopy(t *testing.T) {
	r := NewRecorder(nil)
	r.Record("s1", KindCreated, nil)

	evs := r.EventsFor("s1")
	evs[0].Kind = KindDeleted
	assert.Equal(t, KindCreated, r.EventsFor("s1")[0].Kind)
}

func TestRecorder_Purge(t *testing.T) {
	r := NewRecorder(nil)
	r.Record("s1", KindCreated, nil)
	r.Record("s1", KindUpdated, nil)

	assert.Equal(t, 2, r.Purge("s1"))
	assert.Empty(t, r.EventsFor("s1"))
	assert.Equal(t, 0, r.Purge("s1"))
	assert.Equal(t, 0, r.Len())
}

func TestRecorder_LastEventAt(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	r := NewRecorder(clk)

	_, ok := r.LastEventAt("s1")
	assert.False(t, ok)

	r.Record("s1", KindCreated, nil)
	clk.Step(time.Hour)
	r.Record("s1", KindMessage, nil)

	last, ok := r.LastEventAt("s1")
	require.True(t, ok)
	assert.True(t, last.Equal(epoch.Add(time.Hour)))
}

func TestRecorder_PurgeOlderThan(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	r := NewRecorder(clk)

	r.Record("old", KindCreated, nil)
	r.Record("old", KindMessage, nil)
	clk.Step(24 * time.Hour)
	r.Record("recent", KindCreated, nil)

	purged := r.PurgeOlderThan(epoch.Add(time.Hour))
	require.Len(t, purged, 1)
	assert.Equal(t, "old", purged[0].SessionID)
	assert.Equal(t, 2, purged[0].Events)
	assert.True(t, purged[0].LastEventAt.Equal(epoch))

	assert.Equal(t, []string{"recent"}, r.Sessions())
}

func TestRecorder_Concurrent(t *testing.T) {
	r := NewRecorder(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i%4)
			for j := 0; j < 25; j++ {
				r.Record(id, KindMessage, nil)
				_ = r.EventsFor(id)
				_, _ = r.LastEventAt(id)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, id := range r.Sessions() {
		total += len(r.EventsFor(id))
	}
	assert.Equal(t, 500, total)
}
