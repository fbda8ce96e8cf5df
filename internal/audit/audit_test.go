// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package audit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/gatehouse/internal/clock"
	"grimm.is/gatehouse/internal/store"
)

func newTestSink(t *testing.T) (*Sink, *store.Store) {
	t.Helper()
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.Open(store.Options{Path: ":memory:", Clock: mc})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink := NewSink(Options{Store: st, Clock: mc, Buffer: 8})
	t.Cleanup(sink.Close)
	return sink, st
}

func TestSinkPersistsEvents(t *testing.T) {
	sink, st := newTestSink(t)

	sink.Emit(Event{
		Category: CategorySession,
		Event:    EventSessionGranted,
		MAC:      "aa:bb:cc:dd:ee:01",
		IP:       "192.168.4.10",
	})
	sink.Flush()

	recs, err := st.ListAuditRecords(0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, EventSessionGranted, recs[0].Event)
	assert.Equal(t, SeverityInfo, recs[0].Severity, "severity defaults to info")
	assert.False(t, recs[0].Timestamp.IsZero())
}

func TestSinkSubscribers(t *testing.T) {
	sink, _ := newTestSink(t)

	events, cancel := sink.Subscribe()
	defer cancel()

	sink.Emit(Event{Category: CategoryAnomaly, Event: AnomalyBindingMismatch, MAC: "aa:bb:cc:dd:ee:01"})
	sink.Flush()

	select {
	case ev := <-events:
		assert.Equal(t, AnomalyBindingMismatch, ev.Event)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received event")
	}

	cancel()
	_, open := <-events
	assert.False(t, open, "unsubscribe closes the channel")
}

func TestSinkDropsOldestUnderPressure(t *testing.T) {
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.Open(store.Options{Path: ":memory:", Clock: mc})
	require.NoError(t, err)
	defer st.Close()

	// No Flush between emits; a tiny buffer forces drops while the
	// worker races the producer.
	sink := NewSink(Options{Store: st, Clock: mc, Buffer: 2})
	defer sink.Close()

	for i := 0; i < 200; i++ {
		sink.Emit(Event{Category: CategorySession, Event: EventSessionGranted})
	}
	sink.Flush()

	recs, err := st.ListAuditRecords(0)
	require.NoError(t, err)
	assert.Equal(t, 200, len(recs)+int(sink.Dropped()), "every event is persisted or counted dropped")
}

func TestSinkConcurrentEmitAndClose(t *testing.T) {
	sink, _ := newTestSink(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				sink.Emit(Event{Category: CategorySystem, Event: EventDaemonStopped})
			}
		}()
	}
	sink.Close()
	wg.Wait()
}

func TestSinkEmitAfterClose(t *testing.T) {
	sink, st := newTestSink(t)
	sink.Close()

	sink.Emit(Event{Category: CategorySession, Event: EventSessionGranted})

	recs, err := st.ListAuditRecords(0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
