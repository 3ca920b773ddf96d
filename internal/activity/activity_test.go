package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hybridfs/hybridfs/pkg/types"
)

func TestRecorder_HistoryNewestFirst(t *testing.T) {
	r := New(0)
	r.Record(types.ActivityRecord{Kind: types.ActivitySyncStarted, Title: "one"})
	r.Record(types.ActivityRecord{Kind: types.ActivitySyncCompleted, Title: "two"})

	hist := r.History(0)
	assert.Len(t, hist, 2)
	assert.Equal(t, "two", hist[0].Title)
	assert.Equal(t, "one", hist[1].Title)
}

func TestRecorder_EvictsOldestOverCapacity(t *testing.T) {
	r := New(2)
	r.Record(types.ActivityRecord{Title: "a"})
	r.Record(types.ActivityRecord{Title: "b"})
	r.Record(types.ActivityRecord{Title: "c"})

	hist := r.History(0)
	assert.Len(t, hist, 2)
	assert.Equal(t, "c", hist[0].Title)
	assert.Equal(t, "b", hist[1].Title)
}

func TestRecorder_OnRecordCallback(t *testing.T) {
	r := New(0)
	var got types.ActivityRecord
	r.OnRecord(func(rec types.ActivityRecord) { got = rec })

	r.Record(types.ActivityRecord{Title: "hello"})
	assert.Equal(t, "hello", got.Title)
}

func TestRecorder_MultipleListenersAllFire(t *testing.T) {
	r := New(0)
	var firstSeen, secondSeen string
	r.OnRecord(func(rec types.ActivityRecord) { firstSeen = rec.Title })
	r.OnRecord(func(rec types.ActivityRecord) { secondSeen = rec.Title })

	r.Record(types.ActivityRecord{Title: "both"})
	assert.Equal(t, "both", firstSeen)
	assert.Equal(t, "both", secondSeen)
}

func TestRecorder_SubscribeUnsubscribeStopsDelivery(t *testing.T) {
	r := New(0)
	var count int
	unsubscribe := r.Subscribe(func(types.ActivityRecord) { count++ })

	r.Record(types.ActivityRecord{Title: "a"})
	unsubscribe()
	r.Record(types.ActivityRecord{Title: "b"})

	assert.Equal(t, 1, count)
}
