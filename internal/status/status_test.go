package status

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"carecal/internal/model"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestCalculate(t *testing.T) {
	start := base
	end := base.Add(time.Hour)

	tests := []struct {
		name string
		now  time.Time
		prev model.Status
		want model.Status
	}{
		{"before start", start.Add(-time.Minute), model.StatusUpcoming, model.StatusUpcoming},
		{"at start", start, model.StatusUpcoming, model.StatusOngoing},
		{"mid", start.Add(30 * time.Minute), model.StatusUpcoming, model.StatusOngoing},
		{"at end", end, model.StatusOngoing, model.StatusEnded},
		{"after end", end.Add(time.Hour), model.StatusOngoing, model.StatusEnded},
		{"stale ended recomputed", start.Add(-time.Hour), model.StatusEnded, model.StatusUpcoming},
		{"cancelled before", start.Add(-time.Hour), model.StatusCancelled, model.StatusCancelled},
		{"cancelled after", end.Add(time.Hour), model.StatusCancelled, model.StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Calculate(tt.now, start, end, tt.prev))
		})
	}
}

func TestCalculateZeroLength(t *testing.T) {
	assert.Equal(t, model.StatusUpcoming, Calculate(base.Add(-time.Second), base, base, model.StatusUpcoming))
	assert.Equal(t, model.StatusEnded, Calculate(base, base, base, model.StatusUpcoming))
}

func TestReconcile(t *testing.T) {
	ev := model.Event{
		EventID:   "e-1",
		Status:    model.StatusUpcoming,
		StartTime: base,
		EndTime:   base.Add(time.Hour),
		RoomIDs:   []string{"r-1"},
	}

	same, changed := Reconcile(ev, base.Add(-time.Minute))
	assert.False(t, changed)
	assert.Equal(t, ev, same)

	next, changed := Reconcile(ev, base.Add(10*time.Minute))
	assert.True(t, changed)
	assert.Equal(t, model.StatusOngoing, next.Status)
	assert.Equal(t, model.StatusUpcoming, ev.Status, "input must not be mutated")

	next.RoomIDs[0] = "r-2"
	assert.Equal(t, "r-1", ev.RoomIDs[0])

	again, changed := Reconcile(next, base.Add(10*time.Minute))
	assert.False(t, changed)
	assert.Equal(t, next, again)
}

func TestInitial(t *testing.T) {
	assert.Equal(t, model.StatusUpcoming, Initial(base.Add(-time.Hour), base, base.Add(time.Hour)))
	assert.Equal(t, model.StatusOngoing, Initial(base.Add(time.Minute), base, base.Add(time.Hour)))
	assert.Equal(t, model.StatusEnded, Initial(base.Add(2*time.Hour), base, base.Add(time.Hour)))
}

func order(s model.Status) int {
	switch s {
	case model.StatusUpcoming:
		return 0
	case model.StatusOngoing:
		return 1
	default:
		return 2
	}
}

func TestStatusProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	offset := gen.Int64Range(-72*3600, 72*3600)
	length := gen.Int64Range(1, 48*3600)

	properties.Property("advancing now never moves status backwards", prop.ForAll(
		func(startOff, dur, now1, step int64) bool {
			start := base.Add(time.Duration(startOff) * time.Second)
			end := start.Add(time.Duration(dur) * time.Second)
			t1 := base.Add(time.Duration(now1) * time.Second)
			t2 := t1.Add(time.Duration(step) * time.Second)
			s1 := Calculate(t1, start, end, model.StatusUpcoming)
			s2 := Calculate(t2, start, end, s1)
			return order(s2) >= order(s1)
		},
		offset, length, offset, gen.Int64Range(0, 96*3600),
	))

	properties.Property("cancelled is absorbing", prop.ForAll(
		func(startOff, dur, now int64) bool {
			start := base.Add(time.Duration(startOff) * time.Second)
			end := start.Add(time.Duration(dur) * time.Second)
			at := base.Add(time.Duration(now) * time.Second)
			return Calculate(at, start, end, model.StatusCancelled) == model.StatusCancelled
		},
		offset, length, offset,
	))

	properties.Property("reconcile is idempotent", prop.ForAll(
		func(startOff, dur, now int64) bool {
			ev := model.Event{
				Status:    model.StatusUpcoming,
				StartTime: base.Add(time.Duration(startOff) * time.Second),
			}
			ev.EndTime = ev.StartTime.Add(time.Duration(dur) * time.Second)
			at := base.Add(time.Duration(now) * time.Second)
			once, _ := Reconcile(ev, at)
			_, changed := Reconcile(once, at)
			return !changed
		},
		offset, length, offset,
	))

	properties.TestingRun(t)
}
