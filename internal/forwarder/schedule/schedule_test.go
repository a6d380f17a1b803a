package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"tg_forwarder/internal/forwarder/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func at(hh, mm int) time.Time {
	return time.Date(2024, 5, 1, hh, mm, 0, 0, time.UTC)
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{"00:00", 0, false},
		{"09:05", 9*60 + 5, false},
		{"9:05", 9*60 + 5, false},
		{"23:59", 23*60 + 59, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"12:5", 0, true},
		{"noon", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClock(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSchedule)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "09:05", Clock(9*60+5).String())
}

func TestInWindow(t *testing.T) {
	day := &models.Schedule{Start: "09:00", End: "18:00"}
	night := &models.Schedule{Start: "22:00", End: "06:00"}

	tests := []struct {
		name  string
		sched *models.Schedule
		now   time.Time
		want  bool
	}{
		{"no window", nil, at(3, 0), true},
		{"day start inclusive", day, at(9, 0), true},
		{"day end inclusive", day, at(18, 0), true},
		{"day before", day, at(8, 59), false},
		{"day after", day, at(18, 1), false},
		{"night late", night, at(23, 30), true},
		{"night early", night, at(5, 59), true},
		{"night boundary end", night, at(6, 0), true},
		{"night midday", night, at(12, 0), false},
		{"unparsable treated as always", &models.Schedule{Start: "x", End: "y"}, at(12, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InWindow(tt.now, tt.sched))
		})
	}
}

func TestWindowWrapsMidnight(t *testing.T) {
	w, err := NewWindow("22:00", "08:00")
	require.NoError(t, err)

	tests := []struct {
		now  time.Time
		want bool
	}{
		{at(22, 0), true},
		{at(0, 0), true},
		{at(23, 59), true},
		{at(8, 0), true},
		{at(8, 1), false},
		{at(21, 59), false},
		{at(12, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.now.Format("15:04"), func(t *testing.T) {
			assert.Equal(t, tt.want, w.Contains(tt.now))
			assert.Equal(t, tt.want, InWindow(tt.now, &models.Schedule{Start: "22:00", End: "08:00"}))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(nil))
	assert.NoError(t, Validate(&models.Schedule{Start: "22:00", End: "06:00"}))
	assert.ErrorIs(t, Validate(&models.Schedule{Start: "25:00", End: "06:00"}), ErrInvalidSchedule)
}

type memoryGroups struct {
	mu      sync.Mutex
	groups  []*models.ForwardingGroup
	updates map[primitive.ObjectID]models.GroupStatus
}

func (m *memoryGroups) List(context.Context) ([]*models.ForwardingGroup, error) {
	return m.groups, nil
}

func (m *memoryGroups) UpdateStatus(_ context.Context, id primitive.ObjectID, status models.GroupStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[id] = status
	return nil
}

func TestStatusSweepFlipsOnlyChangedGroups(t *testing.T) {
	inside := &models.ForwardingGroup{ID: primitive.NewObjectID(), Name: "inside", Enabled: true,
		Status: models.GroupStatusInactive, Schedule: &models.Schedule{Start: "09:00", End: "18:00"}}
	outside := &models.ForwardingGroup{ID: primitive.NewObjectID(), Name: "outside", Enabled: true,
		Status: models.GroupStatusActive, Schedule: &models.Schedule{Start: "20:00", End: "22:00"}}
	steady := &models.ForwardingGroup{ID: primitive.NewObjectID(), Name: "steady", Enabled: true,
		Status: models.GroupStatusActive}
	disabled := &models.ForwardingGroup{ID: primitive.NewObjectID(), Name: "disabled",
		Status: models.GroupStatusActive, Schedule: &models.Schedule{Start: "20:00", End: "22:00"}}

	store := &memoryGroups{
		groups:  []*models.ForwardingGroup{inside, outside, steady, disabled},
		updates: map[primitive.ObjectID]models.GroupStatus{},
	}
	job := StatusSweep(store, func() time.Time { return at(12, 0) })
	require.NoError(t, job(context.Background()))

	assert.Equal(t, map[primitive.ObjectID]models.GroupStatus{
		inside.ID:  models.GroupStatusActive,
		outside.ID: models.GroupStatusInactive,
	}, store.updates)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(time.UTC)
	err := s.Add("bad", "not a spec", 0, func(context.Context) error { return nil })
	assert.Error(t, err)
	assert.NoError(t, s.Add("sweep", SweepSpec, time.Second, func(context.Context) error { return nil }))
	assert.NoError(t, s.Add("retention", RetentionSpec, time.Second, func(context.Context) error { return nil }))

	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
