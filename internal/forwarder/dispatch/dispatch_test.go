package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tg_forwarder/internal/config"
	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type scriptedSender struct {
	mu     sync.Mutex
	errs   []error
	sent   []int64
	nextID int64
}

func (s *scriptedSender) Send(_ context.Context, chatID int64, _ models.Outgoing) (models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		if len(s.errs) > 1 {
			s.errs = s.errs[1:]
		}
		if err != nil {
			return models.Receipt{}, err
		}
	}
	s.sent = append(s.sent, chatID)
	s.nextID++
	return models.Receipt{MessageIDs: []int64{s.nextID}}, nil
}

func (s *scriptedSender) Verify(context.Context) (string, error) { return "bot", nil }

func (s *scriptedSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type recorder struct {
	mu        sync.Mutex
	delivered []Delivery
	errored   []error
	abandoned []error
}

func (r *recorder) Delivered(_ context.Context, d Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, d)
}

func (r *recorder) Errored(_ context.Context, _ Job, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errored = append(r.errored, err)
}

func (r *recorder) Abandoned(_ context.Context, _ Job, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = append(r.abandoned, err)
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delivered), len(r.errored), len(r.abandoned)
}

func (r *recorder) senders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, d := range r.delivered {
		ids = append(ids, d.SenderID)
	}
	return ids
}

type healthLog struct {
	mu     sync.Mutex
	health map[string]models.Health
}

func (h *healthLog) SaveHealth(_ context.Context, id string, health models.Health, _ int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health[id] = health
	return nil
}

func (h *healthLog) get(id string) models.Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health[id]
}

type harness struct {
	d      *Dispatcher
	clock  *fakeClock
	rec    *recorder
	health *healthLog
	store  *config.Store
}

func newHarness(t *testing.T, mutate func(*config.Settings)) *harness {
	t.Helper()
	settings := config.DefaultSettings()
	settings.Global.MinInterval = 1
	settings.Global.MaxInterval = 3
	settings.Dispatch.Workers = 1
	settings.Dispatch.QueueSize = 4
	settings.Rotation.ErrorThreshold = 3
	if mutate != nil {
		mutate(&settings)
	}
	store := config.NewStore(settings)

	h := &harness{
		clock:  newFakeClock(),
		rec:    &recorder{},
		health: &healthLog{health: map[string]models.Health{}},
		store:  store,
	}
	h.d = New(Options{
		Settings: store,
		Recorder: h.rec,
		Health:   h.health,
		Now:      h.clock.Now,
		Sleep:    h.clock.Sleep,
		Rand:     func() float64 { return 0.5 },
	})
	t.Cleanup(h.d.Stop)
	return h
}

func (h *harness) addSender(t *testing.T, name string, s transport.Sender) string {
	t.Helper()
	c := models.Consumer{ID: primitive.NewObjectID(), Kind: models.ConsumerSender, Name: name, Health: models.HealthActive}
	require.NoError(t, h.d.AddSender(c, s))
	return c.Key()
}

func job(target int64) Job {
	j := NewJob()
	j.TargetChannelID = target
	j.Key = "fp:" + j.ID
	j.Content = models.Outgoing{Text: "hello"}
	return j
}

func TestDispatcherRoundRobinsAcrossSenders(t *testing.T) {
	h := newHarness(t, nil)
	a := h.addSender(t, "a", &scriptedSender{})
	b := h.addSender(t, "b", &scriptedSender{})
	h.d.Start(context.Background())

	for i := 0; i < 3; i++ {
		require.NoError(t, h.d.Enqueue(context.Background(), job(-100)))
	}

	require.Eventually(t, func() bool {
		n, _, _ := h.rec.counts()
		return n == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{a, b, a}, h.rec.senders())

	// 第一次立即发送，之后间隔 min + 0.5*(max-min) = 2s
	sleeps := h.clock.Sleeps()
	require.Len(t, sleeps, 3)
	assert.Equal(t, time.Duration(0), sleeps[0])
	assert.Equal(t, 2*time.Second, sleeps[1])
	assert.Equal(t, 2*time.Second, sleeps[2])
}

func TestDispatcherRotatesSendersRegardlessOfListenerStrategy(t *testing.T) {
	for _, strategy := range []string{config.RotationTime, config.RotationSmart} {
		t.Run(strategy, func(t *testing.T) {
			h := newHarness(t, func(s *config.Settings) { s.Rotation.Strategy = strategy })
			a := h.addSender(t, "a", &scriptedSender{})
			b := h.addSender(t, "b", &scriptedSender{})
			h.d.Start(context.Background())

			for i := 0; i < 3; i++ {
				require.NoError(t, h.d.Enqueue(context.Background(), job(-100)))
			}

			require.Eventually(t, func() bool {
				n, _, _ := h.rec.counts()
				return n == 3
			}, time.Second, 5*time.Millisecond)
			assert.Equal(t, []string{a, b, a}, h.rec.senders())
		})
	}
}

func TestDispatcherThrottleRetriesSameSenderWithoutError(t *testing.T) {
	h := newHarness(t, nil)
	throttled := &transport.ThrottledError{RetryAfter: 7 * time.Second, Err: errors.New("429")}
	a := h.addSender(t, "a", &scriptedSender{errs: []error{throttled, nil}})
	h.addSender(t, "b", &scriptedSender{})
	h.d.Start(context.Background())

	require.NoError(t, h.d.Enqueue(context.Background(), job(-100)))

	require.Eventually(t, func() bool {
		n, _, _ := h.rec.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	_, errored, abandoned := h.rec.counts()
	assert.Zero(t, errored)
	assert.Zero(t, abandoned)
	assert.Equal(t, []string{a}, h.rec.senders())
	assert.Contains(t, h.clock.Sleeps(), 7*time.Second)
	assert.Equal(t, 1, h.d.Stats().HourlyCount)
}

func TestDispatcherForbiddenSuspendsAndFailsOver(t *testing.T) {
	h := newHarness(t, nil)
	a := h.addSender(t, "a", &scriptedSender{errs: []error{transport.ErrForbidden}})
	b := h.addSender(t, "b", &scriptedSender{})
	h.d.Start(context.Background())

	require.NoError(t, h.d.Enqueue(context.Background(), job(-100)))

	require.Eventually(t, func() bool {
		n, _, _ := h.rec.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{b}, h.rec.senders())
	assert.Equal(t, models.HealthSuspended, h.health.get(a))

	stats := h.d.Stats()
	assert.Equal(t, 2, stats.BotsTotal)
	assert.Equal(t, 1, stats.BotsActive)

	require.NoError(t, h.d.ResumeSender(context.Background(), a))
	assert.Equal(t, models.HealthActive, h.health.get(a))
	assert.Error(t, h.d.ResumeSender(context.Background(), a))
}

func TestDispatcherSuspendsAtThresholdAndAbandons(t *testing.T) {
	h := newHarness(t, nil)
	a := h.addSender(t, "a", &scriptedSender{errs: []error{errors.New("connection reset")}})
	h.d.Start(context.Background())

	require.NoError(t, h.d.Enqueue(context.Background(), job(-100)))

	require.Eventually(t, func() bool {
		_, _, n := h.rec.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	delivered, errored, _ := h.rec.counts()
	assert.Zero(t, delivered)
	assert.Equal(t, 3, errored)
	assert.Equal(t, models.HealthSuspended, h.health.get(a))
	assert.Contains(t, h.clock.Sleeps(), NoSenderBackoff)
	assert.Zero(t, h.d.Stats().HourlyCount)
}

func TestDispatcherWaitsForHourlyReset(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.Global.HourlyLimit = 1 })
	sender := &scriptedSender{}
	h.addSender(t, "a", sender)
	h.d.Start(context.Background())

	require.NoError(t, h.d.Enqueue(context.Background(), job(-100)))
	require.NoError(t, h.d.Enqueue(context.Background(), job(-200)))

	require.Eventually(t, func() bool { return sender.sentCount() == 2 }, time.Second, 5*time.Millisecond)

	var waited bool
	for _, d := range h.clock.Sleeps() {
		if d >= 59*time.Minute {
			waited = true
		}
	}
	assert.True(t, waited, "second job must wait for the rolling hour to reset")
}

func TestDispatcherEnqueueBlocksAndCloses(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.Dispatch.QueueSize = 1 })

	require.NoError(t, h.d.Enqueue(context.Background(), job(-1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.d.Enqueue(ctx, job(-2)), context.DeadlineExceeded)

	h.d.Start(context.Background())
	h.d.Stop()
	assert.ErrorIs(t, h.d.Enqueue(context.Background(), job(-3)), ErrClosed)
}

func TestDispatcherRemoveSender(t *testing.T) {
	h := newHarness(t, nil)
	a := h.addSender(t, "a", &scriptedSender{})

	require.NoError(t, h.d.RemoveSender(a))
	assert.ErrorIs(t, h.d.RemoveSender(a), ErrUnknownSender)
	assert.Empty(t, h.d.Senders())
}

func TestHourlyCounterRollsFromStart(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 17, 0, 0, time.UTC)
	c := newHourlyCounter(start)

	ok, _ := c.Acquire(start, 2)
	require.True(t, ok)
	ok, _ = c.Acquire(start.Add(time.Minute), 2)
	require.True(t, ok)

	ok, wait := c.Acquire(start.Add(10*time.Minute), 2)
	assert.False(t, ok)
	assert.Equal(t, 50*time.Minute, wait)

	c.Refund()
	assert.Equal(t, 1, c.Count(start.Add(10*time.Minute)))

	// 01:00 整点不清零，01:17 才清零
	assert.Equal(t, 1, c.Count(start.Add(43*time.Minute)))
	assert.Equal(t, 0, c.Count(start.Add(time.Hour)))

	ok, _ = c.Acquire(start.Add(3*time.Hour+5*time.Minute), 0)
	assert.True(t, ok, "zero limit means unlimited")
}

func TestPacerReservesSequentialSlots(t *testing.T) {
	var p pacer
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	half := func() float64 { return 0.5 }

	assert.Equal(t, time.Duration(0), p.Reserve(now, 2*time.Second, 4*time.Second, half))
	assert.Equal(t, 3*time.Second, p.Reserve(now, 2*time.Second, 4*time.Second, half))
	assert.Equal(t, 6*time.Second, p.Reserve(now, 2*time.Second, 4*time.Second, half))
	assert.Equal(t, time.Duration(0), p.Reserve(now.Add(time.Minute), 2*time.Second, 4*time.Second, half))
}
