package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"sos-emergency/internal/models"
	"sos-emergency/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRearmer struct {
	mu      sync.Mutex
	active  map[uuid.UUID]bool
	started map[uuid.UUID]time.Duration
	timeout time.Duration
}

func newFakeRearmer(timeout time.Duration) *fakeRearmer {
	return &fakeRearmer{active: map[uuid.UUID]bool{}, started: map[uuid.UUID]time.Duration{}, timeout: timeout}
}

func (f *fakeRearmer) isActive(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[id]
}

func (f *fakeRearmer) start(id uuid.UUID, d time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[id] {
		return false
	}
	f.active[id] = true
	f.started[id] = d
	return true
}

func (f *fakeRearmer) IsTimerActive(id uuid.UUID) bool { return f.isActive(id) }
func (f *fakeRearmer) StartCountdownIn(id uuid.UUID, d time.Duration) bool { return f.start(id, d) }
func (f *fakeRearmer) IsEscalationActive(id uuid.UUID) bool { return f.isActive(id) }
func (f *fakeRearmer) StartEscalationIn(id uuid.UUID, d time.Duration) bool { return f.start(id, d) }
func (f *fakeRearmer) Timeout() time.Duration { return f.timeout }

func seedEmergency(t *testing.T, repo *repository.MemoryEmergencyRepository, mutate func(*models.Emergency)) *models.Emergency {
	t.Helper()
	e := &models.Emergency{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		EmergencyType:    models.EmergencyTypeMedical,
		Status:           models.StatusPending,
		InitialLocation:  validLocation(),
		TriggeredBy:      models.TriggeredByUser,
		CountdownSeconds: 10,
		CreatedAt:        time.Now(),
	}
	mutate(e)
	require.NoError(t, repo.Create(context.Background(), e))
	return e
}

func TestReconciler_SweepRearmsLostTimers(t *testing.T) {
	emergencies, acks := repository.NewMemoryRepositories()
	countdown := newFakeRearmer(0)
	escalation := newFakeRearmer(5 * time.Minute)
	r := NewReconciler(emergencies, acks, countdown, escalation, "@every 30s", 0, zap.NewNop())
	now := time.Now()
	r.now = func() time.Time { return now }

	pending := seedEmergency(t, emergencies, func(e *models.Emergency) { e.CreatedAt = now.Add(-4 * time.Second) })
	overdue := seedEmergency(t, emergencies, func(e *models.Emergency) { e.CreatedAt = now.Add(-time.Minute) })

	activatedAt := now.Add(-time.Minute)
	active := seedEmergency(t, emergencies, func(e *models.Emergency) {
		e.Status = models.StatusActive
		e.ActivatedAt = &activatedAt
	})
	escalated := seedEmergency(t, emergencies, func(e *models.Emergency) {
		e.Status = models.StatusActive
		e.ActivatedAt = &activatedAt
		e.EscalatedAt = &now
	})
	acked := seedEmergency(t, emergencies, func(e *models.Emergency) {
		e.Status = models.StatusActive
		e.ActivatedAt = &activatedAt
	})
	require.NoError(t, acks.Create(context.Background(), &models.Acknowledgment{
		ID: uuid.New(), EmergencyID: acked.ID, ContactID: uuid.New(), ContactName: "Dana",
		ContactPhone: strPtr("+15550100"), AcknowledgedAt: now,
	}))
	seedEmergency(t, emergencies, func(e *models.Emergency) { e.Status = models.StatusResolved })

	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.CountdownsRearmed)
	assert.Equal(t, 1, res.EscalationsRearmed)

	assert.Equal(t, 6*time.Second, countdown.started[pending.ID])
	assert.Equal(t, time.Duration(0), countdown.started[overdue.ID])
	assert.Equal(t, 4*time.Minute, escalation.started[active.ID])
	assert.NotContains(t, escalation.started, escalated.ID)
	assert.NotContains(t, escalation.started, acked.ID)

	// 计时器仍在运行时不重复补建
	res, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestReconciler_StartRejectsBadSchedule(t *testing.T) {
	emergencies, acks := repository.NewMemoryRepositories()
	r := NewReconciler(emergencies, acks, newFakeRearmer(0), newFakeRearmer(time.Minute), "not a schedule", 10, zap.NewNop())
	assert.Error(t, r.Start(context.Background()))
}

func TestReconciler_StartRunsImmediately(t *testing.T) {
	emergencies, acks := repository.NewMemoryRepositories()
	countdown := newFakeRearmer(0)
	r := NewReconciler(emergencies, acks, countdown, newFakeRearmer(time.Minute), "@every 1h", 10, zap.NewNop())
	e := seedEmergency(t, emergencies, func(*models.Emergency) {})

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	assert.True(t, countdown.IsTimerActive(e.ID))
}
