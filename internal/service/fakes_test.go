package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sos-emergency/internal/contacts"
	"sos-emergency/internal/models"
	"sos-emergency/internal/publisher"
	"sos-emergency/internal/repository"
	"sos-emergency/internal/scheduler"
	"sos-emergency/internal/timer"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// recordingPublisher 按事件类型记录 emergency_id
type recordingPublisher struct {
	mu          sync.Mutex
	fail        bool
	events      map[string][]uuid.UUID
	escalations []models.EscalationEvent
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: map[string][]uuid.UUID{}}
}

func (p *recordingPublisher) record(eventType string, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.events[eventType] = append(p.events[eventType], id)
	return nil
}

func (p *recordingPublisher) PublishActivated(_ context.Context, e *models.Emergency) error {
	return p.record(publisher.EventActivated, e.ID)
}

func (p *recordingPublisher) PublishResolved(_ context.Context, e *models.Emergency) error {
	return p.record(publisher.EventResolved, e.ID)
}

func (p *recordingPublisher) PublishCancelled(_ context.Context, e *models.Emergency, _ string) error {
	return p.record(publisher.EventCancelled, e.ID)
}

func (p *recordingPublisher) PublishAcknowledged(_ context.Context, ev models.ContactAcknowledgedEvent) error {
	return p.record(publisher.EventAcknowledged, ev.EmergencyID)
}

func (p *recordingPublisher) PublishEscalation(_ context.Context, ev models.EscalationEvent) error {
	if err := p.record(publisher.EventEscalated, ev.EmergencyID); err != nil {
		return err
	}
	p.mu.Lock()
	p.escalations = append(p.escalations, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count(eventType string, id uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, got := range p.events[eventType] {
		if got == id {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) setFail(v bool) {
	p.mu.Lock()
	p.fail = v
	p.mu.Unlock()
}

// harness 内存存储 + 真实调度器
type harness struct {
	svc         *EmergencyService
	emergencies *repository.MemoryEmergencyRepository
	acks        *repository.MemoryAcknowledgmentRepository
	pub         *recordingPublisher
	countdown   *scheduler.CountdownScheduler
	escalation  *scheduler.EscalationScheduler
}

var secondaryContacts = []models.Contact{
	{ID: uuid.MustParse("7b0c8f5e-1d2a-4c3b-9e8f-0a1b2c3d4e5f"), Name: "Neighbor", Phone: "+15550111"},
}

func newHarness(t *testing.T, escalationTimeout time.Duration) *harness {
	t.Helper()
	logger := zap.NewNop()
	emergencies, acks := repository.NewMemoryRepositories()
	pub := newRecordingPublisher()

	esc := scheduler.NewEscalationScheduler(timer.NewMemoryRegistry("escalation", logger),
		emergencies, acks, contacts.NewStaticDirectory(secondaryContacts), pub,
		escalationTimeout, time.Second, logger)
	cd := scheduler.NewCountdownScheduler(timer.NewMemoryRegistry("countdown", logger),
		emergencies, pub, esc, time.Second, logger)

	svc := NewEmergencyService(emergencies, acks, pub, cd, esc, EmergencyServiceConfig{
		DefaultCountdownSeconds:     10,
		AutoTriggerCountdownSeconds: 30,
	}, logger)
	t.Cleanup(svc.Shutdown)

	return &harness{svc: svc, emergencies: emergencies, acks: acks, pub: pub, countdown: cd, escalation: esc}
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func validLocation() models.Location {
	return models.Location{Latitude: 37.7749, Longitude: -122.4194}
}

func (h *harness) triggerActive(t *testing.T, userID uuid.UUID) *models.Emergency {
	t.Helper()
	e, err := h.svc.Trigger(context.Background(), TriggerRequest{
		UserID:           userID,
		EmergencyType:    models.EmergencyTypeMedical,
		Location:         validLocation(),
		CountdownSeconds: intPtr(0),
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := h.emergencies.GetByID(context.Background(), e.ID)
		if got != nil && got.Status == models.StatusActive && h.pub.count(publisher.EventActivated, e.ID) == 1 {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("emergency %s did not activate", e.ID)
	return nil
}

// mockEmergencyRepo 只覆盖测试需要的方法
type mockEmergencyRepo struct {
	repository.EmergencyRepository
	mock.Mock
}

func (m *mockEmergencyRepo) GetOpenByUserID(ctx context.Context, userID uuid.UUID) (*models.Emergency, error) {
	args := m.Called(ctx, userID)
	if e, ok := args.Get(0).(*models.Emergency); ok {
		return e, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEmergencyRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Emergency, error) {
	args := m.Called(ctx, id)
	if e, ok := args.Get(0).(*models.Emergency); ok {
		return e, args.Error(1)
	}
	return nil, args.Error(1)
}
