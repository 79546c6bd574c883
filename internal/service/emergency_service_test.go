package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"sos-emergency/internal/apperr"
	"sos-emergency/internal/models"
	"sos-emergency/internal/publisher"
	"sos-emergency/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================
// 触发
// ============================================

func TestTrigger_CountdownActivatesAndArmsEscalation(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	e, err := h.svc.Trigger(ctx, TriggerRequest{
		UserID:           uuid.New(),
		EmergencyType:    models.EmergencyTypeMedical,
		Location:         validLocation(),
		Message:          strPtr("chest pain"),
		CountdownSeconds: intPtr(0),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, e.Status)
	assert.Equal(t, models.TriggeredByUser, e.TriggeredBy)
	assert.False(t, e.AutoTriggered)
	assert.False(t, e.InitialLocation.Timestamp.IsZero())

	require.Eventually(t, func() bool { return h.escalation.IsEscalationActive(e.ID) }, time.Second, time.Millisecond)

	got, err := h.emergencies.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.NotNil(t, got.ActivatedAt)
	assert.Equal(t, 1, h.pub.count(publisher.EventActivated, e.ID))
	assert.False(t, h.countdown.IsTimerActive(e.ID))
}

func TestTrigger_DefaultCountdown(t *testing.T) {
	h := newHarness(t, time.Hour)

	e, err := h.svc.Trigger(context.Background(), TriggerRequest{
		UserID:        uuid.New(),
		EmergencyType: models.EmergencyTypeFire,
		Location:      validLocation(),
	})
	require.NoError(t, err)
	assert.Equal(t, 10, e.CountdownSeconds)
	assert.True(t, h.countdown.IsTimerActive(e.ID))
}

func TestTrigger_ValidationFailsBeforeAnyWrite(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	userID := uuid.New()

	cases := []struct {
		name string
		req  TriggerRequest
		code string
	}{
		{"latitude", TriggerRequest{UserID: userID, EmergencyType: models.EmergencyTypeMedical,
			Location: models.Location{Latitude: 91}}, apperr.CodeInvalidLocation},
		{"longitude", TriggerRequest{UserID: userID, EmergencyType: models.EmergencyTypeMedical,
			Location: models.Location{Longitude: 181}}, apperr.CodeInvalidLocation},
		{"type", TriggerRequest{UserID: userID, Location: validLocation()}, apperr.CodeInvalidEmergencyType},
		{"countdown", TriggerRequest{UserID: userID, EmergencyType: models.EmergencyTypeMedical,
			Location: validLocation(), CountdownSeconds: intPtr(-1)}, apperr.CodeInvalidCountdown},
		{"user", TriggerRequest{EmergencyType: models.EmergencyTypeMedical, Location: validLocation()}, apperr.CodeInvalidArgument},
		{"metadata", TriggerRequest{UserID: userID, EmergencyType: models.EmergencyTypeMedical,
			Location: validLocation(), Metadata: []byte(`{broken`)}, apperr.CodeInvalidArgument},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := h.svc.Trigger(ctx, c.req)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			assert.Equal(t, c.code, apperr.CodeOf(err))
		})
	}

	page, err := h.svc.GetHistory(ctx, models.HistoryFilters{UserID: userID})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.Equal(t, 0, h.countdown.GetActiveTimers())
}

func TestTrigger_CountdownAboveMaximumRejected(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	userID := uuid.New()

	_, err := h.svc.Trigger(ctx, TriggerRequest{
		UserID:           userID,
		EmergencyType:    models.EmergencyTypeMedical,
		Location:         validLocation(),
		CountdownSeconds: intPtr(math.MaxInt),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeInvalidCountdown, apperr.CodeOf(err))

	_, total, err := h.emergencies.List(ctx, models.HistoryFilters{UserID: userID})
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	h.svc.cfg.MaxCountdownSeconds = 60
	_, err = h.svc.Trigger(ctx, TriggerRequest{
		UserID: userID, EmergencyType: models.EmergencyTypeMedical, Location: validLocation(), CountdownSeconds: intPtr(61),
	})
	assert.Equal(t, apperr.CodeInvalidCountdown, apperr.CodeOf(err))

	e, err := h.svc.Trigger(ctx, TriggerRequest{
		UserID: userID, EmergencyType: models.EmergencyTypeMedical, Location: validLocation(), CountdownSeconds: intPtr(60),
	})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.True(t, h.countdown.IsTimerActive(e.ID))
	got, err := h.emergencies.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, h.pub.count(publisher.EventActivated, e.ID))
}

func TestTrigger_SecondOpenEmergencyConflicts(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	userID := uuid.New()

	req := TriggerRequest{UserID: userID, EmergencyType: models.EmergencyTypeMedical, Location: validLocation()}
	first, err := h.svc.Trigger(ctx, req)
	require.NoError(t, err)

	_, err = h.svc.Trigger(ctx, req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeOpenEmergencyExists, apperr.CodeOf(err))

	_, err = h.svc.Cancel(ctx, first.ID, "test")
	require.NoError(t, err)
	_, err = h.svc.Trigger(ctx, req)
	assert.NoError(t, err)
}

func TestTrigger_StoreFailureIsTransient(t *testing.T) {
	repo := &mockEmergencyRepo{}
	userID := uuid.New()
	repo.On("GetOpenByUserID", mock.Anything, userID).Return(nil, errors.New("connection refused"))

	svc := NewEmergencyService(repo, nil, newRecordingPublisher(), nil, nil, EmergencyServiceConfig{}, zap.NewNop())
	_, err := svc.Trigger(context.Background(), TriggerRequest{
		UserID: userID, EmergencyType: models.EmergencyTypeGeneral, Location: validLocation(),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransientInfra, apperr.KindOf(err))
	repo.AssertExpectations(t)
}

func TestAutoTrigger_Defaults(t *testing.T) {
	h := newHarness(t, time.Hour)

	e, err := h.svc.AutoTrigger(context.Background(), AutoTriggerRequest{
		UserID:   uuid.New(),
		DeviceID: "watch-42",
		Location: validLocation(),
	})
	require.NoError(t, err)
	assert.True(t, e.AutoTriggered)
	assert.Equal(t, "device:watch-42", e.TriggeredBy)
	assert.Equal(t, models.EmergencyTypeFallDetected, e.EmergencyType)
	assert.Equal(t, 30, e.CountdownSeconds)
	assert.True(t, h.countdown.IsTimerActive(e.ID))

	_, err = h.svc.AutoTrigger(context.Background(), AutoTriggerRequest{UserID: uuid.New(), Location: validLocation()})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

// ============================================
// 取消 / 解决
// ============================================

func TestCancel_DuringCountdownNeverActivates(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	e, err := h.svc.Trigger(ctx, TriggerRequest{
		UserID: uuid.New(), EmergencyType: models.EmergencyTypeMedical, Location: validLocation(),
		CountdownSeconds: intPtr(10),
	})
	require.NoError(t, err)

	cancelled, err := h.svc.Cancel(ctx, e.ID, "false alarm")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Nil(t, cancelled.ActivatedAt)
	assert.False(t, h.countdown.IsTimerActive(e.ID))
	assert.Equal(t, 1, h.pub.count(publisher.EventCancelled, e.ID))
	assert.Equal(t, 0, h.pub.count(publisher.EventActivated, e.ID))

	_, err = h.svc.Cancel(ctx, e.ID, "again")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestCancel_ActiveStopsEscalation(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	e := h.triggerActive(t, uuid.New())
	require.Eventually(t, func() bool { return h.escalation.IsEscalationActive(e.ID) }, time.Second, time.Millisecond)

	cancelled, err := h.svc.Cancel(ctx, e.ID, "user safe")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.ActivatedAt)
	assert.False(t, h.escalation.IsEscalationActive(e.ID))
}

func TestCancel_UnknownIsNotFound(t *testing.T) {
	h := newHarness(t, time.Hour)
	_, err := h.svc.Cancel(context.Background(), uuid.New(), "")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeEmergencyNotFound, apperr.CodeOf(err))
}

func TestCancel_PublishFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	e, err := h.svc.Trigger(ctx, TriggerRequest{
		UserID: uuid.New(), EmergencyType: models.EmergencyTypeGeneral, Location: validLocation(),
	})
	require.NoError(t, err)

	h.pub.setFail(true)
	_, err = h.svc.Cancel(ctx, e.ID, "")
	require.NoError(t, err)

	got, err := h.emergencies.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestResolve_PendingIsConflictAndUnchanged(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	e, err := h.svc.Trigger(ctx, TriggerRequest{
		UserID: uuid.New(), EmergencyType: models.EmergencyTypeGeneral, Location: validLocation(),
	})
	require.NoError(t, err)

	_, err = h.svc.Resolve(ctx, e.ID, strPtr("done"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	got, err := h.emergencies.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.ResolvedAt)
	assert.True(t, h.countdown.IsTimerActive(e.ID))
}

func TestResolve_Active(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	e := h.triggerActive(t, uuid.New())

	resolved, err := h.svc.Resolve(ctx, e.ID, strPtr("ambulance arrived"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	require.NotNil(t, resolved.ActivatedAt)
	assert.False(t, resolved.ResolvedAt.Before(*resolved.ActivatedAt))
	require.NotNil(t, resolved.ResolutionNotes)
	assert.Equal(t, "ambulance arrived", *resolved.ResolutionNotes)
	assert.Equal(t, 1, h.pub.count(publisher.EventResolved, e.ID))
	require.Eventually(t, func() bool { return !h.escalation.IsEscalationActive(e.ID) }, time.Second, time.Millisecond)

	_, err = h.svc.Resolve(ctx, e.ID, nil)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	_, err = h.svc.Cancel(ctx, e.ID, "")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestResolve_ConcurrentCallsExactlyOneWins(t *testing.T) {
	h := newHarness(t, time.Hour)
	e := h.triggerActive(t, uuid.New())

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Resolve(context.Background(), e.ID, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if apperr.Is(err, apperr.KindConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 15, conflicts)
	assert.Equal(t, 1, h.pub.count(publisher.EventResolved, e.ID))
}

func TestCancelRacingCountdown(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		e, err := h.svc.Trigger(ctx, TriggerRequest{
			UserID: uuid.New(), EmergencyType: models.EmergencyTypeMedical, Location: validLocation(),
			CountdownSeconds: intPtr(0),
		})
		require.NoError(t, err)

		_, err = h.svc.Cancel(ctx, e.ID, "race")
		require.NoError(t, err)

		got, err := h.emergencies.GetByID(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)
		assert.LessOrEqual(t, h.pub.count(publisher.EventActivated, e.ID), 1)
	}

	// 残留的升级计时到期后不得发布
	time.Sleep(60 * time.Millisecond)
	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	assert.Empty(t, h.pub.escalations)
}

// ============================================
// 确认 / 升级
// ============================================

func TestAcknowledge_FirstCancelsEscalationDuplicateIsNoop(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	e := h.triggerActive(t, uuid.New())
	require.Eventually(t, func() bool { return h.escalation.IsEscalationActive(e.ID) }, time.Second, time.Millisecond)

	contactA := uuid.New()
	res, err := h.svc.Acknowledge(ctx, AcknowledgeRequest{
		EmergencyID: e.ID, ContactID: contactA, ContactName: "Dana", ContactPhone: strPtr("+15550100"),
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.EscalationCancelled)
	assert.False(t, h.escalation.IsEscalationActive(e.ID))
	assert.Equal(t, 1, h.pub.count(publisher.EventAcknowledged, e.ID))

	again, err := h.svc.Acknowledge(ctx, AcknowledgeRequest{
		EmergencyID: e.ID, ContactID: contactA, ContactName: "Dana", ContactPhone: strPtr("+15550100"),
	})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.Acknowledgment.ID, again.Acknowledgment.ID)
	assert.Equal(t, 1, h.pub.count(publisher.EventAcknowledged, e.ID))

	second, err := h.svc.Acknowledge(ctx, AcknowledgeRequest{
		EmergencyID: e.ID, ContactID: uuid.New(), ContactName: "Lee", ContactEmail: strPtr("lee@example.com"),
	})
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
	assert.False(t, second.EscalationCancelled)
	assert.Equal(t, 2, h.pub.count(publisher.EventAcknowledged, e.ID))

	detail, err := h.svc.GetEmergency(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Acknowledgments, 2)
}

func TestAcknowledge_Validation(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	e := h.triggerActive(t, uuid.New())

	_, err := h.svc.Acknowledge(ctx, AcknowledgeRequest{EmergencyID: e.ID, ContactID: uuid.New(), ContactName: "Dana"})
	assert.Equal(t, apperr.CodeMissingContactChannel, apperr.CodeOf(err))

	_, err = h.svc.Acknowledge(ctx, AcknowledgeRequest{
		EmergencyID: e.ID, ContactID: uuid.New(), ContactName: "Dana", ContactPhone: strPtr("1"),
		Location: &models.Location{Latitude: -91},
	})
	assert.Equal(t, apperr.CodeInvalidLocation, apperr.CodeOf(err))

	_, err = h.svc.Acknowledge(ctx, AcknowledgeRequest{
		EmergencyID: uuid.New(), ContactID: uuid.New(), ContactName: "Dana", ContactPhone: strPtr("1"),
	})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestAcknowledge_NonActiveIsConflict(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	e, err := h.svc.Trigger(ctx, TriggerRequest{
		UserID: uuid.New(), EmergencyType: models.EmergencyTypeGeneral, Location: validLocation(),
	})
	require.NoError(t, err)

	_, err = h.svc.Acknowledge(ctx, AcknowledgeRequest{
		EmergencyID: e.ID, ContactID: uuid.New(), ContactName: "Dana", ContactPhone: strPtr("1"),
	})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeEmergencyNotActive, apperr.CodeOf(err))

	n, err := h.acks.CountByEmergency(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEscalation_NoAcknowledgment(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	e := h.triggerActive(t, uuid.New())

	require.Eventually(t, func() bool { return h.pub.count(publisher.EventEscalated, e.ID) == 1 }, time.Second, time.Millisecond)

	h.pub.mu.Lock()
	ev := h.pub.escalations[0]
	h.pub.mu.Unlock()
	assert.Equal(t, e.UserID, ev.OwnerID)
	assert.Equal(t, models.EmergencyTypeMedical, ev.EmergencyType)
	assert.Equal(t, secondaryContacts, ev.SecondaryContacts)
	assert.NotEmpty(t, ev.EscalationReason)

	got, err := h.emergencies.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.NotNil(t, got.EscalatedAt)
}

func TestEscalation_AcknowledgedInTimeNeverFires(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	ctx := context.Background()
	e := h.triggerActive(t, uuid.New())

	_, err := h.svc.Acknowledge(ctx, AcknowledgeRequest{
		EmergencyID: e.ID, ContactID: uuid.New(), ContactName: "Dana", ContactPhone: strPtr("+15550100"),
	})
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, h.pub.count(publisher.EventEscalated, e.ID))
}

// ============================================
// 查询 / 位置
// ============================================

func TestGetHistory(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		e, err := h.svc.Trigger(ctx, TriggerRequest{
			UserID: userID, EmergencyType: models.EmergencyTypeGeneral, Location: validLocation(),
		})
		require.NoError(t, err)
		_, err = h.svc.Cancel(ctx, e.ID, "")
		require.NoError(t, err)
	}

	page, err := h.svc.GetHistory(ctx, models.HistoryFilters{UserID: userID, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Emergencies, 2)
	assert.Equal(t, 1, page.Page)

	page, err = h.svc.GetHistory(ctx, models.HistoryFilters{UserID: userID, PageSize: 1000})
	require.NoError(t, err)
	assert.Equal(t, models.MaxPageSize, page.PageSize)

	page, err = h.svc.GetHistory(ctx, models.HistoryFilters{UserID: userID, Page: math.MaxInt, PageSize: 20})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Empty(t, page.Emergencies)
	assert.Equal(t, models.MaxPage, page.Page)

	start := time.Now()
	end := start.Add(-time.Hour)
	_, err = h.svc.GetHistory(ctx, models.HistoryFilters{UserID: userID, StartDate: &start, EndDate: &end})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.svc.GetHistory(ctx, models.HistoryFilters{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestUpdateLocation(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	e, err := h.svc.Trigger(ctx, TriggerRequest{
		UserID: uuid.New(), EmergencyType: models.EmergencyTypeGeneral, Location: validLocation(),
	})
	require.NoError(t, err)

	loc := models.Location{Latitude: 1, Longitude: 1, Timestamp: time.Now()}
	require.NoError(t, h.svc.UpdateLocation(ctx, e.ID, loc))

	got, err := h.emergencies.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLocation)
	assert.Equal(t, 1.0, got.LastLocation.Latitude)
	assert.Equal(t, models.StatusPending, got.Status)

	assert.Equal(t, apperr.KindValidation, apperr.KindOf(h.svc.UpdateLocation(ctx, e.ID, models.Location{Latitude: 100})))

	_, err = h.svc.Cancel(ctx, e.ID, "")
	require.NoError(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(h.svc.UpdateLocation(ctx, e.ID, loc)))
}

func TestGetEmergency_StoreError(t *testing.T) {
	repo := &mockEmergencyRepo{}
	id := uuid.New()
	repo.On("GetByID", mock.Anything, id).Return(nil, errors.New("timeout"))
	svc := NewEmergencyService(repo, nil, newRecordingPublisher(), nil, nil, EmergencyServiceConfig{}, zap.NewNop())

	_, err := svc.GetEmergency(context.Background(), id)
	assert.Equal(t, apperr.KindTransientInfra, apperr.KindOf(err))

	repo2 := &mockEmergencyRepo{}
	repo2.On("GetByID", mock.Anything, id).Return(nil, repository.ErrEmergencyNotFound)
	svc = NewEmergencyService(repo2, nil, newRecordingPublisher(), nil, nil, EmergencyServiceConfig{}, zap.NewNop())
	_, err = svc.GetEmergency(context.Background(), id)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
