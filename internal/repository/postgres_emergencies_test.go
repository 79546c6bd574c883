package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"sos-emergency/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var emergencyRowColumns = []string{
	"id", "user_id", "emergency_type", "status", "initial_location", "last_location",
	"initial_message", "auto_triggered", "triggered_by", "countdown_seconds", "created_at",
	"activated_at", "cancelled_at", "resolved_at", "escalated_at", "resolution_notes", "metadata",
}

func setupMockEmergencyDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresEmergencyRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewPostgresEmergencyRepository(db, zap.NewNop())
}

func TestPostgresEmergency_Create(t *testing.T) {
	db, mock, repo := setupMockEmergencyDB(t)
	defer db.Close()

	e := &models.Emergency{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		EmergencyType:    models.EmergencyTypeMedical,
		Status:           models.StatusPending,
		InitialLocation:  models.Location{Latitude: 31.2, Longitude: 121.5},
		TriggeredBy:      models.TriggeredByUser,
		CountdownSeconds: 10,
		CreatedAt:        time.Now(),
	}

	mock.ExpectExec(`INSERT INTO emergencies`).
		WithArgs(e.ID, e.UserID, "MEDICAL", "PENDING", sqlmock.AnyArg(), nil, false, "user", 10, e.CreatedAt, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEmergency_Create_OpenExists(t *testing.T) {
	db, mock, repo := setupMockEmergencyDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO emergencies`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: openPerUserConstraint})

	err := repo.Create(context.Background(), &models.Emergency{
		ID: uuid.New(), UserID: uuid.New(),
		EmergencyType: models.EmergencyTypeFire, Status: models.StatusPending,
	})
	assert.ErrorIs(t, err, ErrOpenEmergencyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEmergency_GetByID(t *testing.T) {
	db, mock, repo := setupMockEmergencyDB(t)
	defer db.Close()

	id := uuid.New()
	userID := uuid.New()
	created := time.Now().Add(-time.Minute)
	activated := time.Now()

	rows := sqlmock.NewRows(emergencyRowColumns).AddRow(
		id.String(), userID.String(), "FALL_DETECTED", "ACTIVE",
		[]byte(`{"latitude":1.5,"longitude":2.5,"timestamp":"2026-01-01T00:00:00Z"}`), nil,
		"help", true, "device:watch-1", 30, created,
		activated, nil, nil, nil, nil, []byte(`{"battery":12}`),
	)
	mock.ExpectQuery(`SELECT (.+) FROM emergencies\s+WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(rows)

	e, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, e.ID)
	assert.Equal(t, userID, e.UserID)
	assert.Equal(t, models.EmergencyTypeFallDetected, e.EmergencyType)
	assert.Equal(t, models.StatusActive, e.Status)
	assert.Equal(t, 1.5, e.InitialLocation.Latitude)
	assert.Nil(t, e.LastLocation)
	require.NotNil(t, e.InitialMessage)
	assert.Equal(t, "help", *e.InitialMessage)
	require.NotNil(t, e.ActivatedAt)
	assert.Nil(t, e.CancelledAt)
	assert.JSONEq(t, `{"battery":12}`, string(e.Metadata))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEmergency_GetByID_NotFound(t *testing.T) {
	db, mock, repo := setupMockEmergencyDB(t)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT`).WithArgs(id).WillReturnError(sql.ErrNoRows)

	e, err := repo.GetByID(context.Background(), id)
	assert.Nil(t, e)
	assert.ErrorIs(t, err, ErrEmergencyNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEmergency_UpdateStatus(t *testing.T) {
	db, mock, repo := setupMockEmergencyDB(t)
	defer db.Close()

	id := uuid.New()
	at := time.Now()
	notes := "paramedics arrived"

	mock.ExpectExec(`UPDATE emergencies\s+SET status = \$1, resolved_at = \$2, resolution_notes = \$5\s+WHERE id = \$3\s+AND status = ANY\(\$4\)`).
		WithArgs("RESOLVED", at, id, sqlmock.AnyArg(), notes).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), StatusUpdate{
		ID: id, From: []models.Status{models.StatusActive}, To: models.StatusResolved, At: at, Notes: &notes,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEmergency_UpdateStatus_Conflict(t *testing.T) {
	db, mock, repo := setupMockEmergencyDB(t)
	defer db.Close()

	id := uuid.New()
	mock.ExpectExec(`UPDATE emergencies\s+SET status = \$1, activated_at = \$2`).
		WithArgs("ACTIVE", sqlmock.AnyArg(), id, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), StatusUpdate{
		ID: id, From: []models.Status{models.StatusPending}, To: models.StatusActive, At: time.Now(),
	})
	assert.ErrorIs(t, err, ErrStatusConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEmergency_UpdateStatus_InvalidTransition(t *testing.T) {
	db, mock, repo := setupMockEmergencyDB(t)
	defer db.Close()

	err := repo.UpdateStatus(context.Background(), StatusUpdate{
		ID: uuid.New(), From: []models.Status{models.StatusPending}, To: models.StatusResolved, At: time.Now(),
	})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrStatusConflict))
	// 不应访问数据库
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEmergency_MarkEscalated(t *testing.T) {
	db, mock, repo := setupMockEmergencyDB(t)
	defer db.Close()

	id := uuid.New()
	at := time.Now()
	mock.ExpectExec(`UPDATE emergencies\s+SET escalated_at = \$1`).
		WithArgs(at, id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE emergencies\s+SET escalated_at = \$1`).
		WithArgs(at, id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkEscalated(context.Background(), id, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkEscalated(context.Background(), id, at)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEmergency_List(t *testing.T) {
	db, mock, repo := setupMockEmergencyDB(t)
	defer db.Close()

	userID := uuid.New()
	status := models.StatusResolved

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM emergencies WHERE user_id = \$1 AND status = \$2`).
		WithArgs(userID, "RESOLVED").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(41))
	mock.ExpectQuery(`SELECT (.+) FROM emergencies\s+WHERE user_id = \$1 AND status = \$2\s+ORDER BY created_at DESC\s+LIMIT \$3 OFFSET \$4`).
		WithArgs(userID, "RESOLVED", 20, 20).
		WillReturnRows(sqlmock.NewRows(emergencyRowColumns).AddRow(
			uuid.NewString(), userID.String(), "MEDICAL", "RESOLVED",
			[]byte(`{"latitude":0,"longitude":0,"timestamp":"2026-01-01T00:00:00Z"}`), nil,
			nil, false, "user", 10, time.Now(),
			time.Now(), nil, time.Now(), nil, "ok", nil,
		))

	items, total, err := repo.List(context.Background(), models.HistoryFilters{
		UserID: userID, Status: &status, Page: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 41, total)
	require.Len(t, items, 1)
	assert.Equal(t, models.StatusResolved, items[0].Status)
	require.NotNil(t, items[0].ResolutionNotes)
	assert.Equal(t, "ok", *items[0].ResolutionNotes)

	require.NoError(t, mock.ExpectationsWereMet())
}
