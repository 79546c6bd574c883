package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sos-emergency/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	pgUniqueViolation       = "23505"
	openPerUserConstraint   = "emergencies_one_open_per_user"
	ackPerContactConstraint = "emergency_acknowledgments_emergency_contact_key"
)

const emergencyColumns = `
			id,
			user_id,
			emergency_type,
			status,
			initial_location,
			last_location,
			initial_message,
			auto_triggered,
			triggered_by,
			countdown_seconds,
			created_at,
			activated_at,
			cancelled_at,
			resolved_at,
			escalated_at,
			resolution_notes,
			metadata`

// PostgresEmergencyRepository 紧急事件仓库（PostgreSQL）
type PostgresEmergencyRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresEmergencyRepository 创建紧急事件仓库
func NewPostgresEmergencyRepository(db *sql.DB, logger *zap.Logger) *PostgresEmergencyRepository {
	return &PostgresEmergencyRepository{
		db:     db,
		logger: logger,
	}
}

// Create 插入 PENDING 事件；用户已有未结束事件时返回 ErrOpenEmergencyExists
func (r *PostgresEmergencyRepository) Create(ctx context.Context, e *models.Emergency) error {
	if e == nil {
		return fmt.Errorf("emergency is required")
	}
	loc, err := json.Marshal(e.InitialLocation)
	if err != nil {
		return fmt.Errorf("failed to encode initial_location: %w", err)
	}

	query := `
		INSERT INTO emergencies (
			id,
			user_id,
			emergency_type,
			status,
			initial_location,
			initial_message,
			auto_triggered,
			triggered_by,
			countdown_seconds,
			created_at,
			metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		e.ID,
		e.UserID,
		e.EmergencyType.String(),
		e.Status.String(),
		loc,
		e.InitialMessage,
		e.AutoTriggered,
		e.TriggeredBy,
		e.CountdownSeconds,
		e.CreatedAt,
		nullableJSON(e.Metadata),
	)
	if err != nil {
		if isUniqueViolation(err, openPerUserConstraint) {
			return fmt.Errorf("create emergency for user %s: %w", e.UserID, ErrOpenEmergencyExists)
		}
		return fmt.Errorf("failed to create emergency: %w", err)
	}
	return nil
}

// GetByID 根据 id 获取事件
func (r *PostgresEmergencyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Emergency, error) {
	query := `SELECT` + emergencyColumns + `
		FROM emergencies
		WHERE id = $1
	`
	e, err := scanEmergency(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("emergency %s: %w", id, ErrEmergencyNotFound)
		}
		return nil, fmt.Errorf("failed to get emergency: %w", err)
	}
	return e, nil
}

// GetOpenByUserID 获取用户当前未结束的事件
func (r *PostgresEmergencyRepository) GetOpenByUserID(ctx context.Context, userID uuid.UUID) (*models.Emergency, error) {
	query := `SELECT` + emergencyColumns + `
		FROM emergencies
		WHERE user_id = $1
		  AND status IN ('PENDING', 'ACTIVE')
		ORDER BY created_at DESC
		LIMIT 1
	`
	e, err := scanEmergency(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("open emergency for user %s: %w", userID, ErrEmergencyNotFound)
		}
		return nil, fmt.Errorf("failed to get open emergency: %w", err)
	}
	return e, nil
}

// UpdateStatus 条件更新：WHERE id = $ AND status = ANY(from)
func (r *PostgresEmergencyRepository) UpdateStatus(ctx context.Context, u StatusUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}

	from := make([]string, 0, len(u.From))
	for _, s := range u.From {
		from = append(from, s.String())
	}
	args := []interface{}{u.To.String(), u.At, u.ID, pq.Array(from)}

	var set string
	switch u.To {
	case models.StatusActive:
		set = "activated_at = $2"
	case models.StatusCancelled:
		set = "cancelled_at = $2"
	case models.StatusResolved:
		set = "resolved_at = $2, resolution_notes = $5"
		args = append(args, u.Notes)
	case models.StatusPending:
		return fmt.Errorf("status update for %s: PENDING is not a target state", u.ID)
	}

	query := `
		UPDATE emergencies
		SET status = $1, ` + set + `
		WHERE id = $3
		  AND status = ANY($4)
	`
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update emergency status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("emergency %s -> %s: %w", u.ID, u.To, ErrStatusConflict)
	}

	r.logger.Debug("Emergency status updated",
		zap.String("emergency_id", u.ID.String()),
		zap.String("status", u.To.String()),
	)
	return nil
}

// MarkEscalated 写入 escalated_at（仅一次）
func (r *PostgresEmergencyRepository) MarkEscalated(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE emergencies
		SET escalated_at = $1
		WHERE id = $2
		  AND status = 'ACTIVE'
		  AND escalated_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark emergency escalated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateLastLocation 更新最新位置（仅未结束事件）
func (r *PostgresEmergencyRepository) UpdateLastLocation(ctx context.Context, id uuid.UUID, loc models.Location) error {
	b, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to encode last_location: %w", err)
	}
	query := `
		UPDATE emergencies
		SET last_location = $1
		WHERE id = $2
		  AND status IN ('PENDING', 'ACTIVE')
	`
	res, err := r.db.ExecContext(ctx, query, b, id)
	if err != nil {
		return fmt.Errorf("failed to update last_location: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update location of %s: %w", id, ErrStatusConflict)
	}
	return nil
}

// List 按条件分页查询历史，按 created_at 倒序
func (r *PostgresEmergencyRepository) List(ctx context.Context, f models.HistoryFilters) ([]models.Emergency, int, error) {
	f.Normalize()

	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != uuid.Nil {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != nil {
		add("status = $%d", f.Status.String())
	}
	if f.Type != nil {
		add("emergency_type = $%d", f.Type.String())
	}
	if f.StartDate != nil {
		add("created_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("created_at <= $%d", *f.EndDate)
	}
	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM emergencies ` + whereClause
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count emergencies: %w", err)
	}

	listQuery := fmt.Sprintf(`SELECT%s
		FROM emergencies
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, emergencyColumns, whereClause, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, listQuery, append(args, f.PageSize, f.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list emergencies: %w", err)
	}
	defer rows.Close()

	items, err := collectEmergencies(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListByStatus 按状态查询（对账使用），按 created_at 正序
func (r *PostgresEmergencyRepository) ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Emergency, error) {
	query := `SELECT` + emergencyColumns + `
		FROM emergencies
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, status.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list emergencies by status: %w", err)
	}
	defer rows.Close()
	return collectEmergencies(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func collectEmergencies(rows *sql.Rows) ([]models.Emergency, error) {
	items := []models.Emergency{}
	for rows.Next() {
		e, err := scanEmergency(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan emergency: %w", err)
		}
		items = append(items, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate emergencies: %w", err)
	}
	return items, nil
}

func scanEmergency(row rowScanner) (*models.Emergency, error) {
	var e models.Emergency
	var typ, status string
	var initialLocation, lastLocation, metadata []byte
	var initialMessage, notes sql.NullString
	var activatedAt, cancelledAt, resolvedAt, escalatedAt sql.NullTime

	err := row.Scan(
		&e.ID,
		&e.UserID,
		&typ,
		&status,
		&initialLocation,
		&lastLocation,
		&initialMessage,
		&e.AutoTriggered,
		&e.TriggeredBy,
		&e.CountdownSeconds,
		&e.CreatedAt,
		&activatedAt,
		&cancelledAt,
		&resolvedAt,
		&escalatedAt,
		&notes,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	if e.EmergencyType, err = models.ParseEmergencyType(typ); err != nil {
		return nil, err
	}
	if e.Status, err = models.ParseStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(initialLocation, &e.InitialLocation); err != nil {
		return nil, fmt.Errorf("failed to decode initial_location: %w", err)
	}
	if len(lastLocation) > 0 {
		var loc models.Location
		if err := json.Unmarshal(lastLocation, &loc); err != nil {
			return nil, fmt.Errorf("failed to decode last_location: %w", err)
		}
		e.LastLocation = &loc
	}
	if len(metadata) > 0 {
		e.Metadata = json.RawMessage(metadata)
	}

	// 可空字段
	e.InitialMessage = stringPtr(initialMessage)
	e.ResolutionNotes = stringPtr(notes)
	e.ActivatedAt = timePtr(activatedAt)
	e.CancelledAt = timePtr(cancelledAt)
	e.ResolvedAt = timePtr(resolvedAt)
	e.EscalatedAt = timePtr(escalatedAt)

	return &e, nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pgUniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}
