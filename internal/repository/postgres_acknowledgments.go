package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"sos-emergency/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const acknowledgmentColumns = `
			id,
			emergency_id,
			contact_id,
			contact_name,
			contact_phone,
			contact_email,
			acknowledged_at,
			location,
			message`

// PostgresAcknowledgmentRepository 联系人确认仓库（PostgreSQL）
type PostgresAcknowledgmentRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAcknowledgmentRepository 创建确认仓库
func NewPostgresAcknowledgmentRepository(db *sql.DB, logger *zap.Logger) *PostgresAcknowledgmentRepository {
	return &PostgresAcknowledgmentRepository{
		db:     db,
		logger: logger,
	}
}

// Create 插入确认记录；插入本身以事件 ACTIVE 为条件
func (r *PostgresAcknowledgmentRepository) Create(ctx context.Context, a *models.Acknowledgment) error {
	if a == nil {
		return fmt.Errorf("acknowledgment is required")
	}
	var loc interface{}
	if a.Location != nil {
		b, err := json.Marshal(a.Location)
		if err != nil {
			return fmt.Errorf("failed to encode location: %w", err)
		}
		loc = b
	}

	query := `
		INSERT INTO emergency_acknowledgments (` + acknowledgmentColumns + `
		)
		SELECT $1::uuid, $2::uuid, $3::uuid, $4::text, $5::text, $6::text, $7::timestamptz, $8::jsonb, $9::text
		WHERE EXISTS (
			SELECT 1 FROM emergencies WHERE id = $2::uuid AND status = 'ACTIVE'
		)
	`
	res, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.EmergencyID,
		a.ContactID,
		a.ContactName,
		a.ContactPhone,
		a.ContactEmail,
		a.AcknowledgedAt,
		loc,
		a.Message,
	)
	if err != nil {
		if isUniqueViolation(err, ackPerContactConstraint) {
			return fmt.Errorf("acknowledge %s by %s: %w", a.EmergencyID, a.ContactID, ErrDuplicateAcknowledgment)
		}
		return fmt.Errorf("failed to create acknowledgment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("acknowledge %s: %w", a.EmergencyID, ErrEmergencyNotActive)
	}
	return nil
}

// GetByContact 获取某联系人对某事件的确认
func (r *PostgresAcknowledgmentRepository) GetByContact(ctx context.Context, emergencyID, contactID uuid.UUID) (*models.Acknowledgment, error) {
	query := `SELECT` + acknowledgmentColumns + `
		FROM emergency_acknowledgments
		WHERE emergency_id = $1
		  AND contact_id = $2
	`
	a, err := scanAcknowledgment(r.db.QueryRowContext(ctx, query, emergencyID, contactID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("acknowledgment of %s by %s: %w", emergencyID, contactID, ErrAcknowledgmentNotFound)
		}
		return nil, fmt.Errorf("failed to get acknowledgment: %w", err)
	}
	return a, nil
}

// ListByEmergency 按确认时间正序列出
func (r *PostgresAcknowledgmentRepository) ListByEmergency(ctx context.Context, emergencyID uuid.UUID) ([]models.Acknowledgment, error) {
	query := `SELECT` + acknowledgmentColumns + `
		FROM emergency_acknowledgments
		WHERE emergency_id = $1
		ORDER BY acknowledged_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, emergencyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list acknowledgments: %w", err)
	}
	defer rows.Close()

	acks := []models.Acknowledgment{}
	for rows.Next() {
		a, err := scanAcknowledgment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan acknowledgment: %w", err)
		}
		acks = append(acks, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate acknowledgments: %w", err)
	}
	return acks, nil
}

// CountByEmergency 确认数量
func (r *PostgresAcknowledgmentRepository) CountByEmergency(ctx context.Context, emergencyID uuid.UUID) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM emergency_acknowledgments WHERE emergency_id = $1`
	if err := r.db.QueryRowContext(ctx, query, emergencyID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count acknowledgments: %w", err)
	}
	return n, nil
}

func scanAcknowledgment(row rowScanner) (*models.Acknowledgment, error) {
	var a models.Acknowledgment
	var phone, email, message sql.NullString
	var loc []byte

	if err := row.Scan(
		&a.ID,
		&a.EmergencyID,
		&a.ContactID,
		&a.ContactName,
		&phone,
		&email,
		&a.AcknowledgedAt,
		&loc,
		&message,
	); err != nil {
		return nil, err
	}

	a.ContactPhone = stringPtr(phone)
	a.ContactEmail = stringPtr(email)
	a.Message = stringPtr(message)
	if len(loc) > 0 {
		var l models.Location
		if err := json.Unmarshal(loc, &l); err != nil {
			return nil, fmt.Errorf("failed to decode location: %w", err)
		}
		a.Location = &l
	}
	return &a, nil
}
