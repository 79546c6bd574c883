package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Acknowledgment 联系人确认记录（对应 emergency_acknowledgments 表）
type Acknowledgment struct {
	ID             uuid.UUID `json:"id"`
	EmergencyID    uuid.UUID `json:"emergency_id"`
	ContactID      uuid.UUID `json:"contact_id"`
	ContactName    string    `json:"contact_name"`
	ContactPhone   *string   `json:"contact_phone,omitempty"`
	ContactEmail   *string   `json:"contact_email,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
	Location       *Location `json:"location,omitempty"`
	Message        *string   `json:"message,omitempty"`
}

var (
	ErrMissingContactChannel = errors.New("contact phone or email is required")
	ErrMissingContactID      = errors.New("contact id is required")
	ErrMissingContactName    = errors.New("contact name is required")
)

// Validate 校验联系人信息与位置
func (a *Acknowledgment) Validate() error {
	if a.ContactID == uuid.Nil {
		return ErrMissingContactID
	}
	if strings.TrimSpace(a.ContactName) == "" {
		return ErrMissingContactName
	}
	if blank(a.ContactPhone) && blank(a.ContactEmail) {
		return ErrMissingContactChannel
	}
	if a.Location != nil {
		return a.Location.Validate()
	}
	return nil
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
