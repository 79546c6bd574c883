package models

import (
	"time"

	"github.com/google/uuid"
)

// Contact 联系人
type Contact struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone,omitempty"`
	Email        string    `json:"email,omitempty"`
	Relationship string    `json:"relationship,omitempty"`
}

// OwnerContacts 事件所有者姓名及二级联系人
type OwnerContacts struct {
	OwnerID           uuid.UUID `json:"owner_id"`
	OwnerName         string    `json:"owner_name"`
	SecondaryContacts []Contact `json:"secondary_contacts"`
}

// ContactAcknowledgedEvent 联系人确认事件
type ContactAcknowledgedEvent struct {
	EmergencyID    uuid.UUID `json:"emergency_id"`
	ContactID      uuid.UUID `json:"contact_id"`
	ContactName    string    `json:"contact_name"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
	Location       *Location `json:"location,omitempty"`
	Message        *string   `json:"message,omitempty"`
}

// NewContactAcknowledgedEvent 由确认记录构造事件
func NewContactAcknowledgedEvent(a *Acknowledgment) ContactAcknowledgedEvent {
	return ContactAcknowledgedEvent{
		EmergencyID:    a.EmergencyID,
		ContactID:      a.ContactID,
		ContactName:    a.ContactName,
		AcknowledgedAt: a.AcknowledgedAt,
		Location:       a.Location,
		Message:        a.Message,
	}
}

// EscalationEvent 升级事件：超时无人确认时通知二级联系人
type EscalationEvent struct {
	EmergencyID       uuid.UUID     `json:"emergency_id"`
	OwnerID           uuid.UUID     `json:"owner_id"`
	OwnerName         string        `json:"owner_name"`
	EmergencyType     EmergencyType `json:"emergency_type"`
	Location          Location      `json:"location"`
	SecondaryContacts []Contact     `json:"secondary_contacts"`
	EscalationReason  string        `json:"escalation_reason"`
	Timestamp         time.Time     `json:"timestamp"`
}

// LocationUpdate 位置更新消息（location-updated stream）
type LocationUpdate struct {
	EmergencyID uuid.UUID `json:"emergency_id"`
	Location    Location  `json:"location"`
}
