package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// 触发来源
const (
	TriggeredByUser         = "user"
	TriggeredBySystem       = "system"
	triggeredByDevicePrefix = "device:"
)

// TriggeredByDevice 设备触发来源 "device:<id>"
func TriggeredByDevice(deviceID string) string {
	return triggeredByDevicePrefix + deviceID
}

// Emergency 紧急事件（对应 emergencies 表）
type Emergency struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	EmergencyType    EmergencyType   `json:"emergency_type"`
	Status           Status          `json:"status"`
	InitialLocation  Location        `json:"initial_location"`
	LastLocation     *Location       `json:"last_location,omitempty"`
	InitialMessage   *string         `json:"initial_message,omitempty"`
	AutoTriggered    bool            `json:"auto_triggered"`
	TriggeredBy      string          `json:"triggered_by"`
	CountdownSeconds int             `json:"countdown_seconds"`
	CreatedAt        time.Time       `json:"created_at"`
	ActivatedAt      *time.Time      `json:"activated_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	EscalatedAt      *time.Time      `json:"escalated_at,omitempty"`
	ResolutionNotes  *string         `json:"resolution_notes,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// CanBeCancelled PENDING 或 ACTIVE 可取消
func (e *Emergency) CanBeCancelled() bool {
	return e.Status.CanTransitionTo(StatusCancelled)
}

// CanBeResolved 仅 ACTIVE 可解决
func (e *Emergency) CanBeResolved() bool {
	return e.Status.CanTransitionTo(StatusResolved)
}

// CurrentLocation 优先返回最新位置
func (e *Emergency) CurrentLocation() Location {
	if e.LastLocation != nil {
		return *e.LastLocation
	}
	return e.InitialLocation
}

// CountdownDeadline 倒计时到期时间
func (e *Emergency) CountdownDeadline() time.Time {
	return e.CreatedAt.Add(time.Duration(e.CountdownSeconds) * time.Second)
}

// EmergencyDetail 事件详情（含确认记录）
type EmergencyDetail struct {
	Emergency       *Emergency       `json:"emergency"`
	Acknowledgments []Acknowledgment `json:"acknowledgments"`
}
