package models

import (
	"fmt"
	"strings"
)

// EmergencyType 紧急事件类型（封闭枚举，零值非法）
type EmergencyType uint8

const (
	EmergencyTypeMedical EmergencyType = iota + 1
	EmergencyTypeFire
	EmergencyTypePolice
	EmergencyTypeGeneral
	EmergencyTypeFallDetected
	EmergencyTypeDeviceAlert
)

// AllEmergencyTypes 按定义顺序列出所有类型
var AllEmergencyTypes = []EmergencyType{
	EmergencyTypeMedical,
	EmergencyTypeFire,
	EmergencyTypePolice,
	EmergencyTypeGeneral,
	EmergencyTypeFallDetected,
	EmergencyTypeDeviceAlert,
}

func (t EmergencyType) String() string {
	switch t {
	case EmergencyTypeMedical:
		return "MEDICAL"
	case EmergencyTypeFire:
		return "FIRE"
	case EmergencyTypePolice:
		return "POLICE"
	case EmergencyTypeGeneral:
		return "GENERAL"
	case EmergencyTypeFallDetected:
		return "FALL_DETECTED"
	case EmergencyTypeDeviceAlert:
		return "DEVICE_ALERT"
	}
	return fmt.Sprintf("EmergencyType(%d)", uint8(t))
}

// Valid 是否为已定义的类型
func (t EmergencyType) Valid() bool {
	return t >= EmergencyTypeMedical && t <= EmergencyTypeDeviceAlert
}

// ParseEmergencyType 解析类型名（大小写不敏感）
func ParseEmergencyType(s string) (EmergencyType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MEDICAL":
		return EmergencyTypeMedical, nil
	case "FIRE":
		return EmergencyTypeFire, nil
	case "POLICE":
		return EmergencyTypePolice, nil
	case "GENERAL":
		return EmergencyTypeGeneral, nil
	case "FALL_DETECTED":
		return EmergencyTypeFallDetected, nil
	case "DEVICE_ALERT":
		return EmergencyTypeDeviceAlert, nil
	}
	return 0, fmt.Errorf("unknown emergency type %q", s)
}

func (t EmergencyType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid emergency type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *EmergencyType) UnmarshalText(b []byte) error {
	v, err := ParseEmergencyType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Status 紧急事件状态
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusActive
	StatusCancelled
	StatusResolved
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusCancelled:
		return "CANCELLED"
	case StatusResolved:
		return "RESOLVED"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Valid 是否为已定义的状态
func (s Status) Valid() bool {
	return s >= StatusPending && s <= StatusResolved
}

// IsOpen PENDING 或 ACTIVE
func (s Status) IsOpen() bool {
	switch s {
	case StatusPending, StatusActive:
		return true
	case StatusCancelled, StatusResolved:
		return false
	}
	return false
}

// IsTerminal CANCELLED 或 RESOLVED
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusResolved:
		return true
	case StatusPending, StatusActive:
		return false
	}
	return false
}

// CanTransitionTo 状态机：PENDING→ACTIVE→RESOLVED, PENDING|ACTIVE→CANCELLED
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusCancelled
	case StatusActive:
		return next == StatusResolved || next == StatusCancelled
	case StatusCancelled, StatusResolved:
		return false
	}
	return false
}

// ParseStatus 解析状态名（大小写不敏感）
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return StatusPending, nil
	case "ACTIVE":
		return StatusActive, nil
	case "CANCELLED":
		return StatusCancelled, nil
	case "RESOLVED":
		return StatusResolved, nil
	}
	return 0, fmt.Errorf("unknown emergency status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid emergency status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
