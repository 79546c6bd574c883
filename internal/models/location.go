package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Location 位置快照（JSONB）
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Address   *string   `json:"address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrInvalidLocation 坐标越界
var ErrInvalidLocation = errors.New("invalid location")

// Validate 纬度 [-90,90]，经度 [-180,180]，精度非负，精度与海拔必须是有限值
func (l Location) Validate() error {
	if math.IsNaN(l.Latitude) || l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrInvalidLocation, l.Latitude)
	}
	if math.IsNaN(l.Longitude) || l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrInvalidLocation, l.Longitude)
	}
	if l.Accuracy != nil && (!isFinite(*l.Accuracy) || *l.Accuracy < 0) {
		return fmt.Errorf("%w: accuracy must be a finite non-negative number", ErrInvalidLocation)
	}
	if l.Altitude != nil && !isFinite(*l.Altitude) {
		return fmt.Errorf("%w: altitude must be a finite number", ErrInvalidLocation)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
