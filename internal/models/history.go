package models

import (
	"time"

	"github.com/google/uuid"
)

// 分页默认值
const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
	MaxPage         = 1_000_000 // 保证 Offset 不溢出
)

// HistoryFilters 历史查询条件
type HistoryFilters struct {
	UserID    uuid.UUID
	Status    *Status
	Type      *EmergencyType
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	PageSize  int
}

// Normalize 补齐分页默认值并限制 page_size 上限
func (f *HistoryFilters) Normalize() {
	if f.Page < 1 {
		f.Page = DefaultPage
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

// Offset SQL OFFSET
func (f *HistoryFilters) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Matches 内存实现使用的过滤逻辑
func (f *HistoryFilters) Matches(e *Emergency) bool {
	if f.UserID != uuid.Nil && e.UserID != f.UserID {
		return false
	}
	if f.Status != nil && e.Status != *f.Status {
		return false
	}
	if f.Type != nil && e.EmergencyType != *f.Type {
		return false
	}
	if f.StartDate != nil && e.CreatedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && e.CreatedAt.After(*f.EndDate) {
		return false
	}
	return true
}

// HistoryPage 历史查询结果
type HistoryPage struct {
	Emergencies []Emergency `json:"emergencies"`
	Total       int         `json:"total"`
	Page        int         `json:"page"`
	PageSize    int         `json:"page_size"`
}
