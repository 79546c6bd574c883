// Package contacts 查询事件所有者的姓名和二级联系人，用于升级通知。
package contacts

import (
	"context"
	"errors"
	"fmt"

	"sos-emergency/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Directory 联系人目录
type Directory interface {
	Lookup(ctx context.Context, ownerID uuid.UUID) (*models.OwnerContacts, error)
}

// StaticDirectory 配置文件中的固定二级联系人列表
type StaticDirectory struct {
	contacts []models.Contact
}

// NewStaticDirectory 创建静态目录
func NewStaticDirectory(contacts []models.Contact) *StaticDirectory {
	return &StaticDirectory{contacts: append([]models.Contact(nil), contacts...)}
}

func (d *StaticDirectory) Lookup(_ context.Context, ownerID uuid.UUID) (*models.OwnerContacts, error) {
	return &models.OwnerContacts{
		OwnerID:           ownerID,
		SecondaryContacts: append([]models.Contact{}, d.contacts...),
	}, nil
}

// Chain 依次尝试，返回第一个成功结果
type Chain struct {
	dirs   []Directory
	logger *zap.Logger
}

// NewChain 创建目录链
func NewChain(logger *zap.Logger, dirs ...Directory) *Chain {
	return &Chain{dirs: dirs, logger: logger}
}

func (c *Chain) Lookup(ctx context.Context, ownerID uuid.UUID) (*models.OwnerContacts, error) {
	var errs []error
	for i, d := range c.dirs {
		res, err := d.Lookup(ctx, ownerID)
		if err == nil {
			return res, nil
		}
		c.logger.Warn("Contact directory lookup failed, trying next",
			zap.Int("index", i),
			zap.String("user_id", ownerID.String()),
			zap.Error(err),
		)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no contact directory configured")
	}
	return nil, errors.Join(errs...)
}
