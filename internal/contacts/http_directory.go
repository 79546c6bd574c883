package contacts

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sos-emergency/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const prioritySecondary = "secondary"

// contactDTO 用户服务返回的联系人
type contactDTO struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Email        string    `json:"email"`
	Relationship string    `json:"relationship"`
	Priority     string    `json:"priority"`
}

type contactsResponse struct {
	OwnerName string       `json:"owner_name"`
	Contacts  []contactDTO `json:"contacts"`
}

// HTTPDirectory 通过用户服务 REST 接口查询联系人
type HTTPDirectory struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewHTTPDirectory 创建 HTTP 目录客户端
func NewHTTPDirectory(baseURL string, timeout time.Duration, retries int, logger *zap.Logger) *HTTPDirectory {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")

	return &HTTPDirectory{
		httpClient: client,
		logger:     logger,
	}
}

// Lookup GET /api/v1/users/{id}/emergency-contacts，只保留 secondary 联系人
func (d *HTTPDirectory) Lookup(ctx context.Context, ownerID uuid.UUID) (*models.OwnerContacts, error) {
	var body contactsResponse
	resp, err := d.httpClient.R().
		SetContext(ctx).
		SetPathParam("id", ownerID.String()).
		SetResult(&body).
		Get("/api/v1/users/{id}/emergency-contacts")
	if err != nil {
		return nil, fmt.Errorf("failed to call contact directory: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("contact directory returned %d for user %s", resp.StatusCode(), ownerID)
	}

	out := &models.OwnerContacts{
		OwnerID:           ownerID,
		OwnerName:         body.OwnerName,
		SecondaryContacts: []models.Contact{},
	}
	for _, c := range body.Contacts {
		if !strings.EqualFold(c.Priority, prioritySecondary) {
			continue
		}
		out.SecondaryContacts = append(out.SecondaryContacts, models.Contact{
			ID:           c.ID,
			Name:         c.Name,
			Phone:        c.Phone,
			Email:        c.Email,
			Relationship: c.Relationship,
		})
	}

	d.logger.Debug("Contact directory lookup",
		zap.String("user_id", ownerID.String()),
		zap.Int("secondary_contacts", len(out.SecondaryContacts)),
	)
	return out, nil
}
