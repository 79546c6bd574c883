package scheduler

import (
	"context"
	"errors"
	"sync"

	"sos-emergency/internal/models"
)

// recordingPublisher 记录已发布事件
type recordingPublisher struct {
	mu          sync.Mutex
	fail        bool
	entered     chan struct{} // 非 nil 时 PublishActivated 进入后发送信号
	block       chan struct{} // 非 nil 时 PublishActivated 阻塞到关闭
	activated   []models.Emergency
	escalations []models.EscalationEvent
}

func (p *recordingPublisher) PublishActivated(_ context.Context, e *models.Emergency) error {
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.activated = append(p.activated, *e)
	return nil
}

func (p *recordingPublisher) PublishResolved(context.Context, *models.Emergency) error { return nil }

func (p *recordingPublisher) PublishCancelled(context.Context, *models.Emergency, string) error {
	return nil
}

func (p *recordingPublisher) PublishAcknowledged(context.Context, models.ContactAcknowledgedEvent) error {
	return nil
}

func (p *recordingPublisher) PublishEscalation(_ context.Context, ev models.EscalationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.escalations = append(p.escalations, ev)
	return nil
}

func (p *recordingPublisher) activatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activated)
}

func (p *recordingPublisher) escalationEvents() []models.EscalationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.EscalationEvent(nil), p.escalations...)
}
