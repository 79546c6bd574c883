package service

import (
	"context"
	"fmt"
	"time"

	"sos-emergency/internal/models"
	"sos-emergency/internal/repository"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CountdownRearmer 对账时补建倒计时
type CountdownRearmer interface {
	IsTimerActive(id uuid.UUID) bool
	StartCountdownIn(id uuid.UUID, d time.Duration) bool
}

// EscalationRearmer 对账时补建升级计时
type EscalationRearmer interface {
	IsEscalationActive(id uuid.UUID) bool
	StartEscalationIn(id uuid.UUID, d time.Duration) bool
	Timeout() time.Duration
}

// SweepResult 单次对账结果
type SweepResult struct {
	CountdownsRearmed  int
	EscalationsRearmed int
}

// Reconciler 周期性扫描存储，为重启后丢失计时器的事件补建计时器
// 激活与升级的唯一性仍由存储的条件更新保证
type Reconciler struct {
	emergencies repository.EmergencyRepository
	acks        repository.AcknowledgmentRepository
	countdown   CountdownRearmer
	escalation  EscalationRearmer
	schedule    string
	batchSize   int
	now         func() time.Time
	logger      *zap.Logger

	cron *cron.Cron
}

// NewReconciler 创建对账器；schedule 为 cron 表达式，如 "@every 30s"
func NewReconciler(
	emergencies repository.EmergencyRepository,
	acks repository.AcknowledgmentRepository,
	countdown CountdownRearmer,
	escalation EscalationRearmer,
	schedule string,
	batchSize int,
	logger *zap.Logger,
) *Reconciler {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Reconciler{
		emergencies: emergencies,
		acks:        acks,
		countdown:   countdown,
		escalation:  escalation,
		schedule:    schedule,
		batchSize:   batchSize,
		now:         time.Now,
		logger:      logger,
	}
}

// Start 立即执行一次对账，然后按 schedule 周期执行
func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := r.cron.AddFunc(r.schedule, func() { r.run(ctx) }); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.schedule, err)
	}
	r.run(ctx)
	r.cron.Start()
	r.logger.Info("Reconciler started", zap.String("schedule", r.schedule))
	return nil
}

// Stop 停止调度并等待正在执行的对账结束
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.logger.Info("Reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	res, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("Reconcile sweep failed", zap.Error(err))
		return
	}
	if res.CountdownsRearmed > 0 || res.EscalationsRearmed > 0 {
		r.logger.Info("Reconcile sweep re-armed timers",
			zap.Int("countdowns", res.CountdownsRearmed),
			zap.Int("escalations", res.EscalationsRearmed),
		)
	}
}

// Sweep 执行一次对账
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.now()

	pending, err := r.emergencies.ListByStatus(ctx, models.StatusPending, r.batchSize)
	if err != nil {
		return res, fmt.Errorf("failed to list pending emergencies: %w", err)
	}
	for i := range pending {
		e := &pending[i]
		if r.countdown.IsTimerActive(e.ID) {
			continue
		}
		if r.countdown.StartCountdownIn(e.ID, remaining(e.CountdownDeadline(), now)) {
			res.CountdownsRearmed++
		}
	}

	active, err := r.emergencies.ListByStatus(ctx, models.StatusActive, r.batchSize)
	if err != nil {
		return res, fmt.Errorf("failed to list active emergencies: %w", err)
	}
	for i := range active {
		e := &active[i]
		if e.EscalatedAt != nil || e.ActivatedAt == nil || r.escalation.IsEscalationActive(e.ID) {
			continue
		}
		n, err := r.acks.CountByEmergency(ctx, e.ID)
		if err != nil {
			r.logger.Warn("Failed to count acknowledgments during reconcile",
				zap.String("emergency_id", e.ID.String()), zap.Error(err))
			continue
		}
		if n > 0 {
			continue
		}
		deadline := e.ActivatedAt.Add(r.escalation.Timeout())
		if r.escalation.StartEscalationIn(e.ID, remaining(deadline, now)) {
			res.EscalationsRearmed++
		}
	}

	return res, nil
}

func remaining(deadline, now time.Time) time.Duration {
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}
