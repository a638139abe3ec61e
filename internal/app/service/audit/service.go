package audit

import (
	"context"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/tool"
)

// Actions recorded by the services.
const (
	ActionMembershipActivated  = "membership.activated"
	ActionMembershipRenewed    = "membership.renewed"
	ActionMembershipStatus     = "membership.status_changed"
	ActionMembershipPlanChange = "membership.plan_changed"
	ActionMembershipCanceled   = "membership.canceled"
	ActionMembershipResumed    = "membership.resumed"
	ActionWebhookUnmatched     = "webhook.unmatched"
	ActionCheckoutCreated      = "checkout.created"
	ActionCheckoutFinalized    = "checkout.finalized"
	ActionOrderCreated         = "order.created"
	ActionOrderPaid            = "order.paid"
	ActionOrderCanceled        = "order.canceled"
	ActionOrderRefunded        = "order.refunded"
	ActionOrderOversold        = "order.oversold"
	ActionPointsSpent          = "points.spent"
	ActionUserDisabled         = "user.disabled"
	ActionProductUpserted      = "product.upserted"
)

type Entry struct {
	// ActorUserID is empty for provider-driven changes.
	ActorUserID string
	Action      string
	Entity      string
	EntityID    string
	Metadata    map[string]any
}

// Sink receives one entry per mutating operation. Recording is best effort
// and never fails the caller.
type Sink interface {
	Record(ctx context.Context, e *Entry)
}

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

// Record asynchronously persists an audit entry. Nil input is ignored.
func (s *Service) Record(ctx context.Context, e *Entry) {
	if e == nil {
		return
	}
	row := toModel(ctx, e)
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save audit log: action=%s entity=%s/%s err=%v", e.Action, e.Entity, e.EntityID, err)
		}
	}()
}

func toModel(ctx context.Context, e *Entry) *models.AuditLog {
	row := &models.AuditLog{
		ID:       tool.GenerateUUIDV7(),
		Action:   e.Action,
		Entity:   e.Entity,
		EntityID: e.EntityID,
		Metadata: datatypes.JSONMap(e.Metadata),
		TraceID:  logctx.TraceID(ctx),
	}
	if e.ActorUserID != "" {
		row.ActorUserID = lo.ToPtr(e.ActorUserID)
	}
	if row.Metadata == nil {
		row.Metadata = datatypes.JSONMap{}
	}
	return row
}

// Memory keeps entries in memory. Used by tests and the CLI.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Record(_ context.Context, e *Entry) {
	if e == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
}

func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Actions lists the recorded actions in order.
func (m *Memory) Actions() []string {
	return lo.Map(m.Entries(), func(e Entry, _ int) string { return e.Action })
}

var Module = fx.Options(
	fx.Provide(
		New,
		func(s *Service) Sink { return s },
	),
)
