package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/app/service/catalog"
	"github.com/fatflowers/memberledger/internal/app/service/points"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/tool"
	"github.com/fatflowers/memberledger/pkg/types"
)

// Service owns the membership state machine. Every transition runs inside
// the caller's transaction and is written with a version compare-and-swap.
type Service struct {
	db       *gorm.DB
	catalog  *catalog.Service
	points   *points.Service
	payments *payment.Registry
	audit    audit.Sink
	log      *zap.SugaredLogger
	now      func() time.Time
}

func New(db *gorm.DB, cat *catalog.Service, pts *points.Service, payments *payment.Registry, sink audit.Sink, log *zap.SugaredLogger) *Service {
	return &Service{
		db:       db,
		catalog:  cat,
		points:   pts,
		payments: payments,
		audit:    sink,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// View is a membership joined with its plan.
type View struct {
	*models.Membership
	Plan  *models.MembershipPlan `json:"plan"`
	Valid bool                   `json:"valid"`
}

func errNoMembership() *apperr.Error {
	e := apperr.NotFound("no membership")
	e.Code = apperr.CodeNoMembership
	return e
}

// Get returns the user's membership.
func (s *Service) Get(ctx context.Context, userID string) (*View, error) {
	m, err := s.byUser(ctx, s.db, userID, false)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errNoMembership()
	}
	if s.lapsed(m) {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			current, err := s.byUser(ctx, tx, userID, true)
			if err != nil || current == nil {
				return err
			}
			m, err = s.expireLapsed(ctx, tx, current)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	plan, err := s.catalog.PlanByID(ctx, nil, m.PlanID)
	if err != nil {
		return nil, err
	}
	return &View{Membership: m, Plan: plan, Valid: m.Valid(s.now())}, nil
}

// lapsed reports a cancellation scheduled for period end whose period is
// over. Some providers never send an expiry for it (PayPal suspends).
func (s *Service) lapsed(m *models.Membership) bool {
	return m.Status == types.MembershipStatusActive && !m.AutoRenew && !m.CurrentPeriodEnd.After(s.now())
}

// expireLapsed moves a lapsed membership to EXPIRED and returns the stored
// state; any other membership is returned as is.
func (s *Service) expireLapsed(ctx context.Context, tx *gorm.DB, m *models.Membership) (*models.Membership, error) {
	if !s.lapsed(m) {
		return m, nil
	}
	after := *m
	after.Status = types.MembershipStatusExpired
	if err := s.save(ctx, tx, m, &after, types.MembershipChangeReasonStatus, map[string]any{"lapsed": true}); err != nil {
		return nil, err
	}
	return &after, nil
}

// ActivePlan returns the plan of a currently valid membership, or nil.
func (s *Service) ActivePlan(ctx context.Context, db *gorm.DB, userID string) (*models.MembershipPlan, error) {
	m, err := s.byUser(ctx, db, userID, false)
	if err != nil || m == nil || !m.Valid(s.now()) {
		return nil, err
	}
	return s.catalog.PlanByID(ctx, db, m.PlanID)
}

func (s *Service) byUser(ctx context.Context, db *gorm.DB, userID string, lock bool) (*models.Membership, error) {
	return s.first(ctx, db, lock, "user_id = ?", userID)
}

func (s *Service) bySubID(ctx context.Context, db *gorm.DB, subID string, lock bool) (*models.Membership, error) {
	return s.first(ctx, db, lock, "provider_sub_id = ?", subID)
}

// first returns nil without error when no row matches.
func (s *Service) first(ctx context.Context, db *gorm.DB, lock bool, query string, arg any) (*models.Membership, error) {
	if db == nil {
		db = s.db
	}
	q := db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var m models.Membership
	if err := q.Where(query, arg).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return &m, nil
}

// save writes m guarded by the version it was read with and logs the change
// in the same transaction.
func (s *Service) save(ctx context.Context, tx *gorm.DB, before, m *models.Membership, reason types.MembershipChangeReason, extra map[string]any) error {
	if before == nil {
		m.Version = 1
		if err := tx.WithContext(ctx).Create(m).Error; err != nil {
			return fmt.Errorf("failed to create membership: %w", err)
		}
	} else {
		m.Version = before.Version + 1
		res := tx.WithContext(ctx).Model(&models.Membership{}).
			Where("id = ? AND version = ?", m.ID, before.Version).
			Updates(map[string]any{
				"plan_id":              m.PlanID,
				"status":               m.Status,
				"current_period_start": m.CurrentPeriodStart,
				"current_period_end":   m.CurrentPeriodEnd,
				"auto_renew":           m.AutoRenew,
				"canceled_at":          m.CanceledAt,
				"provider":             m.Provider,
				"provider_sub_id":      m.ProviderSubID,
				"version":              m.Version,
				"updated_at":           s.now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update membership: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.ErrConcurrentUpdate
		}
	}

	if extra == nil {
		extra = map[string]any{}
	}
	entry := &models.MembershipLog{
		ID:           tool.GenerateUUIDV7(),
		MembershipID: m.ID,
		UserID:       m.UserID,
		Reason:       reason,
		Before:       datatypes.NewJSONType(before),
		After:        datatypes.NewJSONType(m),
		Extra:        datatypes.JSONMap(extra),
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to save membership log: %w", err)
	}
	logctx.FromCtx(ctx, s.log).Infow("membership_changed",
		"membership_id", m.ID, "user_id", m.UserID, "reason", reason,
		"status", m.Status, "period_end", m.CurrentPeriodEnd, "version", m.Version)
	return nil
}

func (s *Service) gateway(provider types.PaymentProvider) (payment.Gateway, error) {
	if s.payments == nil {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "no payment gateways configured")
	}
	return s.payments.Get(provider)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Second)
}

var Module = fx.Options(
	fx.Provide(New),
)
