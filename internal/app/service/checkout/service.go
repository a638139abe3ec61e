// Package checkout runs membership checkouts: it opens a provider checkout
// for a plan and an email, and finalizes it into a user and an active
// membership exactly once.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/app/service/catalog"
	"github.com/fatflowers/memberledger/internal/app/service/membership"
	"github.com/fatflowers/memberledger/internal/app/service/notify"
	"github.com/fatflowers/memberledger/internal/app/service/user"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/tool"
	"github.com/fatflowers/memberledger/pkg/types"
)

const defaultSessionTTL = 24 * time.Hour

type Service struct {
	cfg        *config.Config
	db         *gorm.DB
	catalog    *catalog.Service
	membership *membership.Service
	payments   *payment.Registry
	notifier   notify.Notifier
	audit      audit.Sink
	log        *zap.SugaredLogger
	now        func() time.Time
}

func New(cfg *config.Config, db *gorm.DB, cat *catalog.Service, ms *membership.Service, payments *payment.Registry, notifier notify.Notifier, sink audit.Sink, log *zap.SugaredLogger) *Service {
	return &Service{
		cfg:        cfg,
		db:         db,
		catalog:    cat,
		membership: ms,
		payments:   payments,
		notifier:   notifier,
		audit:      sink,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type MembershipCheckoutInput struct {
	PlanCode types.PlanCode        `json:"plan_code" binding:"required"`
	Email    string                `json:"email" binding:"required,email"`
	Provider types.PaymentProvider `json:"provider" binding:"required,oneof=stripe paypal"`
}

type Created struct {
	SessionID         string    `json:"session_id"`
	ProviderSessionID string    `json:"provider_session_id"`
	RedirectURL       string    `json:"redirect_url"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// CreateMembership opens a provider subscription checkout. The local session
// row is written first under a placeholder provider id, then patched with
// the provider's id, so a crash in between leaves a dead CREATED row only.
func (s *Service) CreateMembership(ctx context.Context, in *MembershipCheckoutInput) (*Created, error) {
	email := user.NormalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "invalid email")
	}
	plan, err := s.catalog.PlanByCode(ctx, nil, in.PlanCode)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, apperr.Validation(apperr.CodeInvalidPlan, "plan %s is not available", plan.Code)
	}
	providerPlanID := plan.ProviderPlanID(in.Provider)
	if providerPlanID == "" {
		return nil, apperr.Validation(apperr.CodeInvalidPlan, "plan %s is not offered through %s", plan.Code, in.Provider)
	}
	gw, err := s.payments.Get(in.Provider)
	if err != nil {
		return nil, err
	}

	ttl := s.cfg.Checkout.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	sess := &models.CheckoutSession{
		ID:       tool.GenerateUUIDV7(),
		Kind:     types.CheckoutSessionKindMembership,
		PlanID:   plan.ID,
		Email:    email,
		Provider: in.Provider,
		Status:   types.CheckoutSessionStatusCreated,
	}
	sess.ProviderSessionID = "pending-" + sess.ID
	sess.ExpiresAt = s.now().Add(ttl).Truncate(time.Second)
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	res, err := gw.CreateSubscriptionCheckout(ctx, &payment.SubscriptionCheckoutRequest{
		SessionRef:     sess.ID,
		Email:          email,
		ProviderPlanID: providerPlanID,
		PlanName:       plan.Name,
		PriceCents:     plan.PriceCents,
		Currency:       plan.Currency,
		SuccessURL:     s.cfg.Checkout.SuccessURL,
		CancelURL:      s.cfg.Checkout.CancelURL,
	})
	if err != nil {
		if uerr := s.db.WithContext(ctx).Model(sess).Update("status", types.CheckoutSessionStatusExpired).Error; uerr != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to expire checkout session %s: %v", sess.ID, uerr)
		}
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(sess).Update("provider_session_id", res.ProviderSessionID).Error; err != nil {
		return nil, fmt.Errorf("failed to store provider session id: %w", err)
	}

	logctx.FromCtx(ctx, s.log).Infow("membership_checkout_created",
		"session_id", sess.ID, "provider", in.Provider, "provider_session_id", res.ProviderSessionID, "plan", plan.Code)
	s.audit.Record(ctx, &audit.Entry{
		Action:   audit.ActionCheckoutCreated,
		Entity:   "checkout_session",
		EntityID: sess.ID,
		Metadata: map[string]any{"plan": plan.Code, "provider": in.Provider},
	})
	return &Created{
		SessionID:         sess.ID,
		ProviderSessionID: res.ProviderSessionID,
		RedirectURL:       res.RedirectURL,
		ExpiresAt:         sess.ExpiresAt,
	}, nil
}

// Finalized is the outcome of finalizing a membership checkout.
type Finalized struct {
	Session          *models.CheckoutSession
	User             *models.User
	Membership       *models.Membership
	Plan             *models.MembershipPlan
	AlreadyFinalized bool
	UserCreated      bool

	transition *membership.Transition
}

// FinalizeMembership is the success-callback path: it checks the provider
// state, then finalizes. A session already PAID returns the stored result.
func (s *Service) FinalizeMembership(ctx context.Context, provider types.PaymentProvider, providerSessionID string) (*Finalized, error) {
	sess, err := s.session(ctx, s.db, provider, providerSessionID, false)
	if err != nil {
		return nil, err
	}
	if sess.Status == types.CheckoutSessionStatusPaid {
		return s.stored(ctx, sess)
	}
	if sess.Expired(s.now()) {
		return nil, apperr.Conflict(apperr.CodeSessionExpired, "checkout session expired")
	}
	gw, err := s.payments.Get(provider)
	if err != nil {
		return nil, err
	}
	st, err := gw.GetSubscriptionCheckout(ctx, providerSessionID)
	if err != nil {
		return nil, err
	}

	var out *Finalized
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.FinalizeTx(ctx, tx, provider, providerSessionID, st)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.AfterCommit(ctx, out)
	return out, nil
}

// FinalizeTx finalizes inside tx using an already fetched provider state.
// The session row is locked and its status is the single-writer guard.
func (s *Service) FinalizeTx(ctx context.Context, tx *gorm.DB, provider types.PaymentProvider, providerSessionID string, st *payment.SubscriptionState) (*Finalized, error) {
	sess, err := s.session(ctx, tx, provider, providerSessionID, true)
	if err != nil {
		return nil, err
	}
	if sess.Status == types.CheckoutSessionStatusPaid {
		return s.storedTx(ctx, tx, sess)
	}
	if sess.Expired(s.now()) {
		return nil, apperr.Conflict(apperr.CodeSessionExpired, "checkout session expired")
	}
	if st == nil || !st.Paid || st.ProviderSubID == "" {
		return nil, apperr.Conflict(apperr.CodeNotPaid, "checkout is not paid yet")
	}

	u, created, err := user.FindOrCreateByEmail(ctx, tx, sess.Email)
	if err != nil {
		return nil, err
	}
	if u.Disabled {
		return nil, apperr.Forbidden(apperr.CodeUserDisabled, "user is disabled")
	}
	if st.Email != "" && user.NormalizeEmail(st.Email) != sess.Email {
		logctx.FromCtx(ctx, s.log).Warnw("checkout email differs from provider email", "session_id", sess.ID)
	}
	plan, err := s.catalog.PlanByID(ctx, tx, sess.PlanID)
	if err != nil {
		return nil, err
	}
	tr, err := s.membership.Activate(ctx, tx, u.ID, plan, provider, st)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res := tx.WithContext(ctx).Model(&models.CheckoutSession{}).
		Where("id = ? AND status = ?", sess.ID, types.CheckoutSessionStatusCreated).
		Updates(map[string]any{
			"status":  types.CheckoutSessionStatusPaid,
			"user_id": u.ID,
			"paid_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to mark checkout session paid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.ErrConcurrentUpdate
	}
	sess.Status = types.CheckoutSessionStatusPaid
	sess.UserID = lo.ToPtr(u.ID)
	sess.PaidAt = lo.ToPtr(now)

	return &Finalized{Session: sess, User: u, Membership: tr.Membership, Plan: plan, UserCreated: created, transition: tr}, nil
}

// AfterCommit runs the best-effort side effects of a fresh finalize.
func (s *Service) AfterCommit(ctx context.Context, f *Finalized) {
	if f == nil || f.AlreadyFinalized {
		return
	}
	s.membership.Committed(ctx, f.transition)
	s.audit.Record(ctx, &audit.Entry{
		ActorUserID: f.User.ID,
		Action:      audit.ActionCheckoutFinalized,
		Entity:      "checkout_session",
		EntityID:    f.Session.ID,
		Metadata:    map[string]any{"provider_sub_id": f.Membership.ProviderSubID, "user_created": f.UserCreated},
	})
	s.notifier.MembershipActivated(ctx, f.User, f.Plan)
}

// HasSession reports whether a provider id belongs to a local checkout.
func (s *Service) HasSession(ctx context.Context, tx *gorm.DB, provider types.PaymentProvider, providerSessionID string) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&models.CheckoutSession{}).
		Where("provider = ? AND provider_session_id = ?", provider, providerSessionID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up checkout session: %w", err)
	}
	return count > 0, nil
}

func (s *Service) session(ctx context.Context, db *gorm.DB, provider types.PaymentProvider, providerSessionID string, lock bool) (*models.CheckoutSession, error) {
	if providerSessionID == "" {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "session id is required")
	}
	q := db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var sess models.CheckoutSession
	err := q.Where("provider = ? AND provider_session_id = ?", provider, providerSessionID).First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("checkout session not found")
		}
		return nil, fmt.Errorf("failed to get checkout session: %w", err)
	}
	return &sess, nil
}

func (s *Service) stored(ctx context.Context, sess *models.CheckoutSession) (*Finalized, error) {
	return s.storedTx(ctx, s.db, sess)
}

func (s *Service) storedTx(ctx context.Context, db *gorm.DB, sess *models.CheckoutSession) (*Finalized, error) {
	if sess.UserID == nil {
		return nil, fmt.Errorf("paid checkout session %s has no user", sess.ID)
	}
	var u models.User
	if err := db.WithContext(ctx).First(&u, "id = ?", *sess.UserID).Error; err != nil {
		return nil, fmt.Errorf("failed to load checkout user: %w", err)
	}
	if u.Disabled {
		return nil, apperr.Forbidden(apperr.CodeUserDisabled, "user is disabled")
	}
	var m models.Membership
	if err := db.WithContext(ctx).First(&m, "user_id = ?", u.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}
	plan, err := s.catalog.PlanByID(ctx, db, m.PlanID)
	if err != nil {
		return nil, err
	}
	return &Finalized{Session: sess, User: &u, Membership: &m, Plan: plan, AlreadyFinalized: true}, nil
}

var Module = fx.Options(
	fx.Provide(New),
)
