package membership

import (
	"context"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/types"
)

// Cancel stops the user's membership. Immediate cancellation ends access
// now; period_end only turns auto-renew off. The status flips on the
// provider's expiry event, or on the first read or write after the period
// ends when the provider sends none. The provider is called first so a
// provider failure leaves local state untouched.
func (s *Service) Cancel(ctx context.Context, userID string, mode types.CancelMode) (*models.Membership, error) {
	if mode != types.CancelModeImmediate && mode != types.CancelModePeriodEnd {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "unknown cancel mode %q", mode)
	}
	m, err := s.byUser(ctx, s.db, userID, false)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errNoMembership()
	}
	if m.Status == types.MembershipStatusCanceled || m.Status == types.MembershipStatusExpired {
		return nil, apperr.Conflict(apperr.CodeInvalidTransition, "membership is %s", m.Status)
	}
	if mode == types.CancelModePeriodEnd && !m.AutoRenew {
		return m, nil
	}

	gw, err := s.gateway(m.Provider)
	if err != nil {
		return nil, err
	}
	if err := gw.CancelSubscription(ctx, m.ProviderSubID, mode == types.CancelModePeriodEnd); err != nil {
		return nil, err
	}

	reason := types.MembershipChangeReasonCancel
	if mode == types.CancelModePeriodEnd {
		reason = types.MembershipChangeReasonCancelRenew
	}
	var out *models.Membership
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.byUser(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		if current == nil || current.ID != m.ID {
			return apperr.ErrConcurrentUpdate
		}
		after := *current
		after.AutoRenew = false
		if mode == types.CancelModeImmediate {
			now := s.now()
			after.Status = types.MembershipStatusCanceled
			after.CanceledAt = lo.ToPtr(now)
		}
		if err := s.save(ctx, tx, current, &after, reason, map[string]any{"mode": mode}); err != nil {
			return err
		}
		out = &after
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, &audit.Entry{
		ActorUserID: userID,
		Action:      audit.ActionMembershipCanceled,
		Entity:      "membership",
		EntityID:    out.ID,
		Metadata:    map[string]any{"mode": mode},
	})
	return out, nil
}

// Resume re-enables auto-renew after a scheduled cancellation. Calling it
// when auto-renew is already on is a no-op.
func (s *Service) Resume(ctx context.Context, userID string) (*models.Membership, error) {
	m, err := s.byUser(ctx, s.db, userID, false)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errNoMembership()
	}
	if m.AutoRenew {
		return m, nil
	}
	if m.Status == types.MembershipStatusCanceled || m.Status == types.MembershipStatusExpired || !m.CurrentPeriodEnd.After(s.now()) {
		return nil, apperr.Conflict(apperr.CodeInvalidTransition, "membership can no longer be resumed")
	}

	gw, err := s.gateway(m.Provider)
	if err != nil {
		return nil, err
	}
	if err := gw.ResumeSubscription(ctx, m.ProviderSubID); err != nil {
		return nil, err
	}

	var out *models.Membership
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.byUser(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		if current == nil || current.ID != m.ID {
			return apperr.ErrConcurrentUpdate
		}
		if current.AutoRenew {
			out = current
			return nil
		}
		after := *current
		after.AutoRenew = true
		after.CanceledAt = nil
		if err := s.save(ctx, tx, current, &after, types.MembershipChangeReasonResume, nil); err != nil {
			return err
		}
		out = &after
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, &audit.Entry{ActorUserID: userID, Action: audit.ActionMembershipResumed, Entity: "membership", EntityID: out.ID})
	return out, nil
}

// PlanChangeResult is returned by ChangePlan. ApproveURL is set when the
// provider needs buyer approval first; the plan then changes on the webhook.
type PlanChangeResult struct {
	Membership *models.Membership `json:"membership"`
	Pending    bool               `json:"pending"`
	ApproveURL string             `json:"approve_url,omitempty"`
}

// ChangePlan upgrades or downgrades a valid membership. Points are awarded
// only when the provider starts a new period with the change.
func (s *Service) ChangePlan(ctx context.Context, userID string, code types.PlanCode) (*PlanChangeResult, error) {
	plan, err := s.catalog.PlanByCode(ctx, nil, code)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, apperr.Validation(apperr.CodeInvalidPlan, "plan %s is not available", code)
	}
	m, err := s.byUser(ctx, s.db, userID, false)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errNoMembership()
	}
	if !m.Valid(s.now()) {
		return nil, apperr.Conflict(apperr.CodeInvalidTransition, "membership is not active")
	}
	if m.PlanID == plan.ID {
		return &PlanChangeResult{Membership: m}, nil
	}
	providerPlanID := plan.ProviderPlanID(m.Provider)
	if providerPlanID == "" {
		return nil, apperr.Validation(apperr.CodeInvalidPlan, "plan %s is not offered through %s", code, m.Provider)
	}

	gw, err := s.gateway(m.Provider)
	if err != nil {
		return nil, err
	}
	res, err := gw.ChangeSubscriptionPlan(ctx, m.ProviderSubID, providerPlanID)
	if err != nil {
		return nil, err
	}
	if res.Pending || res.State == nil {
		return &PlanChangeResult{Membership: m, Pending: true, ApproveURL: res.ApproveURL}, nil
	}

	var t *Transition
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.byUser(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		if current == nil || current.ID != m.ID {
			return apperr.ErrConcurrentUpdate
		}
		t, err = s.changePlan(ctx, tx, current, plan, res.State, map[string]any{"actor": userID})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Committed(ctx, t)
	return &PlanChangeResult{Membership: t.Membership}, nil
}
