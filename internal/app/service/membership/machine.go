package membership

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/tool"
	"github.com/fatflowers/memberledger/pkg/types"
)

// Transition describes what one state application did.
type Transition struct {
	Membership *models.Membership
	Plan       *models.MembershipPlan
	Reason     types.MembershipChangeReason
	// Changed is false when the event was stale or repeated.
	Changed bool
	// Unmatched is set when no local membership owns the subscription.
	Unmatched     bool
	PointsAwarded int64
	// audit entries are held back until the transaction commits
	audit []*audit.Entry
}

// Committed records the audit trail of t. Call it after the transaction
// that produced t has committed.
func (s *Service) Committed(ctx context.Context, t *Transition) {
	if t == nil {
		return
	}
	for _, e := range t.audit {
		s.audit.Record(ctx, e)
	}
}

// Activate starts the membership of userID from a paid subscription checkout.
// A user who already has a membership on another subscription is reset onto
// the new one; the same subscription id is a no-op.
func (s *Service) Activate(ctx context.Context, tx *gorm.DB, userID string, plan *models.MembershipPlan, provider types.PaymentProvider, st *payment.SubscriptionState) (*Transition, error) {
	if st.ProviderSubID == "" {
		return nil, apperr.Validation(apperr.CodeInvalidPayload, "subscription id missing")
	}
	current, err := s.byUser(ctx, tx, userID, true)
	if err != nil {
		return nil, err
	}
	if current != nil && current.ProviderSubID == st.ProviderSubID {
		return &Transition{Membership: current, Plan: plan, Reason: types.MembershipChangeReasonActivate}, nil
	}

	now := s.now()
	start, end := normalizeTime(st.PeriodStart), normalizeTime(st.PeriodEnd)
	if start.IsZero() {
		start = now.Truncate(time.Second)
	}
	if !end.After(start) {
		end = start.AddDate(0, 0, plan.PeriodDays)
	}

	m := &models.Membership{
		ID:                 tool.GenerateUUIDV7(),
		UserID:             userID,
		PlanID:             plan.ID,
		Status:             types.MembershipStatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		AutoRenew:          true,
		Provider:           provider,
		ProviderSubID:      st.ProviderSubID,
	}
	var before *models.Membership
	if current != nil {
		cp := *current
		before = &cp
		m.ID = current.ID
		m.CreatedAt = current.CreatedAt
	}
	if err := s.save(ctx, tx, before, m, types.MembershipChangeReasonActivate, map[string]any{
		"provider_session_id": st.ProviderSessionID,
	}); err != nil {
		return nil, err
	}

	// the first paid period earns the same points as a renewal
	awarded, err := s.award(ctx, tx, m, plan)
	if err != nil {
		return nil, err
	}
	return &Transition{
		Membership: m, Plan: plan, Reason: types.MembershipChangeReasonActivate, Changed: true, PointsAwarded: awarded,
		audit: []*audit.Entry{{
			ActorUserID: userID,
			Action:      audit.ActionMembershipActivated,
			Entity:      "membership",
			EntityID:    m.ID,
			Metadata:    map[string]any{"plan": plan.Code, "provider": provider, "provider_sub_id": st.ProviderSubID, "points": awarded},
		}},
	}, nil
}

// ApplyProviderState reconciles a provider subscription snapshot onto the
// local membership. It never moves the period end backwards and awards
// points only when the period end advances.
func (s *Service) ApplyProviderState(ctx context.Context, tx *gorm.DB, provider types.PaymentProvider, st *payment.SubscriptionState, eventID string) (*Transition, error) {
	log := logctx.FromCtx(ctx, s.log)
	m, err := s.bySubID(ctx, tx, st.ProviderSubID, true)
	if err != nil {
		return nil, err
	}
	if m == nil {
		log.Warnw("webhook_unmatched_subscription", "provider", provider, "provider_sub_id", st.ProviderSubID, "event_id", eventID)
		return &Transition{Unmatched: true, audit: []*audit.Entry{{
			Action:   audit.ActionWebhookUnmatched,
			Entity:   "subscription",
			EntityID: st.ProviderSubID,
			Metadata: map[string]any{"provider": provider, "event_id": eventID, "status": st.Status},
		}}}, nil
	}

	if m, err = s.expireLapsed(ctx, tx, m); err != nil {
		return nil, err
	}
	plan, err := s.catalog.PlanByID(ctx, tx, m.PlanID)
	if err != nil {
		return nil, err
	}
	// a stale snapshot from an earlier period never wins, whatever plan it names
	if end := normalizeTime(st.PeriodEnd); !end.IsZero() && end.Before(m.CurrentPeriodEnd) {
		return &Transition{Membership: m, Plan: plan, Reason: types.MembershipChangeReasonStatus}, nil
	}
	if st.ProviderPlanID != "" && st.ProviderPlanID != plan.ProviderPlanID(provider) {
		next, err := s.catalog.PlanByProviderPlanID(ctx, tx, provider, st.ProviderPlanID)
		switch {
		case err == nil:
			return s.changePlan(ctx, tx, m, next, st, map[string]any{"event_id": eventID})
		case errors.Is(err, &apperr.Error{Code: apperr.CodeInvalidPlan}):
			log.Warnw("unknown provider plan, keeping current plan", "provider_plan_id", st.ProviderPlanID, "membership_id", m.ID)
		default:
			return nil, err
		}
	}
	return s.applyStatus(ctx, tx, m, plan, st, map[string]any{"event_id": eventID, "provider_status": st.Status})
}

func (s *Service) applyStatus(ctx context.Context, tx *gorm.DB, m *models.Membership, plan *models.MembershipPlan, st *payment.SubscriptionState, extra map[string]any) (*Transition, error) {
	unchanged := &Transition{Membership: m, Plan: plan, Reason: types.MembershipChangeReasonStatus}
	if st.Status == types.ProviderStatusPending {
		return unchanged, nil
	}

	now := s.now()
	next := types.MembershipStatusFromProvider(st.Status)
	end := normalizeTime(st.PeriodEnd)
	before := *m
	after := *m

	// canceled is terminal for a subscription; only expiry may follow
	if m.Status == types.MembershipStatusCanceled && next != types.MembershipStatusExpired {
		return unchanged, nil
	}
	// an expired membership only comes back with a new paid period
	if m.Status == types.MembershipStatusExpired && (next != types.MembershipStatusActive || !end.After(m.CurrentPeriodEnd)) {
		return unchanged, nil
	}

	reason := types.MembershipChangeReasonStatus
	renewed := false
	switch next {
	case types.MembershipStatusActive:
		if end.After(m.CurrentPeriodEnd) {
			renewed = true
			reason = types.MembershipChangeReasonRenewal
			after.CurrentPeriodEnd = end
			if start := normalizeTime(st.PeriodStart); !start.IsZero() {
				after.CurrentPeriodStart = start
			}
			if m.Status == types.MembershipStatusExpired {
				after.AutoRenew = true
				after.CanceledAt = nil
			}
		}
		after.Status = types.MembershipStatusActive
	case types.MembershipStatusPastDue, types.MembershipStatusCanceled:
		if !m.AutoRenew && m.CurrentPeriodEnd.After(now) && m.Status == types.MembershipStatusActive {
			// cancellation scheduled for period end: keep access until then
			if next == types.MembershipStatusCanceled && after.CanceledAt == nil {
				after.CanceledAt = lo.ToPtr(now)
			} else {
				return unchanged, nil
			}
		} else {
			after.Status = next
			if next == types.MembershipStatusCanceled {
				after.AutoRenew = false
				if after.CanceledAt == nil {
					after.CanceledAt = lo.ToPtr(now)
				}
			}
		}
	default:
		after.Status = types.MembershipStatusExpired
		after.AutoRenew = false
	}

	if !renewed && after.Status == before.Status && equalTimePtr(after.CanceledAt, before.CanceledAt) && after.AutoRenew == before.AutoRenew {
		return unchanged, nil
	}
	if err := s.save(ctx, tx, &before, &after, reason, extra); err != nil {
		return nil, err
	}

	t := &Transition{Membership: &after, Plan: plan, Reason: reason, Changed: true}
	action := audit.ActionMembershipStatus
	if renewed {
		action = audit.ActionMembershipRenewed
		awarded, err := s.award(ctx, tx, &after, plan)
		if err != nil {
			return nil, err
		}
		t.PointsAwarded = awarded
	}
	t.audit = append(t.audit, &audit.Entry{
		Action:   action,
		Entity:   "membership",
		EntityID: after.ID,
		Metadata: map[string]any{"from": before.Status, "to": after.Status, "period_end": after.CurrentPeriodEnd, "points": t.PointsAwarded},
	})
	return t, nil
}

// changePlan moves the membership onto plan. The period end only ever moves
// forward; when it does for an active subscription the change is also a
// renewal and earns the new plan's points.
func (s *Service) changePlan(ctx context.Context, tx *gorm.DB, m *models.Membership, plan *models.MembershipPlan, st *payment.SubscriptionState, extra map[string]any) (*Transition, error) {
	before := *m
	after := *m
	after.PlanID = plan.ID

	next := types.MembershipStatusFromProvider(st.Status)
	end := normalizeTime(st.PeriodEnd)
	advances := end.After(m.CurrentPeriodEnd)
	switch {
	case st.Status == types.ProviderStatusPending, m.Status == types.MembershipStatusCanceled:
	case m.Status == types.MembershipStatusExpired:
		if next == types.MembershipStatusActive && advances {
			after.Status = next
			after.AutoRenew = true
			after.CanceledAt = nil
		}
	default:
		after.Status = next
	}
	renewed := false
	if advances {
		after.CurrentPeriodEnd = end
		if start := normalizeTime(st.PeriodStart); !start.IsZero() {
			after.CurrentPeriodStart = start
		}
		renewed = after.Status == types.MembershipStatusActive
	}

	reason := types.MembershipChangeReasonPlanChange
	if renewed {
		reason = types.MembershipChangeReasonRenewal
		extra = lo.Assign(extra, map[string]any{"from_plan": before.PlanID, "to_plan": plan.ID})
	}
	if err := s.save(ctx, tx, &before, &after, reason, extra); err != nil {
		return nil, err
	}

	t := &Transition{
		Membership: &after, Plan: plan, Reason: reason, Changed: true,
		audit: []*audit.Entry{{
			Action:   audit.ActionMembershipPlanChange,
			Entity:   "membership",
			EntityID: after.ID,
			Metadata: map[string]any{"from_plan": before.PlanID, "to_plan": plan.ID, "period_end": after.CurrentPeriodEnd},
		}},
	}
	if renewed {
		awarded, err := s.award(ctx, tx, &after, plan)
		if err != nil {
			return nil, err
		}
		t.PointsAwarded = awarded
		t.audit = append(t.audit, &audit.Entry{
			Action:   audit.ActionMembershipRenewed,
			Entity:   "membership",
			EntityID: after.ID,
			Metadata: map[string]any{"from": before.Status, "to": after.Status, "period_end": after.CurrentPeriodEnd, "points": awarded},
		})
	}
	return t, nil
}

func (s *Service) award(ctx context.Context, tx *gorm.DB, m *models.Membership, plan *models.MembershipPlan) (int64, error) {
	e, err := s.points.Award(ctx, tx, m.UserID, plan.RenewalPoints(), types.PointsReasonRenewal, types.RefTypeMembership, m.ID)
	if err != nil || e == nil {
		return 0, err
	}
	return e.Delta, nil
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
