package types

import "strings"

type MembershipStatus string

const (
	MembershipStatusActive   MembershipStatus = "ACTIVE"
	MembershipStatusPastDue  MembershipStatus = "PAST_DUE"
	MembershipStatusCanceled MembershipStatus = "CANCELED"
	MembershipStatusExpired  MembershipStatus = "EXPIRED"
)

type PlanCode string

const (
	PlanCodeAccesso PlanCode = "ACCESSO"
	PlanCodeTutela  PlanCode = "TUTELA"
)

func (c PlanCode) Valid() bool {
	return c == PlanCodeAccesso || c == PlanCodeTutela
}

type PointsPolicy string

const (
	PointsPolicyNone  PointsPolicy = "NONE"
	PointsPolicyFixed PointsPolicy = "FIXED"
)

// Canonical provider subscription statuses. Provider parsers normalize their
// own vocabulary onto these before the membership state machine sees them.
const (
	ProviderStatusActive    = "active"
	ProviderStatusPaid      = "paid"
	ProviderStatusSuspended = "suspended"
	ProviderStatusCancelled = "cancelled"
	ProviderStatusExpired   = "expired"
	// ProviderStatusPending marks subscriptions still awaiting buyer approval.
	ProviderStatusPending = "pending"
)

// MembershipStatusFromProvider maps a provider subscription status onto a
// local membership status. Anything unmapped is treated as expired.
func MembershipStatusFromProvider(status string) MembershipStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case ProviderStatusActive, ProviderStatusPaid:
		return MembershipStatusActive
	case ProviderStatusSuspended:
		return MembershipStatusPastDue
	case ProviderStatusCancelled:
		return MembershipStatusCanceled
	default:
		return MembershipStatusExpired
	}
}

type MembershipChangeReason string

const (
	MembershipChangeReasonActivate    MembershipChangeReason = "activate"
	MembershipChangeReasonRenewal     MembershipChangeReason = "renewal"
	MembershipChangeReasonStatus      MembershipChangeReason = "status"
	MembershipChangeReasonPlanChange  MembershipChangeReason = "plan_change"
	MembershipChangeReasonCancel      MembershipChangeReason = "cancel"
	MembershipChangeReasonCancelRenew MembershipChangeReason = "cancel_renew"
	MembershipChangeReasonResume      MembershipChangeReason = "resume"
)

type CancelMode string

const (
	CancelModeImmediate CancelMode = "immediate"
	CancelModePeriodEnd CancelMode = "period_end"
)
