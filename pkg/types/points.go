package types

// PointValueCents is the display/conversion value of one point in minor
// currency units. It is never used as an authoritative price.
const PointValueCents int64 = 100

type PointsReason string

const (
	PointsReasonRenewal    PointsReason = "RENEWAL"
	PointsReasonSpend      PointsReason = "SPEND"
	PointsReasonRefund     PointsReason = "REFUND"
	PointsReasonAdjustment PointsReason = "ADJUSTMENT"
)

type RefType string

const (
	RefTypeMembership RefType = "MEMBERSHIP"
	RefTypeOrder      RefType = "ORDER"
	RefTypeAdmin      RefType = "ADMIN"
)
