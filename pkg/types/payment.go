package types

import "strings"

type PaymentProvider string

const (
	PaymentProviderStripe PaymentProvider = "stripe"
	PaymentProviderPayPal PaymentProvider = "paypal"
)

func (p PaymentProvider) Valid() bool {
	return p == PaymentProviderStripe || p == PaymentProviderPayPal
}

// ParsePaymentProvider accepts the provider name case-insensitively.
func ParsePaymentProvider(s string) (PaymentProvider, bool) {
	p := PaymentProvider(strings.ToLower(strings.TrimSpace(s)))
	return p, p.Valid()
}

type OrderStatus string

const (
	OrderStatusCreated  OrderStatus = "CREATED"
	OrderStatusPaid     OrderStatus = "PAID"
	OrderStatusRefunded OrderStatus = "REFUNDED"
	OrderStatusCanceled OrderStatus = "CANCELED"
)

// orderTransitions lists the only forward moves an order may make.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated: {OrderStatusPaid, OrderStatusCanceled},
	OrderStatusPaid:    {OrderStatusRefunded},
}

// CanTransition reports whether an order may move from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type PaidWith string

const (
	PaidWithMoney  PaidWith = "MONEY"
	PaidWithPoints PaidWith = "POINTS"
)

type CheckoutSessionKind string

const (
	CheckoutSessionKindMembership CheckoutSessionKind = "MEMBERSHIP"
)

type CheckoutSessionStatus string

const (
	CheckoutSessionStatusCreated CheckoutSessionStatus = "CREATED"
	CheckoutSessionStatusPaid    CheckoutSessionStatus = "PAID"
	CheckoutSessionStatusExpired CheckoutSessionStatus = "EXPIRED"
)

type ProductStatus string

const (
	ProductStatusPending  ProductStatus = "PENDING"
	ProductStatusApproved ProductStatus = "APPROVED"
	ProductStatusRejected ProductStatus = "REJECTED"
)
