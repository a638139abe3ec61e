package models

// All returns every table owned by the ledger store, in migration order.
func All() []interface{} {
	return []interface{}{
		&User{},
		&MembershipPlan{},
		&Membership{},
		&MembershipLog{},
		&CheckoutSession{},
		&WebhookEvent{},
		&PointsLedgerEntry{},
		&Product{},
		&Order{},
		&OrderItem{},
		&AuditLog{},
	}
}
