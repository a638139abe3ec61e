package webhook

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/app/service/catalog/catalogtest"
	"github.com/fatflowers/memberledger/internal/app/service/checkout"
	"github.com/fatflowers/memberledger/internal/app/service/membership"
	"github.com/fatflowers/memberledger/internal/app/service/notify"
	"github.com/fatflowers/memberledger/internal/app/service/order"
	"github.com/fatflowers/memberledger/internal/app/service/points"
	"github.com/fatflowers/memberledger/internal/app/service/user"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/internal/platform/db/dbtest"
	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/internal/platform/payment/paymenttest"
	"github.com/fatflowers/memberledger/internal/platform/paypal"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/types"
)

const testSecret = "whsec_test"

type fakeVerifier struct{ err error }

func (v fakeVerifier) VerifyWebhook(context.Context, paypal.Transmission, []byte) error { return v.err }

type fixture struct {
	db         *gorm.DB
	svc        *Service
	points     *points.Service
	membership *membership.Service
	checkout   *checkout.Service
	orders     *order.Service
	plans      map[types.PlanCode]*models.MembershipPlan
	stripe     *paymenttest.Gateway
	paypal     *paymenttest.Gateway
	verifier   *fakeVerifier
	notifier   *notify.Recorder
	sink       *audit.Memory
	t0         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	log := zap.NewNop().Sugar()
	sink := &audit.Memory{}
	cat, plans := catalogtest.New(t, db, sink)
	pts := points.New(db, log)
	sgw := paymenttest.New(types.PaymentProviderStripe)
	pgw := paymenttest.New(types.PaymentProviderPayPal)
	reg := payment.NewRegistry(sgw, pgw)
	ms := membership.New(db, cat, pts, reg, sink, log)
	rec := &notify.Recorder{}
	cfg := &config.Config{Checkout: config.CheckoutConfig{SessionTTL: time.Hour}}
	co := checkout.New(cfg, db, cat, ms, reg, rec, sink, log)
	orders := order.New(cfg, db, cat, ms, pts, reg, rec, sink, log)
	verifier := &fakeVerifier{}

	svc := New(Params{
		DB:         db,
		Parsers:    []Parser{NewStripeParser(testSecret), NewPayPalParser(verifier)},
		Payments:   reg,
		Checkout:   co,
		Membership: ms,
		Orders:     orders,
		Log:        log,
	})
	return &fixture{
		db: db, svc: svc, points: pts, membership: ms, checkout: co, orders: orders, plans: plans,
		stripe: sgw, paypal: pgw, verifier: verifier, notifier: rec, sink: sink,
		t0: time.Now().UTC().Truncate(time.Second),
	}
}

func stripeEvent(t *testing.T, id, typ, object string) ([]byte, http.Header) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"api_version":"2025-03-31.basil","data":{"object":%s}}`, id, typ, object))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testSecret, Timestamp: time.Now()})
	h := http.Header{}
	h.Set("Stripe-Signature", signed.Header)
	return payload, h
}

func subscriptionObject(subID, status, price string, start, end time.Time) string {
	return fmt.Sprintf(`{"id":%q,"object":"subscription","status":%q,"items":{"object":"list","data":[{"id":"si_1","current_period_start":%d,"current_period_end":%d,"price":{"id":%q}}]}}`,
		subID, status, start.Unix(), end.Unix(), price)
}

// member activates a TUTELA membership on sub_1 for the first 28 days.
func (f *fixture) member(t *testing.T) *models.User {
	t.Helper()
	ctx := context.Background()
	u, _, err := user.FindOrCreateByEmail(ctx, f.db, "member@example.com")
	require.NoError(t, err)
	var tr *membership.Transition
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		tr, err = f.membership.Activate(ctx, tx, u.ID, f.plans[types.PlanCodeTutela], types.PaymentProviderStripe, &payment.SubscriptionState{
			ProviderSubID: "sub_1", PeriodStart: f.t0, PeriodEnd: f.t0.AddDate(0, 0, 28),
		})
		return err
	}))
	f.membership.Committed(ctx, tr)
	return u
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := f.points.Balance(context.Background(), nil, userID)
	require.NoError(t, err)
	return b
}

func (f *fixture) event(t *testing.T, provider types.PaymentProvider, id string) *models.WebhookEvent {
	t.Helper()
	var ev models.WebhookEvent
	require.NoError(t, f.db.First(&ev, "provider = ? AND event_id = ?", provider, id).Error)
	return &ev
}

func TestHandle_RenewalAppliedOnceAcrossRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.member(t)
	require.EqualValues(t, 10, f.balance(t, u.ID))

	obj := subscriptionObject("sub_1", "active", "price_tutela", f.t0.AddDate(0, 0, 28), f.t0.AddDate(0, 0, 56))
	payload, h := stripeEvent(t, "evt_renew", "customer.subscription.updated", obj)

	res, err := f.svc.Handle(ctx, types.PaymentProviderStripe, payload, h)
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, OutcomeProcessed, res.Outcome)
	require.EqualValues(t, 20, f.balance(t, u.ID))

	res, err = f.svc.Handle(ctx, types.PaymentProviderStripe, payload, h)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.EqualValues(t, 20, f.balance(t, u.ID))

	// same period under a new event id is a status refresh, not a renewal
	payload, h = stripeEvent(t, "evt_refresh", "customer.subscription.updated", obj)
	_, err = f.svc.Handle(ctx, types.PaymentProviderStripe, payload, h)
	require.NoError(t, err)
	require.EqualValues(t, 20, f.balance(t, u.ID))

	m, err := f.membership.Get(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, m.CurrentPeriodEnd.Equal(f.t0.AddDate(0, 0, 56)))

	ev := f.event(t, types.PaymentProviderStripe, "evt_renew")
	require.NotNil(t, ev.ProcessedAt)
	require.Equal(t, 1, ev.Attempts)
	require.Nil(t, ev.LastError)
}

func TestHandle_BadSignatureIsNotRecorded(t *testing.T) {
	f := newFixture(t)
	payload, h := stripeEvent(t, "evt_1", "customer.subscription.updated", `{"id":"sub_1","object":"subscription"}`)
	h.Set("Stripe-Signature", "t=1,v1=deadbeef")

	_, err := f.svc.Handle(context.Background(), types.PaymentProviderStripe, payload, h)
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)

	var count int64
	require.NoError(t, f.db.Model(&models.WebhookEvent{}).Count(&count).Error)
	require.Zero(t, count)

	f.verifier.err = apperr.ErrInvalidSignature
	_, err = f.svc.Handle(context.Background(), types.PaymentProviderPayPal, []byte(`{"id":"WH-1"}`), http.Header{})
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)
}

func TestHandle_UnmatchedSubscriptionIsProcessed(t *testing.T) {
	f := newFixture(t)
	obj := subscriptionObject("sub_unknown", "active", "price_tutela", f.t0, f.t0.AddDate(0, 0, 28))
	payload, h := stripeEvent(t, "evt_orphan", "customer.subscription.updated", obj)

	res, err := f.svc.Handle(context.Background(), types.PaymentProviderStripe, payload, h)
	require.NoError(t, err)
	require.Equal(t, OutcomeUnmatched, res.Outcome)
	require.NotNil(t, f.event(t, types.PaymentProviderStripe, "evt_orphan").ProcessedAt)
	require.Equal(t, []string{audit.ActionWebhookUnmatched}, f.sink.Actions())
}

func TestHandle_IgnoredEventType(t *testing.T) {
	f := newFixture(t)
	payload, h := stripeEvent(t, "evt_inv", "invoice.created", `{"id":"in_1","object":"invoice"}`)

	res, err := f.svc.Handle(context.Background(), types.PaymentProviderStripe, payload, h)
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)
	require.NotNil(t, f.event(t, types.PaymentProviderStripe, "evt_inv").ProcessedAt)
}

func TestHandle_CheckoutCompletedFinalizesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.checkout.CreateMembership(ctx, &checkout.MembershipCheckoutInput{
		PlanCode: types.PlanCodeTutela, Email: "buyer@example.com", Provider: types.PaymentProviderStripe,
	})
	require.NoError(t, err)
	f.stripe.SetSubscription(&payment.SubscriptionState{
		ProviderSessionID: c.ProviderSessionID,
		ProviderSubID:     "sub_9",
		ProviderPlanID:    "price_tutela",
		Status:            types.ProviderStatusActive,
		Paid:              true,
		PeriodStart:       f.t0,
		PeriodEnd:         f.t0.AddDate(0, 0, 28),
	}, c.ProviderSessionID)

	obj := fmt.Sprintf(`{"id":%q,"object":"checkout.session","mode":"subscription","status":"complete","payment_status":"paid"}`, c.ProviderSessionID)
	payload, h := stripeEvent(t, "evt_cs", "checkout.session.completed", obj)

	res, err := f.svc.Handle(ctx, types.PaymentProviderStripe, payload, h)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, res.Outcome)

	// the success redirect arriving afterwards sees the stored result
	fin, err := f.checkout.FinalizeMembership(ctx, types.PaymentProviderStripe, c.ProviderSessionID)
	require.NoError(t, err)
	require.True(t, fin.AlreadyFinalized)
	require.EqualValues(t, 10, f.balance(t, fin.User.ID))

	res, err = f.svc.Handle(ctx, types.PaymentProviderStripe, payload, h)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Len(t, f.notifier.Events(), 1)
}

func TestHandle_OrderPaidAndRetryAfterProviderFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, _, err := user.FindOrCreateByEmail(ctx, f.db, "buyer@example.com")
	require.NoError(t, err)
	p := catalogtest.Product(t, f.db, nil)
	created, err := f.orders.CreateMoneyOrder(ctx, u.ID, &order.CreateInput{ProductID: p.ID, Qty: 1, Provider: types.PaymentProviderStripe})
	require.NoError(t, err)
	payID := *created.Order.ProviderPaymentID

	obj := fmt.Sprintf(`{"id":%q,"object":"checkout.session","mode":"payment","payment_status":"paid"}`, payID)
	payload, h := stripeEvent(t, "evt_pay", "checkout.session.completed", obj)

	f.stripe.FailConfirm = true
	_, err = f.svc.Handle(ctx, types.PaymentProviderStripe, payload, h)
	require.ErrorIs(t, err, apperr.ErrProviderError)
	ev := f.event(t, types.PaymentProviderStripe, "evt_pay")
	require.Nil(t, ev.ProcessedAt)
	require.Equal(t, 1, ev.Attempts)
	require.NotNil(t, ev.LastError)

	f.stripe.FailConfirm = false
	res, err := f.svc.Handle(ctx, types.PaymentProviderStripe, payload, h)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, res.Outcome)
	ev = f.event(t, types.PaymentProviderStripe, "evt_pay")
	require.NotNil(t, ev.ProcessedAt)
	require.Equal(t, 2, ev.Attempts)
	require.Nil(t, ev.LastError)

	got, err := f.orders.Get(ctx, u.ID, created.Order.ID)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusPaid, got.Status)
	require.Equal(t, []string{"order_paid:" + created.Order.ID}, f.notifier.Events())
}

func TestHandle_PermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	obj := `{"id":"cs_nobody","object":"checkout.session","mode":"payment","payment_status":"paid"}`
	payload, h := stripeEvent(t, "evt_lost", "checkout.session.completed", obj)

	res, err := f.svc.Handle(ctx, types.PaymentProviderStripe, payload, h)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	ev := f.event(t, types.PaymentProviderStripe, "evt_lost")
	require.NotNil(t, ev.ProcessedAt)
	require.NotNil(t, ev.LastError)

	res, err = f.svc.Handle(ctx, types.PaymentProviderStripe, payload, h)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
}

func TestHandle_PayPalSaleRefetchesSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, _, err := user.FindOrCreateByEmail(ctx, f.db, "pp@example.com")
	require.NoError(t, err)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.membership.Activate(ctx, tx, u.ID, f.plans[types.PlanCodeTutela], types.PaymentProviderPayPal, &payment.SubscriptionState{
			ProviderSubID: "I-SUB", PeriodStart: f.t0, PeriodEnd: f.t0.AddDate(0, 0, 28),
		})
		return err
	}))
	f.paypal.SetSubscription(&payment.SubscriptionState{
		ProviderSubID:  "I-SUB",
		ProviderPlanID: "P-TUTELA",
		Status:         types.ProviderStatusActive,
		PeriodStart:    f.t0.AddDate(0, 0, 28),
		PeriodEnd:      f.t0.AddDate(0, 0, 56),
	}, "I-SUB")

	payload := []byte(`{"id":"WH-SALE-1","event_type":"PAYMENT.SALE.COMPLETED","resource":{"id":"SALE-1","billing_agreement_id":"I-SUB"}}`)
	res, err := f.svc.Handle(ctx, types.PaymentProviderPayPal, payload, http.Header{})
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, res.Outcome)
	require.EqualValues(t, 20, f.balance(t, u.ID))
}

func TestEnvelope_Validate(t *testing.T) {
	ok := &Envelope{Provider: types.PaymentProviderStripe, EventID: "evt", Type: "x", Kind: KindIgnored, Payload: []byte("{}")}
	require.NoError(t, ok.Validate())

	missingSub := *ok
	missingSub.Kind = KindSubscription
	require.Equal(t, apperr.CodeInvalidPayload, apperr.From(missingSub.Validate()).Code)

	badStatus := *ok
	badStatus.Kind = KindSubscription
	badStatus.Subscription = &payment.SubscriptionState{ProviderSubID: "sub", Status: "weird"}
	require.Error(t, badStatus.Validate())

	noPayment := *ok
	noPayment.Kind = KindOrderPaid
	require.Error(t, noPayment.Validate())

	noID := *ok
	noID.EventID = ""
	require.Error(t, noID.Validate())
}
