package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/app/service/catalog/catalogtest"
	"github.com/fatflowers/memberledger/internal/app/service/membership"
	"github.com/fatflowers/memberledger/internal/app/service/notify"
	"github.com/fatflowers/memberledger/internal/app/service/points"
	"github.com/fatflowers/memberledger/internal/app/service/user"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/internal/platform/db/dbtest"
	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/internal/platform/payment/paymenttest"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/types"
)

type fixture struct {
	db         *gorm.DB
	svc        *Service
	points     *points.Service
	membership *membership.Service
	plans      map[types.PlanCode]*models.MembershipPlan
	gw         *paymenttest.Gateway
	notifier   *notify.Recorder
	userID     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	log := zap.NewNop().Sugar()
	sink := &audit.Memory{}
	cat, plans := catalogtest.New(t, db, sink)
	pts := points.New(db, log)
	gw := paymenttest.New(types.PaymentProviderStripe)
	reg := payment.NewRegistry(gw)
	ms := membership.New(db, cat, pts, reg, sink, log)
	rec := &notify.Recorder{}
	cfg := &config.Config{Checkout: config.CheckoutConfig{OrderSuccessURL: "https://shop.example/orders/done"}}
	u, _, err := user.FindOrCreateByEmail(context.Background(), db, "buyer@example.com")
	require.NoError(t, err)
	return &fixture{
		db:         db,
		svc:        New(cfg, db, cat, ms, pts, reg, rec, sink, log),
		points:     pts,
		membership: ms,
		plans:      plans,
		gw:         gw,
		notifier:   rec,
		userID:     u.ID,
	}
}

func (f *fixture) seedPoints(t *testing.T, n int64) {
	t.Helper()
	_, err := f.points.Award(context.Background(), f.db, f.userID, n, types.PointsReasonAdjustment, types.RefTypeAdmin, "seed")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.points.Balance(context.Background(), nil, f.userID)
	require.NoError(t, err)
	return b
}

func (f *fixture) stock(t *testing.T, productID string) int64 {
	t.Helper()
	var p models.Product
	require.NoError(t, f.db.First(&p, "id = ?", productID).Error)
	return p.Stock
}

func TestSpendPoints_InsufficientBalanceCreatesNothing(t *testing.T) {
	f := newFixture(t)
	p := catalogtest.Product(t, f.db, nil)
	f.seedPoints(t, 5)

	_, err := f.svc.SpendPoints(context.Background(), f.userID, &SpendInput{ProductID: p.ID, Qty: 2})
	require.ErrorIs(t, err, apperr.ErrInsufficientPoints)

	var count int64
	require.NoError(t, f.db.Model(&models.Order{}).Count(&count).Error)
	require.Zero(t, count)
	require.EqualValues(t, 5, f.balance(t))
	require.EqualValues(t, 10, f.stock(t, p.ID))
}

func TestSpendPoints_PaysAtomically(t *testing.T) {
	f := newFixture(t)
	p := catalogtest.Product(t, f.db, nil)
	f.seedPoints(t, 10)

	o, err := f.svc.SpendPoints(context.Background(), f.userID, &SpendInput{ProductID: p.ID, Qty: 2})
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusPaid, o.Status)
	require.Equal(t, types.PaidWithPoints, o.PaidWith)
	require.EqualValues(t, 6, o.PointsSpent)
	require.Zero(t, o.RefundCashCents())
	require.EqualValues(t, 4, f.balance(t))
	require.EqualValues(t, 8, f.stock(t, p.ID))
	require.Equal(t, []string{"order_paid:" + o.ID}, f.notifier.Events())
}

func TestSpendPoints_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPoints(t, 100)

	noPoints := catalogtest.Product(t, f.db, func(p *models.Product) { p.PointsPrice = 0 })
	_, err := f.svc.SpendPoints(ctx, f.userID, &SpendInput{ProductID: noPoints.ID, Qty: 1})
	require.Equal(t, apperr.CodeNotPointsEligible, apperr.From(err).Code)

	pending := catalogtest.Product(t, f.db, func(p *models.Product) { p.Status = types.ProductStatusPending })
	_, err = f.svc.SpendPoints(ctx, f.userID, &SpendInput{ProductID: pending.ID, Qty: 1})
	require.Equal(t, apperr.CodeProductUnavailable, apperr.From(err).Code)

	scarce := catalogtest.Product(t, f.db, func(p *models.Product) { p.Stock = 1 })
	_, err = f.svc.SpendPoints(ctx, f.userID, &SpendInput{ProductID: scarce.ID, Qty: 2})
	require.Equal(t, apperr.CodeOutOfStock, apperr.From(err).Code)

	premium := catalogtest.Product(t, f.db, func(p *models.Product) { p.PremiumOnly = true })
	_, err = f.svc.SpendPoints(ctx, f.userID, &SpendInput{ProductID: premium.ID, Qty: 1})
	require.Equal(t, apperr.CodePremiumRequired, apperr.From(err).Code)

	now := time.Now().UTC()
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.membership.Activate(ctx, tx, f.userID, f.plans[types.PlanCodeTutela], types.PaymentProviderStripe,
			&payment.SubscriptionState{ProviderSubID: "sub_1", PeriodStart: now, PeriodEnd: now.AddDate(0, 0, 28)})
		return err
	}))
	_, err = f.svc.SpendPoints(ctx, f.userID, &SpendInput{ProductID: premium.ID, Qty: 1})
	require.NoError(t, err)

	_, err = f.svc.SpendPoints(ctx, f.userID, &SpendInput{ProductID: "missing", Qty: 1})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMoneyOrder_CreateAndFinalizeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := catalogtest.Product(t, f.db, nil)

	c, err := f.svc.CreateMoneyOrder(ctx, f.userID, &CreateInput{ProductID: p.ID, Qty: 3, Provider: types.PaymentProviderStripe})
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusCreated, c.Order.Status)
	require.EqualValues(t, 900, c.Order.TotalCents)
	require.Equal(t, "pay_1", *c.Order.ProviderPaymentID)
	require.Equal(t, "https://pay.example/pay_1", c.RedirectURL)
	require.Equal(t, "https://shop.example/orders/done", f.gw.OrderCheckouts[0].SuccessURL)

	out, err := f.svc.FinalizeMoneyOrder(ctx, types.PaymentProviderStripe, "pay_1")
	require.NoError(t, err)
	require.False(t, out.AlreadyPaid)
	require.Equal(t, types.OrderStatusPaid, out.Order.Status)
	require.NotNil(t, out.Order.PaidAt)
	require.EqualValues(t, 7, f.stock(t, p.ID))

	again, err := f.svc.FinalizeMoneyOrder(ctx, types.PaymentProviderStripe, "pay_1")
	require.NoError(t, err)
	require.True(t, again.AlreadyPaid)
	require.EqualValues(t, 7, f.stock(t, p.ID))
	require.Equal(t, []string{"order_paid:" + c.Order.ID}, f.notifier.Events())

	got, err := f.svc.Get(ctx, f.userID, c.Order.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	_, err = f.svc.Get(ctx, "someone-else", c.Order.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMoneyOrder_ProviderFailureLeavesCreatedOrder(t *testing.T) {
	f := newFixture(t)
	p := catalogtest.Product(t, f.db, nil)
	f.gw.FailCheckout = true

	_, err := f.svc.CreateMoneyOrder(context.Background(), f.userID, &CreateInput{ProductID: p.ID, Qty: 1, Provider: types.PaymentProviderStripe})
	require.ErrorIs(t, err, apperr.ErrProviderError)

	var orders []models.Order
	require.NoError(t, f.db.Find(&orders).Error)
	require.Len(t, orders, 1)
	require.Equal(t, types.OrderStatusCreated, orders[0].Status)
	require.Nil(t, orders[0].ProviderPaymentID)
}

func TestMoneyOrder_NotPaidYet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := catalogtest.Product(t, f.db, nil)
	c, err := f.svc.CreateMoneyOrder(ctx, f.userID, &CreateInput{ProductID: p.ID, Qty: 1, Provider: types.PaymentProviderStripe})
	require.NoError(t, err)
	f.gw.SetPayment(&payment.PaymentConfirmation{ProviderPaymentID: "pay_1", Paid: false})

	_, err = f.svc.FinalizeMoneyOrder(ctx, types.PaymentProviderStripe, "pay_1")
	require.Equal(t, apperr.CodeNotPaid, apperr.From(err).Code)

	got, err := f.svc.Get(ctx, f.userID, c.Order.ID)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusCreated, got.Status)
}

func TestCancel_OnlyFromCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := catalogtest.Product(t, f.db, nil)
	c, err := f.svc.CreateMoneyOrder(ctx, f.userID, &CreateInput{ProductID: p.ID, Qty: 1, Provider: types.PaymentProviderStripe})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, "someone-else", c.Order.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	o, err := f.svc.Cancel(ctx, f.userID, c.Order.ID)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusCanceled, o.Status)
	require.NotNil(t, o.CanceledAt)

	_, err = f.svc.Cancel(ctx, f.userID, c.Order.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.svc.FinalizeMoneyOrder(ctx, types.PaymentProviderStripe, "pay_1")
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestTransition_NeverMovesBackwards(t *testing.T) {
	f := newFixture(t)
	p := catalogtest.Product(t, f.db, nil)
	f.seedPoints(t, 10)
	o, err := f.svc.SpendPoints(context.Background(), f.userID, &SpendInput{ProductID: p.ID, Qty: 1})
	require.NoError(t, err)

	for _, to := range []types.OrderStatus{types.OrderStatusCreated, types.OrderStatusCanceled, types.OrderStatusPaid} {
		err := f.db.Transaction(func(tx *gorm.DB) error {
			return Transition(context.Background(), tx, o, to, nil)
		})
		require.ErrorIs(t, err, apperr.ErrInvalidTransition, "PAID -> %s", to)
	}
}

func TestScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := catalogtest.Product(t, f.db, nil)
	f.seedPoints(t, 10)
	_, err := f.svc.SpendPoints(ctx, f.userID, &SpendInput{ProductID: p.ID, Qty: 1})
	require.NoError(t, err)
	_, err = f.svc.CreateMoneyOrder(ctx, f.userID, &CreateInput{ProductID: p.ID, Qty: 1, Provider: types.PaymentProviderStripe})
	require.NoError(t, err)

	res, err := f.svc.Scan(ctx, &types.ScanRequest{Filters: []*types.CommonFilter{
		{Field: "status", Operator: types.CommonFilterOperatorEq, Values: []any{string(types.OrderStatusPaid)}},
	}})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Total)
	require.Equal(t, types.PaidWithPoints, res.Items[0].PaidWith)

	res, err = f.svc.Scan(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Total)

	_, err = f.svc.Scan(ctx, &types.ScanRequest{SortBy: "email"})
	require.Equal(t, apperr.CodeInvalidInput, apperr.From(err).Code)
}
