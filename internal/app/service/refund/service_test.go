package refund

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/app/service/notify"
	"github.com/fatflowers/memberledger/internal/app/service/points"
	"github.com/fatflowers/memberledger/internal/app/service/user"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/internal/platform/db/dbtest"
	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/internal/platform/payment/paymenttest"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/tool"
	"github.com/fatflowers/memberledger/pkg/types"
)

type fixture struct {
	db       *gorm.DB
	svc      *Service
	points   *points.Service
	gw       *paymenttest.Gateway
	notifier *notify.Recorder
	sink     *audit.Memory
	userID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	log := zap.NewNop().Sugar()
	pts := points.New(db, log)
	gw := paymenttest.New(types.PaymentProviderStripe)
	rec := &notify.Recorder{}
	sink := &audit.Memory{}
	u, _, err := user.FindOrCreateByEmail(context.Background(), db, "buyer@example.com")
	require.NoError(t, err)
	return &fixture{
		db:       db,
		svc:      New(db, pts, payment.NewRegistry(gw), rec, sink, log),
		points:   pts,
		gw:       gw,
		notifier: rec,
		sink:     sink,
		userID:   u.ID,
	}
}

func (f *fixture) moneyOrder(t *testing.T, status types.OrderStatus, total int64) *models.Order {
	t.Helper()
	payID := "cs_" + tool.GenerateUUIDV7()
	now := time.Now().UTC()
	o := &models.Order{
		ID:                tool.GenerateUUIDV7(),
		UserID:            f.userID,
		Status:            status,
		TotalCents:        total,
		Currency:          "EUR",
		PaidWith:          types.PaidWithMoney,
		Provider:          types.PaymentProviderStripe,
		ProviderPaymentID: &payID,
		PaidAt:            &now,
	}
	require.NoError(t, f.db.Create(o).Error)
	f.gw.SetPayment(&payment.PaymentConfirmation{ProviderPaymentID: payID, Paid: true, AmountCents: total, Currency: "EUR", ChargeRef: "pi_" + o.ID})
	return o
}

func (f *fixture) pointsOrder(t *testing.T, spent int64) *models.Order {
	t.Helper()
	ctx := context.Background()
	_, err := f.points.Award(ctx, f.db, f.userID, 10, types.PointsReasonAdjustment, types.RefTypeAdmin, "seed")
	require.NoError(t, err)
	now := time.Now().UTC()
	o := &models.Order{
		ID:          tool.GenerateUUIDV7(),
		UserID:      f.userID,
		Status:      types.OrderStatusPaid,
		TotalCents:  spent * types.PointValueCents,
		Currency:    "EUR",
		PaidWith:    types.PaidWithPoints,
		PointsSpent: spent,
		PaidAt:      &now,
	}
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		if _, err := f.points.Spend(ctx, tx, f.userID, spent, types.RefTypeOrder, o.ID); err != nil {
			return err
		}
		return tx.Create(o).Error
	}))
	return o
}

func TestRefund_CashOnlyOrder(t *testing.T) {
	f := newFixture(t)
	o := f.moneyOrder(t, types.OrderStatusPaid, 10000)

	res, err := f.svc.Refund(context.Background(), "admin-1", &Input{OrderID: o.ID, Reason: "damaged"})
	require.NoError(t, err)
	require.EqualValues(t, 10000, res.CashCents)
	require.Zero(t, res.PointsRestored)
	require.Equal(t, types.OrderStatusRefunded, res.Order.Status)
	require.NotNil(t, res.Order.RefundedAt)
	require.Equal(t, "damaged", *res.Order.RefundReason)
	require.Equal(t, res.ProviderRefundID, *res.Order.ProviderRefundID)

	calls := f.gw.RefundCalls()
	require.Len(t, calls, 1)
	require.EqualValues(t, 10000, calls[0].AmountCents)
	require.Equal(t, "pi_"+o.ID, calls[0].ChargeRef)
	require.Equal(t, "refund-"+o.ID, calls[0].IdempotencyKey)

	require.Equal(t, []string{"order_refunded:" + o.ID}, f.notifier.Events())
	require.Equal(t, []string{audit.ActionOrderRefunded}, f.sink.Actions())
}

func TestRefund_PointsOrderRestoresPointsWithoutCash(t *testing.T) {
	f := newFixture(t)
	o := f.pointsOrder(t, 5)
	require.EqualValues(t, 500, o.TotalCents)

	res, err := f.svc.Refund(context.Background(), "admin-1", &Input{OrderID: o.ID})
	require.NoError(t, err)
	require.Zero(t, res.CashCents)
	require.EqualValues(t, 5, res.PointsRestored)
	require.Empty(t, f.gw.RefundCalls())
	require.Nil(t, res.Order.RefundReason)

	bal, err := f.points.Balance(context.Background(), nil, f.userID)
	require.NoError(t, err)
	require.EqualValues(t, 10, bal)
}

func TestRefund_ProviderFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	o := f.moneyOrder(t, types.OrderStatusPaid, 2500)
	f.gw.FailRefund = true

	_, err := f.svc.Refund(context.Background(), "admin-1", &Input{OrderID: o.ID})
	require.ErrorIs(t, err, apperr.ErrProviderError)

	var got models.Order
	require.NoError(t, f.db.First(&got, "id = ?", o.ID).Error)
	require.Equal(t, types.OrderStatusPaid, got.Status)
	require.Nil(t, got.RefundedAt)
	require.Empty(t, f.notifier.Events())
	require.Empty(t, f.sink.Actions())

	// a retry after the provider recovers goes through with the same key
	f.gw.FailRefund = false
	_, err = f.svc.Refund(context.Background(), "admin-1", &Input{OrderID: o.ID})
	require.NoError(t, err)
	calls := f.gw.RefundCalls()
	require.Len(t, calls, 2)
	require.Equal(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)
}

func TestRefund_OnlyPaidOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.moneyOrder(t, types.OrderStatusCreated, 900)
	_, err := f.svc.Refund(ctx, "admin-1", &Input{OrderID: created.ID})
	require.ErrorIs(t, err, apperr.ErrRefundNotAllowed)

	paid := f.moneyOrder(t, types.OrderStatusPaid, 900)
	_, err = f.svc.Refund(ctx, "admin-1", &Input{OrderID: paid.ID})
	require.NoError(t, err)
	_, err = f.svc.Refund(ctx, "admin-1", &Input{OrderID: paid.ID})
	require.ErrorIs(t, err, apperr.ErrRefundNotAllowed)
	require.Len(t, f.gw.RefundCalls(), 1)

	_, err = f.svc.Refund(ctx, "admin-1", &Input{OrderID: "missing"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.Empty(t, f.gw.RefundCalls()[1:])
}
