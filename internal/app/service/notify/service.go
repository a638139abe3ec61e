package notify

import (
	"context"
	"fmt"
	"html"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/internal/platform/mailer"
	"github.com/fatflowers/memberledger/pkg/logctx"
)

// Notifier sends best-effort emails after a transaction has committed.
// Implementations must not block the caller and never report failure.
type Notifier interface {
	MembershipActivated(ctx context.Context, user *models.User, plan *models.MembershipPlan)
	OrderPaid(ctx context.Context, user *models.User, order *models.Order)
	OrderRefunded(ctx context.Context, user *models.User, order *models.Order, cashCents int64)
}

type Service struct {
	sender mailer.Sender
	log    *zap.SugaredLogger
}

func New(sender mailer.Sender, log *zap.SugaredLogger) *Service {
	return &Service{sender: sender, log: log}
}

func (s *Service) MembershipActivated(ctx context.Context, user *models.User, plan *models.MembershipPlan) {
	s.send(ctx, "membership_activated", &mailer.Message{
		To:      user.Email,
		Subject: "Welcome, your membership is active",
		Body:    fmt.Sprintf("<p>Your %s membership is now active.</p>", html.EscapeString(plan.Name)),
	})
}

func (s *Service) OrderPaid(ctx context.Context, user *models.User, order *models.Order) {
	s.send(ctx, "order_paid", &mailer.Message{
		To:      user.Email,
		Subject: "Your order receipt",
		Body: fmt.Sprintf("<p>Order %s is paid: %s %s, %d points.</p>",
			order.ID, formatCents(order.TotalCents), html.EscapeString(order.Currency), order.PointsSpent),
	})
}

func (s *Service) OrderRefunded(ctx context.Context, user *models.User, order *models.Order, cashCents int64) {
	s.send(ctx, "order_refunded", &mailer.Message{
		To:      user.Email,
		Subject: "Your refund",
		Body: fmt.Sprintf("<p>Order %s was refunded: %s %s back to your payment method, %d points back to your balance.</p>",
			order.ID, formatCents(cashCents), html.EscapeString(order.Currency), order.PointsSpent),
	})
}

func (s *Service) send(ctx context.Context, kind string, msg *mailer.Message) {
	if msg.To == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := s.sender.Send(ctx, msg); err != nil {
			logctx.FromCtx(ctx, s.log).Warnw("notification_failed", "kind", kind, "to", msg.To, "err", err)
		}
	}()
}

func formatCents(c int64) string {
	return fmt.Sprintf("%d.%02d", c/100, c%100)
}

var Module = fx.Options(
	fx.Provide(
		New,
		func(s *Service) Notifier { return s },
	),
)

// Recorder captures notifications synchronously. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *Recorder) add(kind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+id)
}

func (r *Recorder) MembershipActivated(_ context.Context, user *models.User, _ *models.MembershipPlan) {
	r.add("membership_activated", user.ID)
}

func (r *Recorder) OrderPaid(_ context.Context, _ *models.User, order *models.Order) {
	r.add("order_paid", order.ID)
}

func (r *Recorder) OrderRefunded(_ context.Context, _ *models.User, order *models.Order, _ int64) {
	r.add("order_refunded", order.ID)
}

func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}
