package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	mw "github.com/fatflowers/memberledger/internal/app/api/middleware"
	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/app/service/auth"
	"github.com/fatflowers/memberledger/internal/app/service/catalog/catalogtest"
	"github.com/fatflowers/memberledger/internal/app/service/membership"
	"github.com/fatflowers/memberledger/internal/app/service/notify"
	"github.com/fatflowers/memberledger/internal/app/service/order"
	"github.com/fatflowers/memberledger/internal/app/service/points"
	"github.com/fatflowers/memberledger/internal/app/service/refund"
	"github.com/fatflowers/memberledger/internal/app/service/user"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/internal/platform/db/dbtest"
	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/internal/platform/payment/paymenttest"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/types"
)

type api struct {
	r       *gin.Engine
	db      *gorm.DB
	points  *points.Service
	tokens  *auth.TokenManager
	member  *models.User
	admin   *models.User
	product *models.Product
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := dbtest.New(t)
	log := zap.NewNop().Sugar()
	sink := &audit.Memory{}
	cfg := &config.Config{
		Auth:     config.AuthConfig{JWTSecret: "test", Issuer: "memberledger", AccessTTL: time.Hour},
		Checkout: config.CheckoutConfig{OrderSuccessURL: "https://shop.example/orders/done"},
	}
	cat, _ := catalogtest.New(t, db, sink)
	pts := points.New(db, log)
	reg := payment.NewRegistry(paymenttest.New(types.PaymentProviderStripe))
	rec := &notify.Recorder{}
	ms := membership.New(db, cat, pts, reg, sink, log)
	orders := order.New(cfg, db, cat, ms, pts, reg, rec, sink, log)
	users := user.New(db, sink, log)
	tokens := auth.NewTokenManager(cfg)

	ctx := context.Background()
	member, _, err := user.FindOrCreateByEmail(ctx, db, "member@example.com")
	require.NoError(t, err)
	admin, err := users.CreateAdmin(ctx, "ops@example.com")
	require.NoError(t, err)

	r := gin.New()
	v1 := r.Group("/api/v1")
	authed := v1.Group("", mw.Auth(tokens, users, log))
	RegisterOrderRoutes(v1, authed, orders, mw.RateLimit(0, 0))
	RegisterPointsRoutes(authed, pts, orders)
	RegisterMembershipRoutes(authed, ms)
	RegisterAdminRoutes(authed.Group("/admin", mw.RequireRole(types.UserRoleAdmin)), AdminDeps{
		Refunds: refund.New(db, pts, reg, rec, sink, log),
		Orders:  orders,
		Users:   users,
		Catalog: cat,
	})

	return &api{
		r:       r,
		db:      db,
		points:  pts,
		tokens:  tokens,
		member:  member,
		admin:   admin,
		product: catalogtest.Product(t, db, nil),
	}
}

type envelope struct {
	Code   int             `json:"code"`
	Reason string          `json:"reason"`
	Data   json.RawMessage `json:"data"`
}

func (a *api) do(t *testing.T, u *models.User, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if u != nil {
		tok, _, err := a.tokens.Issue(u)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (a *api) seed(t *testing.T, userID string, n int64) {
	t.Helper()
	_, err := a.points.Award(context.Background(), a.db, userID, n, types.PointsReasonAdjustment, types.RefTypeAdmin, "seed")
	require.NoError(t, err)
}

func TestPoints_SpendBalanceAndLedger(t *testing.T) {
	a := newAPI(t)
	a.seed(t, a.member.ID, 5)

	status, env := a.do(t, a.member, http.MethodPost, "/api/v1/points/spend", gin.H{"product_id": a.product.ID, "qty": 2})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, string(apperr.CodeInsufficientPoints), env.Reason)

	status, env = a.do(t, a.member, http.MethodPost, "/api/v1/points/spend", gin.H{"product_id": a.product.ID, "qty": 1})
	require.Equal(t, http.StatusOK, status)
	var o models.Order
	require.NoError(t, json.Unmarshal(env.Data, &o))
	require.Equal(t, types.OrderStatusPaid, o.Status)

	status, env = a.do(t, a.member, http.MethodGet, "/api/v1/points/balance", nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"points":2}`, string(env.Data))

	status, env = a.do(t, a.member, http.MethodGet, "/api/v1/points/ledger?size=1", nil)
	require.Equal(t, http.StatusOK, status)
	var ledger Ledger
	require.NoError(t, json.Unmarshal(env.Data, &ledger))
	require.EqualValues(t, 2, ledger.Total)
	require.Len(t, ledger.Items, 1)
	require.EqualValues(t, -3, ledger.Items[0].Delta)
}

func TestMembership_Endpoints(t *testing.T) {
	a := newAPI(t)

	status, env := a.do(t, a.member, http.MethodGet, "/api/v1/membership", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, string(apperr.CodeNoMembership), env.Reason)

	status, env = a.do(t, a.member, http.MethodPost, "/api/v1/membership/cancel", gin.H{"mode": "later"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, string(apperr.CodeInvalidInput), env.Reason)

	status, _ = a.do(t, a.member, http.MethodPost, "/api/v1/membership/change_plan", gin.H{"plan_code": "GOLD"})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestAdmin_RequiresAdminRole(t *testing.T) {
	a := newAPI(t)

	status, env := a.do(t, a.member, http.MethodPost, "/api/v1/admin/orders/list", gin.H{})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, string(apperr.CodeForbidden), env.Reason)

	status, _ = a.do(t, nil, http.MethodPost, "/api/v1/admin/orders/list", gin.H{})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestAdmin_RefundPointsOrderAndList(t *testing.T) {
	a := newAPI(t)
	a.seed(t, a.member.ID, 3)

	_, env := a.do(t, a.member, http.MethodPost, "/api/v1/points/spend", gin.H{"product_id": a.product.ID, "qty": 1})
	var o models.Order
	require.NoError(t, json.Unmarshal(env.Data, &o))

	status, env := a.do(t, a.admin, http.MethodPost, "/api/v1/admin/orders/refund", gin.H{"order_id": o.ID, "reason": "damaged"})
	require.Equal(t, http.StatusOK, status)
	var res refund.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.EqualValues(t, 3, res.PointsRestored)
	require.Zero(t, res.CashCents)
	require.Equal(t, types.OrderStatusRefunded, res.Order.Status)

	status, env = a.do(t, a.admin, http.MethodPost, "/api/v1/admin/orders/refund", gin.H{"order_id": o.ID})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, string(apperr.CodeRefundNotAllowed), env.Reason)

	status, env = a.do(t, a.admin, http.MethodPost, "/api/v1/admin/orders/list", gin.H{
		"filters": []gin.H{{"field": "user_id", "operator": "eq", "values": []string{a.member.ID}}},
	})
	require.Equal(t, http.StatusOK, status)
	var list order.ScanResult
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.EqualValues(t, 1, list.Total)

	status, _ = a.do(t, a.admin, http.MethodPost, "/api/v1/admin/orders/list", gin.H{
		"filters": []gin.H{{"field": "password", "operator": "eq", "values": []string{"x"}}},
	})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestAdmin_DisableUserRevokesAccess(t *testing.T) {
	a := newAPI(t)

	status, _ := a.do(t, a.admin, http.MethodPost, "/api/v1/admin/users/disable", gin.H{"user_id": a.member.ID})
	require.Equal(t, http.StatusOK, status)

	status, env := a.do(t, a.member, http.MethodGet, "/api/v1/points/balance", nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, string(apperr.CodeUserDisabled), env.Reason)
}

func TestAdmin_UpsertProduct(t *testing.T) {
	a := newAPI(t)

	status, env := a.do(t, a.admin, http.MethodPost, "/api/v1/admin/products/upsert", gin.H{
		"id": a.product.ID, "seller_id": a.product.SellerID, "name": "Field guide, 2nd ed.",
		"status": "APPROVED", "price_cents": 450, "currency": "eur", "points_price": 4, "stock": 1,
	})
	require.Equal(t, http.StatusOK, status)
	var p models.Product
	require.NoError(t, json.Unmarshal(env.Data, &p))
	require.Equal(t, "EUR", p.Currency)
	require.EqualValues(t, 450, p.PriceCents)

	status, _ = a.do(t, a.admin, http.MethodPost, "/api/v1/admin/products/upsert", gin.H{"name": "no seller"})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestOrders_OwnershipAndCancel(t *testing.T) {
	a := newAPI(t)

	status, env := a.do(t, a.member, http.MethodPost, "/api/v1/orders", gin.H{"product_id": a.product.ID, "qty": 1, "provider": "stripe"})
	require.Equal(t, http.StatusOK, status)
	var created OrderCreated
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.RedirectURL)

	status, _ = a.do(t, a.admin, http.MethodGet, "/api/v1/orders/"+created.OrderID, nil)
	require.Equal(t, http.StatusNotFound, status)

	status, env = a.do(t, a.member, http.MethodPost, "/api/v1/orders/"+created.OrderID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status)
	var o models.Order
	require.NoError(t, json.Unmarshal(env.Data, &o))
	require.Equal(t, types.OrderStatusCanceled, o.Status)
}
