package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/memberledger/internal/app/service/webhook"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/types"
)

type stubProcessor struct {
	calls    int
	provider types.PaymentProvider
	payload  string
	res      *webhook.Result
	err      error
}

func (s *stubProcessor) Handle(_ context.Context, provider types.PaymentProvider, payload []byte, _ http.Header) (*webhook.Result, error) {
	s.calls++
	s.provider = provider
	s.payload = string(payload)
	return s.res, s.err
}

func postWebhook(p WebhookProcessor, path, body string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterWebhookRoutes(r, p, zap.NewNop().Sugar())
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestApiWebhook_Acks(t *testing.T) {
	p := &stubProcessor{res: &webhook.Result{EventID: "evt_1", Outcome: webhook.OutcomeProcessed}}
	w := postWebhook(p, "/webhooks/stripe", `{"id":"evt_1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"received":true}`, w.Body.String())
	require.Equal(t, types.PaymentProviderStripe, p.provider)
	require.Equal(t, `{"id":"evt_1"}`, p.payload)

	p.res = &webhook.Result{EventID: "evt_1", Duplicate: true, Outcome: webhook.OutcomeDuplicate}
	w = postWebhook(p, "/webhooks/stripe", `{"id":"evt_1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"received":true,"duplicate":true}`, w.Body.String())
}

func TestApiWebhook_Rejects(t *testing.T) {
	p := &stubProcessor{err: apperr.Validation(apperr.CodeInvalidSignature, "bad signature")}
	w := postWebhook(p, "/webhooks/paypal", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), string(apperr.CodeInvalidSignature))

	p = &stubProcessor{}
	w = postWebhook(p, "/webhooks/apple", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Zero(t, p.calls)

	w = postWebhook(p, "/webhooks/stripe", strings.Repeat("a", maxWebhookBody+1))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), string(apperr.CodeInvalidPayload))
	require.Zero(t, p.calls)
}

func TestApiWebhook_ProviderOutageIsRetried(t *testing.T) {
	p := &stubProcessor{err: apperr.ErrProviderError}
	w := postWebhook(p, "/webhooks/stripe", `{}`)
	require.Equal(t, http.StatusBadGateway, w.Code)
}
