package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/memberledger/internal/app/service/webhook"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/types"
)

const maxWebhookBody = 1 << 20

// WebhookProcessor is implemented by *webhook.Service.
type WebhookProcessor interface {
	Handle(ctx context.Context, provider types.PaymentProvider, payload []byte, header http.Header) (*webhook.Result, error)
}

type WebhookAck struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// @Summary      Provider webhook
// @Description  Receives signed Stripe or PayPal events. Redeliveries of a processed event answer duplicate=true.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Param        provider path string true "stripe or paypal"
// @Success      200  {object}  handlers.WebhookAck
// @Failure      400  {object}  handlers.RespError
// @Router       /webhooks/{provider} [post]
func ApiWebhook(p WebhookProcessor, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider, valid := types.ParsePaymentProvider(c.Param("provider"))
		if !valid {
			fail(c, apperr.Validation(apperr.CodeInvalidInput, "unsupported provider %q", c.Param("provider")))
			return
		}
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if err != nil || len(payload) > maxWebhookBody {
			fail(c, apperr.Validation(apperr.CodeInvalidPayload, "unreadable or oversized body"))
			return
		}
		logctx.FromGin(c, log).Infow("webhook_received", "provider", provider, "bytes", len(payload))

		res, err := p.Handle(c.Request.Context(), provider, payload, c.Request.Header)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, WebhookAck{Received: true, Duplicate: res.Duplicate})
	}
}

func RegisterWebhookRoutes(r gin.IRouter, p WebhookProcessor, log *zap.SugaredLogger) {
	r.POST("/webhooks/:provider", ApiWebhook(p, log))
}
