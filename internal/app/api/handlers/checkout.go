package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/memberledger/internal/app/service/auth"
	"github.com/fatflowers/memberledger/internal/app/service/checkout"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/logctx"
)

// @Summary      Start membership checkout
// @Description  Creates a checkout session and returns the provider redirect.
// @Tags         Checkout
// @Accept       json
// @Produce      json
// @Param        request body checkout.MembershipCheckoutInput true "plan, email and provider"
// @Success      200  {object}  handlers.RespCheckoutCreated
// @Failure      400  {object}  handlers.RespError
// @Router       /api/v1/checkout/membership [post]
func ApiCreateMembershipCheckout(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in checkout.MembershipCheckoutInput
		if !bindJSON(c, &in) {
			return
		}
		res, err := svc.CreateMembership(c.Request.Context(), &in)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

type MembershipFinalized struct {
	User             *models.User           `json:"user"`
	Membership       *models.Membership     `json:"membership"`
	Plan             *models.MembershipPlan `json:"plan"`
	AccessToken      string                 `json:"access_token"`
	TokenExpiresAt   time.Time              `json:"token_expires_at"`
	AlreadyFinalized bool                   `json:"already_finalized"`
}

// @Summary      Membership checkout success
// @Description  Provider redirect target. Finalizes the checkout once and signs the buyer in.
// @Tags         Checkout
// @Produce      json
// @Param        provider        query string false "stripe (default) or paypal"
// @Param        session_id      query string false "stripe checkout session id"
// @Param        subscription_id query string false "paypal subscription id"
// @Success      200  {object}  handlers.RespMembershipFinalized
// @Failure      409  {object}  handlers.RespError
// @Router       /api/v1/checkout/membership/success [get]
func ApiMembershipCheckoutSuccess(svc *checkout.Service, tokens *auth.TokenManager, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider, err := queryProvider(c)
		if err != nil {
			fail(c, err)
			return
		}
		sessionID := firstQuery(c, "session_id", "subscription_id")
		if sessionID == "" {
			fail(c, apperr.Validation(apperr.CodeInvalidInput, "session_id is required"))
			return
		}
		f, err := svc.FinalizeMembership(c.Request.Context(), provider, sessionID)
		if err != nil {
			fail(c, err)
			return
		}
		token, exp, err := tokens.Issue(f.User)
		if err != nil {
			fail(c, err)
			return
		}
		logctx.FromGin(c, log).Infow("membership_checkout_success", "user_id", f.User.ID, "already_finalized", f.AlreadyFinalized)
		ok(c, &MembershipFinalized{
			User:             f.User,
			Membership:       f.Membership,
			Plan:             f.Plan,
			AccessToken:      token,
			TokenExpiresAt:   exp,
			AlreadyFinalized: f.AlreadyFinalized,
		})
	}
}

func RegisterCheckoutRoutes(r gin.IRouter, svc *checkout.Service, tokens *auth.TokenManager, log *zap.SugaredLogger, limiter gin.HandlerFunc) {
	r.POST("/checkout/membership", limiter, ApiCreateMembershipCheckout(svc))
	r.GET("/checkout/membership/success", ApiMembershipCheckoutSuccess(svc, tokens, log))
}
