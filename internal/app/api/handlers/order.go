package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/fatflowers/memberledger/internal/app/service/order"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/pkg/apperr"
)

type OrderCreated struct {
	OrderID     string `json:"order_id"`
	RedirectURL string `json:"redirect_url"`
}

// @Summary      Buy a product with money
// @Tags         Orders
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body order.CreateInput true "product, quantity and provider"
// @Success      200  {object}  handlers.RespOrderCreated
// @Failure      409  {object}  handlers.RespError
// @Router       /api/v1/orders [post]
func ApiCreateOrder(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in order.CreateInput
		if !bindJSON(c, &in) {
			return
		}
		res, err := svc.CreateMoneyOrder(c.Request.Context(), currentUser(c).ID, &in)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, &OrderCreated{OrderID: res.Order.ID, RedirectURL: res.RedirectURL})
	}
}

type OrderFinalized struct {
	Order       *models.Order `json:"order"`
	AlreadyPaid bool          `json:"already_paid"`
}

// @Summary      Order payment success
// @Description  Provider redirect target. Confirms the payment and marks the order paid once.
// @Tags         Orders
// @Produce      json
// @Param        provider   query string false "stripe (default) or paypal"
// @Param        payment_id query string false "stripe checkout session id"
// @Param        token      query string false "paypal order id"
// @Success      200  {object}  handlers.RespOrderFinalized
// @Router       /api/v1/orders/success [get]
func ApiOrderSuccess(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider, err := queryProvider(c)
		if err != nil {
			fail(c, err)
			return
		}
		paymentID := firstQuery(c, "payment_id", "token")
		if paymentID == "" {
			fail(c, apperr.Validation(apperr.CodeInvalidInput, "payment_id is required"))
			return
		}
		f, err := svc.FinalizeMoneyOrder(c.Request.Context(), provider, paymentID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, &OrderFinalized{Order: f.Order, AlreadyPaid: f.AlreadyPaid})
	}
}

// @Summary      Get one of my orders
// @Tags         Orders
// @Produce      json
// @Security     BearerAuth
// @Param        id path string true "order id"
// @Success      200  {object}  handlers.RespOrder
// @Router       /api/v1/orders/{id} [get]
func ApiGetOrder(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.Get(c.Request.Context(), currentUser(c).ID, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

// @Summary      Cancel an unpaid order
// @Tags         Orders
// @Produce      json
// @Security     BearerAuth
// @Param        id path string true "order id"
// @Success      200  {object}  handlers.RespOrder
// @Failure      409  {object}  handlers.RespError
// @Router       /api/v1/orders/{id}/cancel [post]
func ApiCancelOrder(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.Cancel(c.Request.Context(), currentUser(c).ID, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

// RegisterOrderRoutes mounts the public success callback on pub and the
// rest on the authenticated group.
func RegisterOrderRoutes(pub, authed gin.IRouter, svc *order.Service, limiter gin.HandlerFunc) {
	pub.GET("/orders/success", ApiOrderSuccess(svc))
	authed.POST("/orders", limiter, ApiCreateOrder(svc))
	authed.GET("/orders/:id", ApiGetOrder(svc))
	authed.POST("/orders/:id/cancel", ApiCancelOrder(svc))
}
