package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/fatflowers/memberledger/internal/app/service/catalog"
	"github.com/fatflowers/memberledger/internal/app/service/order"
	"github.com/fatflowers/memberledger/internal/app/service/refund"
	"github.com/fatflowers/memberledger/internal/app/service/user"
	"github.com/fatflowers/memberledger/pkg/types"
)

// @Summary      Refund a paid order
// @Description  Refunds the cash part through the provider, then restores points and marks the order REFUNDED.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body refund.Input true "order and reason"
// @Success      200  {object}  handlers.RespRefund
// @Failure      409  {object}  handlers.RespError "REFUND_NOT_ALLOWED"
// @Failure      502  {object}  handlers.RespError "PROVIDER_ERROR"
// @Router       /api/v1/admin/orders/refund [post]
func ApiAdminRefund(svc *refund.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in refund.Input
		if !bindJSON(c, &in) {
			return
		}
		res, err := svc.Refund(c.Request.Context(), currentUser(c).ID, &in)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

// @Summary      List orders
// @Description  Filterable by user_id, status, kind, provider, created_at and paid_at.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body types.ScanRequest true "filters and paging"
// @Success      200  {object}  handlers.RespOrderList
// @Router       /api/v1/admin/orders/list [post]
func ApiAdminListOrders(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.ScanRequest
		if !bindJSON(c, &req) {
			return
		}
		res, err := svc.Scan(c.Request.Context(), &req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

type DisableUserRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// @Summary      Disable a user
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body handlers.DisableUserRequest true "user"
// @Success      200  {object}  handlers.RespUser
// @Router       /api/v1/admin/users/disable [post]
func ApiAdminDisableUser(svc *user.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DisableUserRequest
		if !bindJSON(c, &req) {
			return
		}
		u, err := svc.Disable(c.Request.Context(), currentUser(c).ID, req.UserID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, u)
	}
}

// @Summary      Create or replace a product
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body catalog.ProductInput true "product"
// @Success      200  {object}  handlers.RespProduct
// @Router       /api/v1/admin/products/upsert [post]
func ApiAdminUpsertProduct(svc *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in catalog.ProductInput
		if !bindJSON(c, &in) {
			return
		}
		p, err := svc.UpsertProduct(c.Request.Context(), currentUser(c).ID, &in)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, p)
	}
}

// @Summary      Membership plans
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  handlers.RespPlans
// @Router       /api/v1/admin/plans [get]
func ApiAdminListPlans(svc *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		plans, err := svc.ListPlans(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, plans)
	}
}

// @Summary      Sync membership plans
// @Description  Upserts the configured plans by code, keeping existing ids.
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  handlers.RespPlans
// @Failure      502  {object}  handlers.RespError
// @Router       /api/v1/admin/plans/sync [post]
func ApiAdminSyncPlans(svc *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		plans, err := svc.SyncPlans(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, plans)
	}
}

type AdminDeps struct {
	Refunds *refund.Service
	Orders  *order.Service
	Users   *user.Service
	Catalog *catalog.Service
}

func RegisterAdminRoutes(r gin.IRouter, d AdminDeps) {
	r.POST("/orders/refund", ApiAdminRefund(d.Refunds))
	r.POST("/orders/list", ApiAdminListOrders(d.Orders))
	r.POST("/users/disable", ApiAdminDisableUser(d.Users))
	r.POST("/products/upsert", ApiAdminUpsertProduct(d.Catalog))
	r.GET("/plans", ApiAdminListPlans(d.Catalog))
	r.POST("/plans/sync", ApiAdminSyncPlans(d.Catalog))
}
