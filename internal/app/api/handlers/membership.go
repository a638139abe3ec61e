package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/fatflowers/memberledger/internal/app/service/membership"
	"github.com/fatflowers/memberledger/pkg/types"
)

// @Summary      My membership
// @Tags         Membership
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  handlers.RespMembership
// @Failure      404  {object}  handlers.RespError "NO_MEMBERSHIP"
// @Router       /api/v1/membership [get]
func ApiGetMembership(svc *membership.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := svc.Get(c.Request.Context(), currentUser(c).ID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, v)
	}
}

type CancelMembershipRequest struct {
	Mode types.CancelMode `json:"mode" binding:"required,oneof=immediate period_end"`
}

// @Summary      Cancel membership
// @Description  immediate ends access now; period_end stops renewal and keeps access until the period ends.
// @Tags         Membership
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body handlers.CancelMembershipRequest true "cancel mode"
// @Success      200  {object}  handlers.RespMembership
// @Router       /api/v1/membership/cancel [post]
func ApiCancelMembership(svc *membership.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CancelMembershipRequest
		if !bindJSON(c, &req) {
			return
		}
		m, err := svc.Cancel(c.Request.Context(), currentUser(c).ID, req.Mode)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, m)
	}
}

// @Summary      Resume a scheduled cancellation
// @Tags         Membership
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  handlers.RespMembership
// @Router       /api/v1/membership/resume [post]
func ApiResumeMembership(svc *membership.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := svc.Resume(c.Request.Context(), currentUser(c).ID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, m)
	}
}

type ChangePlanRequest struct {
	PlanCode types.PlanCode `json:"plan_code" binding:"required,oneof=ACCESSO TUTELA"`
}

// @Summary      Change plan
// @Description  When the provider needs buyer approval the response carries approve_url and the plan changes on the later webhook.
// @Tags         Membership
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body handlers.ChangePlanRequest true "target plan"
// @Success      200  {object}  handlers.RespPlanChange
// @Router       /api/v1/membership/change_plan [post]
func ApiChangePlan(svc *membership.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ChangePlanRequest
		if !bindJSON(c, &req) {
			return
		}
		res, err := svc.ChangePlan(c.Request.Context(), currentUser(c).ID, req.PlanCode)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

func RegisterMembershipRoutes(r gin.IRouter, svc *membership.Service) {
	r.GET("/membership", ApiGetMembership(svc))
	r.POST("/membership/cancel", ApiCancelMembership(svc))
	r.POST("/membership/resume", ApiResumeMembership(svc))
	r.POST("/membership/change_plan", ApiChangePlan(svc))
}
