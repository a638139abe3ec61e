package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/fatflowers/memberledger/internal/app/service/order"
	"github.com/fatflowers/memberledger/internal/app/service/points"
	"github.com/fatflowers/memberledger/internal/models"
)

// @Summary      Buy a product with points
// @Description  Debits the balance and creates a paid order in one transaction.
// @Tags         Points
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body order.SpendInput true "product and quantity"
// @Success      200  {object}  handlers.RespOrder
// @Failure      409  {object}  handlers.RespError "INSUFFICIENT_POINTS, OUT_OF_STOCK"
// @Router       /api/v1/points/spend [post]
func ApiSpendPoints(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in order.SpendInput
		if !bindJSON(c, &in) {
			return
		}
		o, err := svc.SpendPoints(c.Request.Context(), currentUser(c).ID, &in)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

type Balance struct {
	Points int64 `json:"points"`
}

// @Summary      Points balance
// @Tags         Points
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  handlers.RespBalance
// @Router       /api/v1/points/balance [get]
func ApiPointsBalance(svc *points.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := svc.Balance(c.Request.Context(), nil, currentUser(c).ID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, &Balance{Points: b})
	}
}

type Ledger struct {
	Items []*models.PointsLedgerEntry `json:"items"`
	Total int64                       `json:"total"`
}

// @Summary      Points ledger
// @Description  Newest entries first.
// @Tags         Points
// @Produce      json
// @Security     BearerAuth
// @Param        from query int false "offset"
// @Param        size query int false "page size, max 200"
// @Success      200  {object}  handlers.RespLedger
// @Router       /api/v1/points/ledger [get]
func ApiPointsLedger(svc *points.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		items, total, err := svc.History(c.Request.Context(), currentUser(c).ID, queryInt(c, "from", 0), queryInt(c, "size", 20))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, &Ledger{Items: items, Total: total})
	}
}

func RegisterPointsRoutes(r gin.IRouter, pts *points.Service, orders *order.Service) {
	r.POST("/points/spend", ApiSpendPoints(orders))
	r.GET("/points/balance", ApiPointsBalance(pts))
	r.GET("/points/ledger", ApiPointsLedger(pts))
}
