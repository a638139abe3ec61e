package handlers

import (
	"github.com/fatflowers/memberledger/internal/app/service/checkout"
	"github.com/fatflowers/memberledger/internal/app/service/membership"
	"github.com/fatflowers/memberledger/internal/app/service/order"
	"github.com/fatflowers/memberledger/internal/app/service/refund"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/response"
)

// Envelope types for the swagger docs. swag does not resolve generic
// response.APIResponse[T], so each payload gets a concrete wrapper.

// RespError is returned on every failure; reason carries the stable error code.
type RespError struct {
	Code    response.APIResponseCode `json:"code"`
	Reason  apperr.Code              `json:"reason"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

type RespCheckoutCreated struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    checkout.Created         `json:"data"`
}

type RespMembershipFinalized struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    MembershipFinalized      `json:"data"`
}

type RespOrderCreated struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    OrderCreated             `json:"data"`
}

type RespOrderFinalized struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    OrderFinalized           `json:"data"`
}

type RespOrder struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Order             `json:"data"`
}

type RespOrderList struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    order.ScanResult         `json:"data"`
}

type RespBalance struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    Balance                  `json:"data"`
}

type RespLedger struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    Ledger                   `json:"data"`
}

type RespMembership struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    membership.View          `json:"data"`
}

type RespPlanChange struct {
	Code    response.APIResponseCode    `json:"code"`
	Message string                      `json:"message"`
	Data    membership.PlanChangeResult `json:"data"`
}

type RespRefund struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    refund.Result            `json:"data"`
}

type RespUser struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.User              `json:"data"`
}

type RespProduct struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Product           `json:"data"`
}

type RespPlans struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    []models.MembershipPlan  `json:"data"`
}
