package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/memberledger/internal/app/api/middleware"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/response"
	"github.com/fatflowers/memberledger/pkg/types"
)

func ok[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, response.OKT(data))
}

func fail(c *gin.Context, err error) {
	status, body := response.FromError(err)
	_ = c.Error(err)
	c.JSON(status, body)
}

// bindJSON binds and validates the body; failures answer 400 and return false.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, apperr.Validation(apperr.CodeInvalidInput, "%v", err))
		return false
	}
	return true
}

func currentUser(c *gin.Context) *models.User {
	return middleware.CurrentUser(c)
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryProvider reads ?provider=, defaulting to stripe whose redirects do not carry it.
func queryProvider(c *gin.Context) (types.PaymentProvider, error) {
	v := c.Query("provider")
	if v == "" {
		return types.PaymentProviderStripe, nil
	}
	p, valid := types.ParsePaymentProvider(v)
	if !valid {
		return "", apperr.Validation(apperr.CodeInvalidInput, "unsupported provider %q", v)
	}
	return p, nil
}

// firstQuery returns the first non-empty query value among keys.
func firstQuery(c *gin.Context, keys ...string) string {
	for _, k := range keys {
		if v := c.Query(k); v != "" {
			return v
		}
	}
	return ""
}
