package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/memberledger/internal/app/service/auth"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/response"
	"github.com/fatflowers/memberledger/pkg/types"
)

// CurrentUserKey holds the authenticated *models.User on gin.Context.
const CurrentUserKey = "current_user"

// UserLoader resolves an active user; disabled users must fail.
type UserLoader interface {
	GetActive(ctx context.Context, id string) (*models.User, error)
}

// Auth requires a bearer access token and loads its user on every request,
// so disabling a user cuts off tokens already issued.
func Auth(tokens *auth.TokenManager, users UserLoader, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			abort(c, apperr.Unauthenticated("missing bearer token"))
			return
		}
		claims, err := tokens.Parse(strings.TrimSpace(raw))
		if err != nil {
			abort(c, err)
			return
		}
		u, err := users.GetActive(c.Request.Context(), claims.UserID)
		if err != nil {
			abort(c, err)
			return
		}

		c.Set(CurrentUserKey, u)
		reqLogger := logctx.FromGin(c, base).With("user_id", u.ID)
		c.Set(logctx.LoggerKey, reqLogger)
		ctx := logctx.WithUserID(c.Request.Context(), u.ID)
		c.Request = c.Request.WithContext(logctx.WithLogger(ctx, reqLogger))
		c.Next()
	}
}

// RequireRole lets through only users with one of the roles. Must run after Auth.
func RequireRole(roles ...types.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		u := CurrentUser(c)
		if u == nil {
			abort(c, apperr.Unauthenticated("not signed in"))
			return
		}
		for _, r := range roles {
			if u.Role == r {
				c.Next()
				return
			}
		}
		abort(c, apperr.Forbidden(apperr.CodeForbidden, "insufficient role"))
	}
}

func CurrentUser(c *gin.Context) *models.User {
	v, ok := c.Get(CurrentUserKey)
	if !ok {
		return nil
	}
	u, _ := v.(*models.User)
	return u
}

func abort(c *gin.Context, err error) {
	status, body := response.FromError(err)
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, body)
}
