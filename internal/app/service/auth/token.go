package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/fx"

	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/types"
)

// Claims is the opaque "current user" carried by access tokens.
type Claims struct {
	UserID    string
	Role      types.UserRole
	ExpiresAt time.Time
}

// TokenManager issues and parses HS256 access tokens.
type TokenManager struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	now       func() time.Time
}

func NewTokenManager(cfg *config.Config) *TokenManager {
	ttl := cfg.Auth.AccessTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(cfg.Auth.JWTSecret), issuer: cfg.Auth.Issuer, accessTTL: ttl, now: time.Now}
}

func (m *TokenManager) Issue(user *models.User) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	expiresAt := m.now().Add(m.accessTTL)
	claims := jwt.MapClaims{
		"sub":  user.ID,
		"role": string(user.Role),
		"exp":  expiresAt.Unix(),
		"iat":  m.now().Unix(),
		"iss":  m.issuer,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (m *TokenManager) Parse(token string) (*Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, apperr.Unauthenticated("invalid access token")
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, apperr.Unauthenticated("invalid access token")
	}
	sub, _ := mc["sub"].(string)
	role, _ := mc["role"].(string)
	exp, _ := mc["exp"].(float64)
	if sub == "" {
		return nil, apperr.Unauthenticated("invalid access token")
	}
	return &Claims{UserID: sub, Role: types.UserRole(role), ExpiresAt: time.Unix(int64(exp), 0)}, nil
}

var Module = fx.Options(
	fx.Provide(NewTokenManager),
)
