package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/tool"
	"github.com/fatflowers/memberledger/pkg/types"
)

type Service struct {
	db    *gorm.DB
	audit audit.Sink
	log   *zap.SugaredLogger
}

func New(db *gorm.DB, sink audit.Sink, log *zap.SugaredLogger) *Service {
	return &Service{db: db, audit: sink, log: log}
}

func (s *Service) Get(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user %s not found", id)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetActive returns the user if it exists and is not disabled.
func (s *Service) GetActive(ctx context.Context, id string) (*models.User, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Unauthenticated("unknown user")
		}
		return nil, err
	}
	if u.Disabled {
		return nil, apperr.Forbidden(apperr.CodeUserDisabled, "user is disabled")
	}
	return u, nil
}

// FindOrCreateByEmail resolves the account for a checkout email inside tx.
// A disabled account is returned as is; callers decide what to do with it.
func FindOrCreateByEmail(ctx context.Context, tx *gorm.DB, email string) (*models.User, bool, error) {
	email = NormalizeEmail(email)
	candidate := &models.User{
		ID:    tool.GenerateUUIDV7(),
		Email: email,
		Role:  types.UserRoleMember,
	}
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(candidate)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create user: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return candidate, true, nil
	}
	var u models.User
	if err := tx.WithContext(ctx).First(&u, "email = ?", email).Error; err != nil {
		return nil, false, fmt.Errorf("load user by email: %w", err)
	}
	return &u, false, nil
}

func (s *Service) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "email = ?", NormalizeEmail(email)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user %s not found", email)
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// Disable deactivates a user. Users are never deleted.
func (s *Service) Disable(ctx context.Context, actorID, userID string) (*models.User, error) {
	if actorID == userID {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "admins cannot disable themselves")
	}
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Update("disabled", true)
	if res.Error != nil {
		return nil, fmt.Errorf("disable user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.NotFound("user %s not found", userID)
	}
	logctx.FromCtx(ctx, s.log).Infow("user_disabled", "user_id", userID, "actor", actorID)
	s.audit.Record(ctx, &audit.Entry{ActorUserID: actorID, Action: audit.ActionUserDisabled, Entity: "user", EntityID: userID})
	return s.Get(ctx, userID)
}

// CreateAdmin bootstraps an operator account. Used by the CLI.
func (s *Service) CreateAdmin(ctx context.Context, email string) (*models.User, error) {
	var out *models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, _, err := FindOrCreateByEmail(ctx, tx, email)
		if err != nil {
			return err
		}
		if u.Role != types.UserRoleAdmin {
			if err := tx.Model(u).Update("role", types.UserRoleAdmin).Error; err != nil {
				return fmt.Errorf("promote user: %w", err)
			}
			u.Role = types.UserRoleAdmin
		}
		out = u
		return nil
	})
	return out, err
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var Module = fx.Options(
	fx.Provide(New),
)
