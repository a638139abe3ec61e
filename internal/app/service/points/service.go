// Package points keeps the append-only points ledger. A balance is always
// the sum of a user's entries; nothing stores it as a counter.
package points

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/metrics"
	"github.com/fatflowers/memberledger/pkg/tool"
	"github.com/fatflowers/memberledger/pkg/types"
)

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// Balance sums every entry of the user. Pass the open transaction when the
// result guards a write.
func (s *Service) Balance(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	if db == nil {
		db = s.db
	}
	var balance int64
	err := db.WithContext(ctx).Model(&models.PointsLedgerEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&balance).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum points: %w", err)
	}
	return balance, nil
}

// lockUser serializes balance-changing writers of one user on the user row.
func lockUser(ctx context.Context, tx *gorm.DB, userID string) error {
	var u models.User
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		First(&u, "id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("user %s not found", userID)
		}
		return fmt.Errorf("failed to lock user: %w", err)
	}
	return nil
}

func (s *Service) append(ctx context.Context, tx *gorm.DB, e *models.PointsLedgerEntry) error {
	if e.ID == "" {
		e.ID = tool.GenerateUUIDV7()
	}
	if err := tx.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to append points entry: %w", err)
	}
	metrics.ObservePointsEntry(string(e.Reason), e.Delta)
	logctx.FromCtx(ctx, s.log).Infow("points_entry",
		"user_id", e.UserID, "delta", e.Delta, "reason", e.Reason, "ref_type", e.RefType, "ref_id", e.RefID)
	return nil
}

// Award credits amount points inside tx. Non-positive amounts are a no-op.
func (s *Service) Award(ctx context.Context, tx *gorm.DB, userID string, amount int64, reason types.PointsReason, refType types.RefType, refID string) (*models.PointsLedgerEntry, error) {
	if amount <= 0 {
		return nil, nil
	}
	e := &models.PointsLedgerEntry{
		UserID:  userID,
		Delta:   amount,
		Reason:  reason,
		RefType: refType,
		RefID:   refID,
	}
	if err := s.append(ctx, tx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Spend debits amount points inside tx. The user row is locked before the
// balance is read so two concurrent spends cannot both pass the check.
func (s *Service) Spend(ctx context.Context, tx *gorm.DB, userID string, amount int64, refType types.RefType, refID string) (*models.PointsLedgerEntry, error) {
	if amount <= 0 {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "points amount must be positive")
	}
	if err := lockUser(ctx, tx, userID); err != nil {
		return nil, err
	}
	balance, err := s.Balance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if balance < amount {
		return nil, apperr.Conflict(apperr.CodeInsufficientPoints, "balance %d is lower than %d", balance, amount)
	}
	e := &models.PointsLedgerEntry{
		UserID:  userID,
		Delta:   -amount,
		Reason:  types.PointsReasonSpend,
		RefType: refType,
		RefID:   refID,
	}
	if err := s.append(ctx, tx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// RefundSpend reverses exactly what was spent for the reference. It returns
// the restored amount, zero when nothing was spent or it was already refunded.
func (s *Service) RefundSpend(ctx context.Context, tx *gorm.DB, userID string, refType types.RefType, refID string) (int64, error) {
	if err := lockUser(ctx, tx, userID); err != nil {
		return 0, err
	}
	var refunded int64
	err := tx.WithContext(ctx).Model(&models.PointsLedgerEntry{}).
		Where("user_id = ? AND ref_type = ? AND ref_id = ? AND reason = ?", userID, refType, refID, types.PointsReasonRefund).
		Count(&refunded).Error
	if err != nil {
		return 0, fmt.Errorf("failed to check refund entries: %w", err)
	}
	if refunded > 0 {
		return 0, nil
	}
	var spent int64
	err = tx.WithContext(ctx).Model(&models.PointsLedgerEntry{}).
		Where("user_id = ? AND ref_type = ? AND ref_id = ? AND reason = ?", userID, refType, refID, types.PointsReasonSpend).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&spent).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend entries: %w", err)
	}
	if spent == 0 {
		return 0, nil
	}
	e := &models.PointsLedgerEntry{
		UserID:  userID,
		Delta:   -spent,
		Reason:  types.PointsReasonRefund,
		RefType: refType,
		RefID:   refID,
	}
	if err := s.append(ctx, tx, e); err != nil {
		return 0, err
	}
	return e.Delta, nil
}

// History lists entries newest first.
func (s *Service) History(ctx context.Context, userID string, from, size int) ([]*models.PointsLedgerEntry, int64, error) {
	if size <= 0 || size > 100 {
		size = 20
	}
	if from < 0 {
		from = 0
	}
	q := s.db.WithContext(ctx).Model(&models.PointsLedgerEntry{}).Where("user_id = ?", userID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count points entries: %w", err)
	}
	var entries []*models.PointsLedgerEntry
	if err := q.Order("id DESC").Offset(from).Limit(size).Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list points entries: %w", err)
	}
	return entries, total, nil
}

var Module = fx.Options(
	fx.Provide(New),
)
