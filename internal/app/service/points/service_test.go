package points

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/memberledger/internal/app/service/user"
	"github.com/fatflowers/memberledger/internal/platform/db/dbtest"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/types"
)

func newService(t *testing.T) (*Service, *gorm.DB, string) {
	t.Helper()
	db := dbtest.New(t)
	u, _, err := user.FindOrCreateByEmail(context.Background(), db, "points@example.com")
	require.NoError(t, err)
	return New(db, zap.NewNop().Sugar()), db, u.ID
}

func TestBalance_IsSumOfEntries(t *testing.T) {
	s, db, userID := newService(t)
	ctx := context.Background()

	bal, err := s.Balance(ctx, nil, userID)
	require.NoError(t, err)
	require.Zero(t, bal)

	_, err = s.Award(ctx, db, userID, 10, types.PointsReasonRenewal, types.RefTypeMembership, "m1")
	require.NoError(t, err)
	_, err = s.Award(ctx, db, userID, 7, types.PointsReasonRenewal, types.RefTypeMembership, "m1")
	require.NoError(t, err)
	_, err = s.Spend(ctx, db, userID, 4, types.RefTypeOrder, "o1")
	require.NoError(t, err)

	bal, err = s.Balance(ctx, nil, userID)
	require.NoError(t, err)
	require.EqualValues(t, 13, bal)

	entry, err := s.Award(ctx, db, userID, 0, types.PointsReasonRenewal, types.RefTypeMembership, "m1")
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestSpend_InsufficientPoints(t *testing.T) {
	s, db, userID := newService(t)
	ctx := context.Background()

	_, err := s.Award(ctx, db, userID, 5, types.PointsReasonAdjustment, types.RefTypeAdmin, "seed")
	require.NoError(t, err)

	_, err = s.Spend(ctx, db, userID, 6, types.RefTypeOrder, "o1")
	require.ErrorIs(t, err, apperr.ErrInsufficientPoints)

	bal, err := s.Balance(ctx, nil, userID)
	require.NoError(t, err)
	require.EqualValues(t, 5, bal)

	_, err = s.Spend(ctx, db, userID, 0, types.RefTypeOrder, "o1")
	require.Error(t, err)

	_, err = s.Spend(ctx, db, "missing", 1, types.RefTypeOrder, "o1")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSpend_ConcurrentOnlyOneWins(t *testing.T) {
	s, db, userID := newService(t)
	ctx := context.Background()

	_, err := s.Award(ctx, db, userID, 10, types.PointsReasonAdjustment, types.RefTypeAdmin, "seed")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = db.Transaction(func(tx *gorm.DB) error {
				_, err := s.Spend(ctx, tx, userID, 8, types.RefTypeOrder, "order")
				return err
			})
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.From(err).Code == apperr.CodeInsufficientPoints:
			insufficient++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, insufficient)

	bal, err := s.Balance(ctx, nil, userID)
	require.NoError(t, err)
	require.EqualValues(t, 2, bal)
}

func TestRefundSpend_RestoresExactlyOnce(t *testing.T) {
	s, db, userID := newService(t)
	ctx := context.Background()

	_, err := s.Award(ctx, db, userID, 10, types.PointsReasonAdjustment, types.RefTypeAdmin, "seed")
	require.NoError(t, err)
	_, err = s.Spend(ctx, db, userID, 6, types.RefTypeOrder, "o1")
	require.NoError(t, err)

	restored, err := s.RefundSpend(ctx, db, userID, types.RefTypeOrder, "o1")
	require.NoError(t, err)
	require.EqualValues(t, 6, restored)

	restored, err = s.RefundSpend(ctx, db, userID, types.RefTypeOrder, "o1")
	require.NoError(t, err)
	require.Zero(t, restored)

	restored, err = s.RefundSpend(ctx, db, userID, types.RefTypeOrder, "never-spent")
	require.NoError(t, err)
	require.Zero(t, restored)

	bal, err := s.Balance(ctx, nil, userID)
	require.NoError(t, err)
	require.EqualValues(t, 10, bal)

	entries, total, err := s.History(ctx, userID, 0, 10)
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, entries, 3)
	require.Equal(t, types.PointsReasonRefund, entries[0].Reason)
}
