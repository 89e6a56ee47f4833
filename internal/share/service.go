// Package share 实现分享奖励：记录分享，并在被分享人首单时给双方各发一张奖励券。
package share

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"petstudio/internal/apperr"
	"petstudio/internal/store"
)

type Options struct {
	SharerReward decimal.Decimal
	SharedReward decimal.Decimal
	ValidFor     time.Duration
}

type Service struct {
	st   *store.Store
	opts Options
}

func New(st *store.Store, opts Options) *Service {
	if opts.ValidFor <= 0 {
		opts.ValidFor = 30 * 24 * time.Hour
	}
	return &Service{st: st, opts: opts}
}

// Record 创建一条 pending 分享记录。
func (s *Service) Record(ctx context.Context, sharerUserID, workID string) (store.ShareRecord, error) {
	if strings.TrimSpace(sharerUserID) == "" {
		return store.ShareRecord{}, apperr.InvalidInput("分享人不能为空")
	}
	r, err := s.st.CreateShareRecord(ctx, sharerUserID, workID)
	if err != nil {
		return store.ShareRecord{}, apperr.Internal("记录分享失败", err)
	}
	slog.Info("分享已记录", "share_record_id", r.ID, "sharer", sharerUserID, "work_id", workID)
	return r, nil
}

// Reward 在订单创建后尝试发放分享奖励。
//
// 只有被分享人的首单、分享记录仍为 pending 且分享人不是本人时才发放；
// 返回 false 表示条件不满足。两张券与记录状态在同一事务内写入。
func (s *Service) Reward(ctx context.Context, o store.Order, shareRecordID int64, workID string) (store.ShareRecord, bool, error) {
	if o.UserID == "" || (shareRecordID <= 0 && strings.TrimSpace(workID) == "") {
		return store.ShareRecord{}, false, nil
	}
	n, err := s.st.CountOrdersByUser(ctx, o.UserID, o.ID)
	if err != nil {
		return store.ShareRecord{}, false, err
	}
	if n > 0 {
		return store.ShareRecord{}, false, nil
	}

	var rec store.ShareRecord
	if shareRecordID > 0 {
		rec, err = s.st.GetShareRecord(ctx, shareRecordID)
	} else {
		rec, err = s.st.FindPendingShareByWork(ctx, workID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ShareRecord{}, false, nil
	}
	if err != nil {
		return store.ShareRecord{}, false, err
	}
	if rec.Status != store.ShareRecordPending || rec.SharerUserID == o.UserID {
		return store.ShareRecord{}, false, nil
	}

	in := store.CompleteShareRewardInput{
		RecordID:        rec.ID,
		OrderID:         o.ID,
		RecipientUserID: o.UserID,
		SharerAmount:    s.opts.SharerReward,
		SharedAmount:    s.opts.SharedReward,
		ValidFor:        s.opts.ValidFor,
	}
	for attempt := 0; attempt < 3; attempt++ {
		in.SharerCode, in.SharedCode = newCode(), newCode()
		done, err := s.st.CompleteShareReward(ctx, in)
		switch {
		case err == nil:
			slog.Info("分享奖励已发放", "share_record_id", rec.ID, "order_number", o.OrderNumber, "sharer", rec.SharerUserID, "recipient", o.UserID)
			return done, true, nil
		case errors.Is(err, store.ErrDuplicate):
			continue
		case errors.Is(err, store.ErrShareRecordCompleted), errors.Is(err, store.ErrSelfShare):
			return store.ShareRecord{}, false, nil
		default:
			return store.ShareRecord{}, false, err
		}
	}
	return store.ShareRecord{}, false, errors.New("生成奖励券码失败")
}

func newCode() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "SHR" + strings.ToUpper(id[:12])
}
