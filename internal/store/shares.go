package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrSelfShare = errors.New("不能领取自己分享的奖励")

const shareRecordColumns = `id, sharer_user_id, work_id, shared_user_id, order_id, status, sharer_user_coupon_id, shared_user_coupon_id, created_at, completed_at`

func scanShareRecord(row rowScanner) (ShareRecord, error) {
	var r ShareRecord
	var orderID, sharerUC, sharedUC sql.NullInt64
	var completedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.SharerUserID, &r.WorkID, &r.SharedUserID, &orderID, &r.Status, &sharerUC, &sharedUC, &r.CreatedAt, &completedAt); err != nil {
		return ShareRecord{}, err
	}
	r.OrderID = ptrInt64(orderID)
	r.SharerUserCouponID = ptrInt64(sharerUC)
	r.SharedUserCouponID = ptrInt64(sharedUC)
	r.CompletedAt = ptrTime(completedAt)
	return r, nil
}

func (s *Store) CreateShareRecord(ctx context.Context, sharerUserID string, workID string) (ShareRecord, error) {
	sharerUserID = strings.TrimSpace(sharerUserID)
	if sharerUserID == "" {
		return ShareRecord{}, errors.New("分享人不能为空")
	}
	now := s.clock()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO share_records(sharer_user_id, work_id, shared_user_id, order_id, status, sharer_user_coupon_id, shared_user_coupon_id, created_at, completed_at)
VALUES(?, ?, '', NULL, ?, NULL, NULL, ?, NULL)
`, sharerUserID, strings.TrimSpace(workID), ShareRecordPending, now)
	if err != nil {
		return ShareRecord{}, fmt.Errorf("创建分享记录失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ShareRecord{}, fmt.Errorf("获取分享记录 id 失败: %w", err)
	}
	return ShareRecord{ID: id, SharerUserID: sharerUserID, WorkID: strings.TrimSpace(workID), Status: ShareRecordPending, CreatedAt: now}, nil
}

func (s *Store) GetShareRecord(ctx context.Context, id int64) (ShareRecord, error) {
	r, err := scanShareRecord(s.db.QueryRowContext(ctx, `SELECT `+shareRecordColumns+` FROM share_records WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ShareRecord{}, sql.ErrNoRows
		}
		return ShareRecord{}, fmt.Errorf("查询分享记录失败: %w", err)
	}
	return r, nil
}

// FindPendingShareByWork 返回该作品最早的 pending 分享记录。
func (s *Store) FindPendingShareByWork(ctx context.Context, workID string) (ShareRecord, error) {
	r, err := scanShareRecord(s.db.QueryRowContext(ctx, `SELECT `+shareRecordColumns+` FROM share_records WHERE work_id=? AND status=? ORDER BY id ASC LIMIT 1`,
		strings.TrimSpace(workID), ShareRecordPending))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ShareRecord{}, sql.ErrNoRows
		}
		return ShareRecord{}, fmt.Errorf("查询分享记录失败: %w", err)
	}
	return r, nil
}

type CompleteShareRewardInput struct {
	RecordID        int64
	OrderID         int64
	RecipientUserID string
	SharerCode      string
	SharedCode      string
	SharerAmount    decimal.Decimal
	SharedAmount    decimal.Decimal
	ValidFor        time.Duration
}

// CompleteShareReward 在一个事务内发放两张奖励券并把分享记录置为 completed；任一步失败整体回滚。
func (s *Store) CompleteShareReward(ctx context.Context, in CompleteShareRewardInput) (ShareRecord, error) {
	if in.ValidFor <= 0 {
		in.ValidFor = 30 * 24 * time.Hour
	}
	var out ShareRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := scanShareRecord(tx.QueryRowContext(ctx, `SELECT `+shareRecordColumns+` FROM share_records WHERE id=?`+forUpdateClause(s.dialect), in.RecordID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("锁定分享记录失败: %w", err)
		}
		if r.Status != ShareRecordPending {
			return ErrShareRecordCompleted
		}
		if r.SharerUserID == in.RecipientUserID {
			return ErrSelfShare
		}
		now := s.clock()
		sharerUC, err := s.issueRewardCouponTx(ctx, tx, in.SharerCode, "分享奖励券", cny(in.SharerAmount), r.SharerUserID, in.ValidFor, now)
		if err != nil {
			return err
		}
		sharedUC, err := s.issueRewardCouponTx(ctx, tx, in.SharedCode, "好友分享券", cny(in.SharedAmount), in.RecipientUserID, in.ValidFor, now)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
UPDATE share_records SET status=?, shared_user_id=?, order_id=?, sharer_user_coupon_id=?, shared_user_coupon_id=?, completed_at=?
WHERE id=? AND status=?
`, ShareRecordCompleted, in.RecipientUserID, in.OrderID, sharerUC.ID, sharedUC.ID, now, r.ID, ShareRecordPending)
		if err != nil {
			return fmt.Errorf("更新分享记录失败: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return ErrShareRecordCompleted
		}
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET share_record_id=?, updated_at=? WHERE id=?`, r.ID, now, in.OrderID); err != nil {
			return fmt.Errorf("关联订单分享记录失败: %w", err)
		}
		r.Status = ShareRecordCompleted
		r.SharedUserID = in.RecipientUserID
		r.OrderID = &in.OrderID
		r.SharerUserCouponID = &sharerUC.ID
		r.SharedUserCouponID = &sharedUC.ID
		r.CompletedAt = &now
		out = r
		return nil
	})
	if err != nil {
		return ShareRecord{}, err
	}
	return out, nil
}
