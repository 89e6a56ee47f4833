package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const withdrawalColumns = `id, user_id, amount, status, notes, applied_at, approved_at`

func scanWithdrawal(row rowScanner) (Withdrawal, error) {
	var w Withdrawal
	var approvedAt sql.NullTime
	if err := row.Scan(&w.ID, &w.UserID, &w.Amount, &w.Status, &w.Notes, &w.AppliedAt, &approvedAt); err != nil {
		return Withdrawal{}, err
	}
	w.Amount = cny(w.Amount)
	w.ApprovedAt = ptrTime(approvedAt)
	return w, nil
}

// ApplyWithdrawal 在推广用户行锁内校验余额并写入 pending 提现。
//
// 可提现余额 = 已结算佣金 - 已批准/已完成提现 - 审核中提现，审核中的申请同样占用余额。
func (s *Store) ApplyWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, notes string) (Withdrawal, error) {
	userID = strings.TrimSpace(userID)
	amount = cny(amount)
	if userID == "" {
		return Withdrawal{}, errors.New("user_id 不能为空")
	}
	if !amount.IsPositive() {
		return Withdrawal{}, errors.New("提现金额必须大于 0")
	}
	var out Withdrawal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.lockPromotionUserTx(ctx, tx, userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInsufficientBalance
			}
			return err
		}
		sum, err := s.commissionSummaryTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(sum.Available) {
			return ErrInsufficientBalance
		}
		now := s.clock()
		res, err := tx.ExecContext(ctx, `INSERT INTO withdrawals(user_id, amount, status, notes, applied_at, approved_at) VALUES(?, ?, ?, ?, ?, NULL)`,
			userID, amount, WithdrawalPending, notes, now)
		if err != nil {
			return fmt.Errorf("创建提现申请失败: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("获取提现 id 失败: %w", err)
		}
		out = Withdrawal{ID: id, UserID: userID, Amount: amount, Status: WithdrawalPending, Notes: notes, AppliedAt: now}
		return nil
	})
	if err != nil {
		return Withdrawal{}, err
	}
	return out, nil
}

func (s *Store) ListWithdrawals(ctx context.Context, userID string, limit int) ([]Withdrawal, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE user_id=? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询提现记录失败: %w", err)
	}
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描提现记录失败: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历提现记录失败: %w", err)
	}
	return out, nil
}

// SetWithdrawalStatus 供管理端审核：pending -> approved|rejected，approved -> completed。
func (s *Store) SetWithdrawalStatus(ctx context.Context, id int64, status string, notes string) (Withdrawal, error) {
	var out Withdrawal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		w, err := scanWithdrawal(tx.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id=?`+forUpdateClause(s.dialect), id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("锁定提现记录失败: %w", err)
		}
		ok := false
		switch w.Status {
		case WithdrawalPending:
			ok = status == WithdrawalApproved || status == WithdrawalRejected
		case WithdrawalApproved:
			ok = status == WithdrawalCompleted
		}
		if !ok {
			return fmt.Errorf("提现状态不允许从 %s 变更为 %s", w.Status, status)
		}
		now := s.clock()
		if strings.TrimSpace(notes) == "" {
			notes = w.Notes
		}
		if status == WithdrawalApproved {
			_, err = tx.ExecContext(ctx, `UPDATE withdrawals SET status=?, notes=?, approved_at=? WHERE id=?`, status, notes, now, w.ID)
			w.ApprovedAt = &now
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE withdrawals SET status=?, notes=? WHERE id=?`, status, notes, w.ID)
		}
		if err != nil {
			return fmt.Errorf("更新提现状态失败: %w", err)
		}
		w.Status = status
		w.Notes = notes
		out = w
		return nil
	})
	if err != nil {
		return Withdrawal{}, err
	}
	return out, nil
}
