package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

const commissionColumns = `id, order_id, order_number, referrer_user_id, buyer_user_id, amount, rate, status, created_at, completed_at, cancelled_at`

func scanCommission(row rowScanner) (Commission, error) {
	var c Commission
	var completedAt, cancelledAt sql.NullTime
	if err := row.Scan(&c.ID, &c.OrderID, &c.OrderNumber, &c.ReferrerUserID, &c.BuyerUserID, &c.Amount, &c.Rate, &c.Status,
		&c.CreatedAt, &completedAt, &cancelledAt); err != nil {
		return Commission{}, err
	}
	c.Amount = cny(c.Amount)
	c.CompletedAt = ptrTime(completedAt)
	c.CancelledAt = ptrTime(cancelledAt)
	return c, nil
}

// CommissionAmount 按 rate * price 计算佣金并四舍五入到分。
func CommissionAmount(price decimal.Decimal, rate decimal.Decimal) decimal.Decimal {
	return cny(price.Mul(rate))
}

// accrueCommissionTx 为已支付订单计提 pending 佣金。
//
// 推广人必须在支付时已具备推广资格；order_number 唯一约束保证重复回调不会产生第二行。
func (s *Store) accrueCommissionTx(ctx context.Context, tx *sql.Tx, o Order, rate decimal.Decimal, now time.Time) error {
	if o.ReferrerUserID == "" || o.ReferrerUserID == o.UserID {
		return nil
	}
	ref, err := s.lockPromotionUserTx(ctx, tx, o.ReferrerUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if !ref.EligibleForPromotion {
		slog.Info("推广人尚未具备推广资格，跳过佣金", "order_number", o.OrderNumber, "referrer", o.ReferrerUserID)
		return nil
	}
	rate = rate.Round(RateScale)
	amount := CommissionAmount(o.Price, rate)
	res, err := tx.ExecContext(ctx, insertIgnoreVerb(s.dialect)+` INTO commissions(order_id, order_number, referrer_user_id, buyer_user_id, amount, rate, status, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`, o.ID, o.OrderNumber, ref.UserID, o.UserID, amount, rate, CommissionPending, now)
	if err != nil {
		return fmt.Errorf("计提佣金失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取写入行数失败: %w", err)
	}
	if n == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE promotion_users SET total_orders=total_orders+1, updated_at=? WHERE id=?`, now, ref.ID); err != nil {
		return fmt.Errorf("更新推广订单数失败: %w", err)
	}
	return nil
}

func (s *Store) lockCommissionByOrderTx(ctx context.Context, tx *sql.Tx, orderNumber string) (Commission, error) {
	c, err := scanCommission(tx.QueryRowContext(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE order_number=?`+forUpdateClause(s.dialect), orderNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Commission{}, sql.ErrNoRows
		}
		return Commission{}, fmt.Errorf("锁定佣金失败: %w", err)
	}
	return c, nil
}

// settleCommissionTx pending -> completed，并累加推广人累计收益；无佣金或非 pending 时不做任何事。
func (s *Store) settleCommissionTx(ctx context.Context, tx *sql.Tx, orderNumber string, now time.Time) error {
	c, err := s.lockCommissionByOrderTx(ctx, tx, orderNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status != CommissionPending {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE commissions SET status=?, completed_at=? WHERE id=? AND status=?`, CommissionCompleted, now, c.ID, CommissionPending); err != nil {
		return fmt.Errorf("结算佣金失败: %w", err)
	}
	ref, err := s.lockPromotionUserTx(ctx, tx, c.ReferrerUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE promotion_users SET total_earnings=?, updated_at=? WHERE id=?`, cny(ref.TotalEarnings.Add(c.Amount)), now, ref.ID); err != nil {
		return fmt.Errorf("更新累计收益失败: %w", err)
	}
	return nil
}

func (s *Store) cancelCommissionTx(ctx context.Context, tx *sql.Tx, orderNumber string, now time.Time) error {
	c, err := s.lockCommissionByOrderTx(ctx, tx, orderNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status != CommissionPending {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE commissions SET status=?, cancelled_at=? WHERE id=? AND status=?`, CommissionCancelled, now, c.ID, CommissionPending); err != nil {
		return fmt.Errorf("取消佣金失败: %w", err)
	}
	return nil
}

func (s *Store) GetCommissionByOrderNumber(ctx context.Context, orderNumber string) (Commission, error) {
	c, err := scanCommission(s.db.QueryRowContext(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE order_number=?`, orderNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Commission{}, sql.ErrNoRows
		}
		return Commission{}, fmt.Errorf("查询佣金失败: %w", err)
	}
	return c, nil
}

func (s *Store) ListCommissions(ctx context.Context, referrerUserID string, limit int) ([]Commission, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE referrer_user_id=? ORDER BY id DESC LIMIT ?`, referrerUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询佣金失败: %w", err)
	}
	defer rows.Close()

	var out []Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描佣金失败: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历佣金失败: %w", err)
	}
	return out, nil
}

// CommissionSummary 是推广人的收益概览。
type CommissionSummary struct {
	Pending   decimal.Decimal
	Completed decimal.Decimal
	Withdrawn decimal.Decimal
	Frozen    decimal.Decimal
	Available decimal.Decimal
}

func (s *Store) GetCommissionSummary(ctx context.Context, userID string) (CommissionSummary, error) {
	var out CommissionSummary
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.commissionSummaryTx(ctx, tx, userID)
		return err
	})
	if err != nil {
		return CommissionSummary{}, err
	}
	return out, nil
}

func (s *Store) commissionSummaryTx(ctx context.Context, tx *sql.Tx, userID string) (CommissionSummary, error) {
	sumWhere := func(q string, args ...any) (decimal.Decimal, error) {
		var v decimal.NullDecimal
		if err := tx.QueryRowContext(ctx, q, args...).Scan(&v); err != nil {
			return decimal.Zero, err
		}
		if !v.Valid {
			return decimal.Zero, nil
		}
		return cny(v.Decimal), nil
	}
	var out CommissionSummary
	var err error
	if out.Pending, err = sumWhere(`SELECT SUM(amount) FROM commissions WHERE referrer_user_id=? AND status=?`, userID, CommissionPending); err != nil {
		return CommissionSummary{}, fmt.Errorf("统计待结算佣金失败: %w", err)
	}
	if out.Completed, err = sumWhere(`SELECT SUM(amount) FROM commissions WHERE referrer_user_id=? AND status=?`, userID, CommissionCompleted); err != nil {
		return CommissionSummary{}, fmt.Errorf("统计已结算佣金失败: %w", err)
	}
	if out.Withdrawn, err = sumWhere(`SELECT SUM(amount) FROM withdrawals WHERE user_id=? AND status IN (?, ?)`, userID, WithdrawalApproved, WithdrawalCompleted); err != nil {
		return CommissionSummary{}, fmt.Errorf("统计已提现金额失败: %w", err)
	}
	if out.Frozen, err = sumWhere(`SELECT SUM(amount) FROM withdrawals WHERE user_id=? AND status=?`, userID, WithdrawalPending); err != nil {
		return CommissionSummary{}, fmt.Errorf("统计审核中提现失败: %w", err)
	}
	out.Available = out.Completed.Sub(out.Withdrawn).Sub(out.Frozen)
	if out.Available.IsNegative() {
		out.Available = decimal.Zero
	}
	return out, nil
}
