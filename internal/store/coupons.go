package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"petstudio/internal/orderstate"
)

var (
	ErrCouponNotOwned = errors.New("优惠券不属于当前用户")
	ErrCouponHeld     = errors.New("优惠券已被其他订单占用")
)

const couponColumns = `id, code, name, type, value, max_discount, min_amount, start_time, end_time, total_count, per_user_limit,
issued_count, used_count, status, source_type, groupon_order_id, is_random_code, created_at, updated_at`

func scanCoupon(row rowScanner) (Coupon, error) {
	var c Coupon
	var isRandom int
	if err := row.Scan(&c.ID, &c.Code, &c.Name, &c.Type, &c.Value, &c.MaxDiscount, &c.MinAmount, &c.StartTime, &c.EndTime,
		&c.TotalCount, &c.PerUserLimit, &c.IssuedCount, &c.UsedCount, &c.Status, &c.SourceType, &c.GrouponOrderID, &isRandom,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return Coupon{}, err
	}
	c.Value = cny(c.Value)
	c.MinAmount = cny(c.MinAmount)
	c.IsRandomCode = isRandom != 0
	return c, nil
}

const userCouponColumns = `id, user_id, coupon_id, status, claimed_at, used_at, expire_time, order_id`

func scanUserCoupon(row rowScanner) (UserCoupon, error) {
	var uc UserCoupon
	var usedAt sql.NullTime
	var orderID sql.NullInt64
	if err := row.Scan(&uc.ID, &uc.UserID, &uc.CouponID, &uc.Status, &uc.ClaimedAt, &usedAt, &uc.ExpireTime, &orderID); err != nil {
		return UserCoupon{}, err
	}
	uc.UsedAt = ptrTime(usedAt)
	uc.OrderID = ptrInt64(orderID)
	return uc, nil
}

// CreateCoupon 写入一张券模板；Code 必须唯一。
func (s *Store) CreateCoupon(ctx context.Context, c Coupon) (Coupon, error) {
	c.Code = strings.TrimSpace(c.Code)
	if c.Code == "" {
		return Coupon{}, errors.New("优惠券码不能为空")
	}
	switch c.Type {
	case CouponTypeCash, CouponTypePercent, CouponTypeFree:
	default:
		return Coupon{}, fmt.Errorf("不支持的优惠券类型: %s", c.Type)
	}
	if c.EndTime.Before(c.StartTime) {
		return Coupon{}, errors.New("结束时间不能早于开始时间")
	}
	if c.PerUserLimit <= 0 {
		c.PerUserLimit = 1
	}
	if c.Status == "" {
		c.Status = CouponStatusActive
	}
	if c.SourceType == "" {
		c.SourceType = CouponSourceSystem
	}
	var out Coupon
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.insertCouponTx(ctx, tx, c)
		return err
	})
	if err != nil {
		return Coupon{}, err
	}
	return out, nil
}

func (s *Store) insertCouponTx(ctx context.Context, tx *sql.Tx, c Coupon) (Coupon, error) {
	now := s.clock()
	res, err := tx.ExecContext(ctx, `
INSERT INTO coupons(code, name, type, value, max_discount, min_amount, start_time, end_time, total_count, per_user_limit,
  issued_count, used_count, status, source_type, groupon_order_id, is_random_code, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
`, c.Code, c.Name, c.Type, cny(c.Value), c.MaxDiscount, cny(c.MinAmount), c.StartTime.UTC(), c.EndTime.UTC(), c.TotalCount, c.PerUserLimit,
		c.IssuedCount, c.Status, c.SourceType, c.GrouponOrderID, boolToInt(c.IsRandomCode), now, now)
	if err != nil {
		if isDuplicateKeyError(err) {
			return Coupon{}, ErrDuplicate
		}
		return Coupon{}, fmt.Errorf("创建优惠券失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Coupon{}, fmt.Errorf("获取优惠券 id 失败: %w", err)
	}
	c.ID = id
	c.CreatedAt, c.UpdatedAt = now, now
	return c, nil
}

func (s *Store) GetCouponByID(ctx context.Context, id int64) (Coupon, error) {
	c, err := scanCoupon(s.db.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Coupon{}, sql.ErrNoRows
		}
		return Coupon{}, fmt.Errorf("查询优惠券失败: %w", err)
	}
	return c, nil
}

func (s *Store) GetCouponByCode(ctx context.Context, code string) (Coupon, error) {
	c, err := scanCoupon(s.db.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code=?`, strings.TrimSpace(code)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Coupon{}, sql.ErrNoRows
		}
		return Coupon{}, fmt.Errorf("查询优惠券失败: %w", err)
	}
	return c, nil
}

// ListActiveCoupons 返回 status=active 的系统券；时间窗与领取额度由调用方判断。
func (s *Store) ListActiveCoupons(ctx context.Context) ([]Coupon, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE status=? AND source_type<>? ORDER BY id ASC`, CouponStatusActive, CouponSourceShare)
	if err != nil {
		return nil, fmt.Errorf("查询优惠券失败: %w", err)
	}
	defer rows.Close()

	var out []Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描优惠券失败: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历优惠券失败: %w", err)
	}
	return out, nil
}

// CountUserCouponsByCoupon 返回 user 对每张券已领取的数量。
func (s *Store) CountUserCouponsByCoupon(ctx context.Context, userID string) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT coupon_id, COUNT(1) FROM user_coupons WHERE user_id=? GROUP BY coupon_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("统计用户优惠券失败: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("扫描用户优惠券统计失败: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历用户优惠券统计失败: %w", err)
	}
	return out, nil
}

func (s *Store) lockCouponTx(ctx context.Context, tx *sql.Tx, id int64) (Coupon, error) {
	c, err := scanCoupon(tx.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id=?`+forUpdateClause(s.dialect), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Coupon{}, sql.ErrNoRows
		}
		return Coupon{}, fmt.Errorf("锁定优惠券失败: %w", err)
	}
	return c, nil
}

// ClaimCoupon 领取优惠券：issued_count 自增与 user_coupons 插入在同一事务内完成。
func (s *Store) ClaimCoupon(ctx context.Context, userID string, couponID int64) (UserCoupon, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserCoupon{}, errors.New("user_id 不能为空")
	}
	var out UserCoupon
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		c, err := s.lockCouponTx(ctx, tx, couponID)
		if err != nil {
			return err
		}
		now := s.clock()
		if c.Status != CouponStatusActive || !c.InWindow(now) {
			return ErrCouponUnavailable
		}
		if c.IssuedCount >= c.TotalCount {
			return ErrCouponLimitReached
		}
		var held int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM user_coupons WHERE user_id=? AND coupon_id=?`, userID, c.ID).Scan(&held); err != nil {
			return fmt.Errorf("统计已领取数量失败: %w", err)
		}
		if held >= c.PerUserLimit {
			return ErrCouponLimitReached
		}
		out, err = s.grantUserCouponTx(ctx, tx, c, userID, c.EndTime, now)
		return err
	})
	if err != nil {
		return UserCoupon{}, err
	}
	return out, nil
}

// grantUserCouponTx 插入 user_coupons 并自增 issued_count；调用方已持有券行锁。
func (s *Store) grantUserCouponTx(ctx context.Context, tx *sql.Tx, c Coupon, userID string, expire time.Time, now time.Time) (UserCoupon, error) {
	res, err := tx.ExecContext(ctx, `
UPDATE coupons SET issued_count=issued_count+1, updated_at=? WHERE id=? AND issued_count<total_count
`, now, c.ID)
	if err != nil {
		return UserCoupon{}, fmt.Errorf("更新发放数量失败: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return UserCoupon{}, ErrCouponLimitReached
	}
	res, err = tx.ExecContext(ctx, `
INSERT INTO user_coupons(user_id, coupon_id, status, claimed_at, used_at, expire_time, order_id)
VALUES(?, ?, ?, ?, NULL, ?, NULL)
`, userID, c.ID, UserCouponUnused, now, expire.UTC())
	if err != nil {
		return UserCoupon{}, fmt.Errorf("写入用户优惠券失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return UserCoupon{}, fmt.Errorf("获取用户优惠券 id 失败: %w", err)
	}
	return UserCoupon{ID: id, UserID: userID, CouponID: c.ID, Status: UserCouponUnused, ClaimedAt: now, ExpireTime: expire.UTC()}, nil
}

func (s *Store) GetUserCoupon(ctx context.Context, id int64) (UserCoupon, error) {
	uc, err := scanUserCoupon(s.db.QueryRowContext(ctx, `SELECT `+userCouponColumns+` FROM user_coupons WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserCoupon{}, sql.ErrNoRows
		}
		return UserCoupon{}, fmt.Errorf("查询用户优惠券失败: %w", err)
	}
	return uc, nil
}

// ListUserCoupons 按领取顺序返回用户持有的券；couponID>0 时只返回该券。
func (s *Store) ListUserCoupons(ctx context.Context, userID string, couponID int64) ([]UserCoupon, error) {
	q := `SELECT ` + userCouponColumns + ` FROM user_coupons WHERE user_id=?`
	args := []any{userID}
	if couponID > 0 {
		q += ` AND coupon_id=?`
		args = append(args, couponID)
	}
	q += ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("查询用户优惠券失败: %w", err)
	}
	defer rows.Close()

	var out []UserCoupon
	for rows.Next() {
		uc, err := scanUserCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描用户优惠券失败: %w", err)
		}
		out = append(out, uc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历用户优惠券失败: %w", err)
	}
	return out, nil
}

func (s *Store) lockUserCouponTx(ctx context.Context, tx *sql.Tx, id int64) (UserCoupon, error) {
	uc, err := scanUserCoupon(tx.QueryRowContext(ctx, `SELECT `+userCouponColumns+` FROM user_coupons WHERE id=?`+forUpdateClause(s.dialect), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserCoupon{}, sql.ErrNoRows
		}
		return UserCoupon{}, fmt.Errorf("锁定用户优惠券失败: %w", err)
	}
	return uc, nil
}

// ApplyUserCoupon 核销：unused -> used、used_count 自增、绑定订单，三者同一事务。
func (s *Store) ApplyUserCoupon(ctx context.Context, userCouponID int64, userID string, orderID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.lockOrderTx(ctx, tx, orderID); err != nil {
			return err
		}
		if err := s.applyUserCouponTx(ctx, tx, userCouponID, userID, orderID, s.clock()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE orders SET user_coupon_id=?, updated_at=? WHERE id=?`, userCouponID, s.clock(), orderID)
		if err != nil {
			return fmt.Errorf("绑定订单优惠券失败: %w", err)
		}
		return nil
	})
}

func (s *Store) applyUserCouponTx(ctx context.Context, tx *sql.Tx, userCouponID int64, userID string, orderID int64, now time.Time) error {
	uc, err := s.lockUserCouponTx(ctx, tx, userCouponID)
	if err != nil {
		return err
	}
	if uc.UserID != userID {
		return ErrCouponNotOwned
	}
	if uc.Status == UserCouponUsed && uc.OrderID != nil && *uc.OrderID == orderID {
		return nil
	}
	if uc.Status != UserCouponUnused || now.After(uc.ExpireTime) {
		return ErrUserCouponNotUnused
	}
	if held, err := s.userCouponHeldTx(ctx, tx, uc.ID, orderID); err != nil {
		return err
	} else if held {
		return ErrCouponHeld
	}
	c, err := s.lockCouponTx(ctx, tx, uc.CouponID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE user_coupons SET status=?, used_at=?, order_id=? WHERE id=? AND status=?
`, UserCouponUsed, now, orderID, uc.ID, UserCouponUnused); err != nil {
		return fmt.Errorf("核销用户优惠券失败: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE coupons SET used_count=used_count+1, updated_at=? WHERE id=? AND used_count<issued_count
`, now, c.ID)
	if err != nil {
		return fmt.Errorf("更新使用数量失败: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return fmt.Errorf("优惠券使用数量超过发放数量: coupon_id=%d", c.ID)
	}
	return nil
}

// holdUserCouponTx 在下单事务内锁定用户券：必须属于下单用户、未使用未过期，且没有被其他未取消订单占用。
func (s *Store) holdUserCouponTx(ctx context.Context, tx *sql.Tx, userCouponID int64, userID string, now time.Time) error {
	uc, err := s.lockUserCouponTx(ctx, tx, userCouponID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserCouponNotUnused
	}
	if err != nil {
		return err
	}
	if uc.UserID != userID {
		return ErrCouponNotOwned
	}
	if uc.Status != UserCouponUnused || now.After(uc.ExpireTime) {
		return ErrUserCouponNotUnused
	}
	held, err := s.userCouponHeldTx(ctx, tx, uc.ID, 0)
	if err != nil {
		return err
	}
	if held {
		return ErrCouponHeld
	}
	return nil
}

// userCouponHeldTx 报告用户券是否绑定在 exceptOrderID 以外的未取消订单上。
// 软删除的未支付订单仍然占用，顾客需先取消订单才能释放优惠券。
func (s *Store) userCouponHeldTx(ctx context.Context, tx *sql.Tx, userCouponID int64, exceptOrderID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM orders WHERE user_coupon_id=? AND id<>? AND status<>?`,
		userCouponID, exceptOrderID, string(orderstate.Cancelled)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("查询优惠券占用失败: %w", err)
	}
	return n > 0, nil
}

// HeldUserCouponIDs 返回用户被未取消订单占用的券 id；exceptOrderID 对应订单的占用不计入。
func (s *Store) HeldUserCouponIDs(ctx context.Context, userID string, exceptOrderID int64) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_coupon_id FROM orders WHERE user_id=? AND user_coupon_id IS NOT NULL AND id<>? AND status<>?`,
		userID, exceptOrderID, string(orderstate.Cancelled))
	if err != nil {
		return nil, fmt.Errorf("查询优惠券占用失败: %w", err)
	}
	defer rows.Close()
	out := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("读取优惠券占用失败: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历优惠券占用失败: %w", err)
	}
	return out, nil
}

// RevokeOrderCoupon 订单取消（且未送达）时撤销核销。
func (s *Store) RevokeOrderCoupon(ctx context.Context, orderID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := s.lockOrderTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.Status != orderstate.Cancelled || o.DeliveredAt != nil {
			return fmt.Errorf("%w: 仅已取消且未送达的订单可撤销优惠券", orderstate.ErrInvalidTransition)
		}
		if o.UserCouponID == nil {
			return nil
		}
		return s.revokeUserCouponTx(ctx, tx, *o.UserCouponID, o.ID)
	})
}

func (s *Store) revokeUserCouponTx(ctx context.Context, tx *sql.Tx, userCouponID int64, orderID int64) error {
	uc, err := s.lockUserCouponTx(ctx, tx, userCouponID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if uc.Status != UserCouponUsed || uc.OrderID == nil || *uc.OrderID != orderID {
		return nil
	}
	if _, err := s.lockCouponTx(ctx, tx, uc.CouponID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE user_coupons SET status=?, used_at=NULL, order_id=NULL WHERE id=?`, UserCouponUnused, uc.ID); err != nil {
		return fmt.Errorf("撤销用户优惠券失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE coupons SET used_count=used_count-1, updated_at=? WHERE id=? AND used_count>0`, s.clock(), uc.CouponID); err != nil {
		return fmt.Errorf("回退使用数量失败: %w", err)
	}
	return nil
}

// ExpireCoupons 把已过结束时间的券与未使用的用户券标记为 expired，返回受影响的券数量。
func (s *Store) ExpireCoupons(ctx context.Context) (int, error) {
	now := s.clock()
	coupons, err := s.ListActiveCoupons(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range coupons {
		if !now.After(c.EndTime) {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE coupons SET status=?, updated_at=? WHERE id=? AND status=?`, CouponStatusExpired, now, c.ID, CouponStatusActive); err != nil {
			return n, fmt.Errorf("过期优惠券失败: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE user_coupons SET status=? WHERE coupon_id=? AND status=?`, UserCouponExpired, c.ID, UserCouponUnused); err != nil {
			return n, fmt.Errorf("过期用户优惠券失败: %w", err)
		}
		n++
	}
	return n, nil
}

// CouponCounters 返回按 user_coupons 实际统计的发放与使用数量，用于对账。
func (s *Store) CouponCounters(ctx context.Context, couponID int64) (issued int, used int, err error) {
	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(1), COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END), 0) FROM user_coupons WHERE coupon_id=?
`, UserCouponUsed, couponID).Scan(&issued, &used)
	if err != nil {
		return 0, 0, fmt.Errorf("统计优惠券失败: %w", err)
	}
	return issued, used, nil
}

// issueRewardCouponTx 为分享奖励生成一张单次券并直接发给 userID。
func (s *Store) issueRewardCouponTx(ctx context.Context, tx *sql.Tx, code string, name string, value decimal.Decimal, userID string, validFor time.Duration, now time.Time) (UserCoupon, error) {
	c, err := s.insertCouponTx(ctx, tx, Coupon{
		Code:         code,
		Name:         name,
		Type:         CouponTypeCash,
		Value:        value,
		StartTime:    now,
		EndTime:      now.Add(validFor),
		TotalCount:   1,
		PerUserLimit: 1,
		Status:       CouponStatusActive,
		SourceType:   CouponSourceShare,
		IsRandomCode: true,
	})
	if err != nil {
		return UserCoupon{}, err
	}
	return s.grantUserCouponTx(ctx, tx, c, userID, c.EndTime, now)
}
