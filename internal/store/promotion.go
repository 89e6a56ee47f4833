package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"petstudio/internal/identity"
)

const promotionUserColumns = `id, user_id, openid, promotion_code, eligible_for_promotion, total_earnings, total_orders, created_at, updated_at`

func scanPromotionUser(row rowScanner) (PromotionUser, error) {
	var pu PromotionUser
	var eligible int
	if err := row.Scan(&pu.ID, &pu.UserID, &pu.OpenID, &pu.PromotionCode, &eligible, &pu.TotalEarnings, &pu.TotalOrders, &pu.CreatedAt, &pu.UpdatedAt); err != nil {
		return PromotionUser{}, err
	}
	pu.EligibleForPromotion = eligible != 0
	pu.TotalEarnings = cny(pu.TotalEarnings)
	return pu, nil
}

// RegisterPromotionUser 在用户首次访问时登记推广身份；未下单前只分配临时推广码且不具备推广资格。
// 已登记时原样返回。
func (s *Store) RegisterPromotionUser(ctx context.Context, openid string) (PromotionUser, error) {
	openid = strings.TrimSpace(openid)
	if openid == "" {
		return PromotionUser{}, errors.New("openid 不能为空")
	}
	userID := identity.UserID(openid)
	var out PromotionUser
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		pu, err := s.lockPromotionUserTx(ctx, tx, userID)
		if err == nil {
			out = pu
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		now := s.clock()
		code, err := s.uniquePromotionCodeTx(ctx, tx, identity.TempPromotionCode(userID))
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO promotion_users(user_id, openid, promotion_code, eligible_for_promotion, total_earnings, total_orders, created_at, updated_at)
VALUES(?, ?, ?, 0, 0, 0, ?, ?)
`, userID, openid, code, now, now)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("登记推广用户失败: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("获取推广用户 id 失败: %w", err)
		}
		out = PromotionUser{ID: id, UserID: userID, OpenID: openid, PromotionCode: code, CreatedAt: now, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return PromotionUser{}, err
	}
	return out, nil
}

func (s *Store) GetPromotionUserByUserID(ctx context.Context, userID string) (PromotionUser, error) {
	pu, err := scanPromotionUser(s.db.QueryRowContext(ctx, `SELECT `+promotionUserColumns+` FROM promotion_users WHERE user_id=?`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PromotionUser{}, sql.ErrNoRows
		}
		return PromotionUser{}, fmt.Errorf("查询推广用户失败: %w", err)
	}
	return pu, nil
}

func (s *Store) GetPromotionUserByCode(ctx context.Context, code string) (PromotionUser, error) {
	pu, err := scanPromotionUser(s.db.QueryRowContext(ctx, `SELECT `+promotionUserColumns+` FROM promotion_users WHERE promotion_code=?`, strings.TrimSpace(code)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PromotionUser{}, sql.ErrNoRows
		}
		return PromotionUser{}, fmt.Errorf("查询推广用户失败: %w", err)
	}
	return pu, nil
}

func (s *Store) lockPromotionUserTx(ctx context.Context, tx *sql.Tx, userID string) (PromotionUser, error) {
	pu, err := scanPromotionUser(tx.QueryRowContext(ctx, `SELECT `+promotionUserColumns+` FROM promotion_users WHERE user_id=?`+forUpdateClause(s.dialect), userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PromotionUser{}, sql.ErrNoRows
		}
		return PromotionUser{}, fmt.Errorf("锁定推广用户失败: %w", err)
	}
	return pu, nil
}

// RecordPromotionTrack 记录 (referrer, visitor) 访问关系；重复访问不产生新行。
// 返回 true 表示本次新增。
func (s *Store) RecordPromotionTrack(ctx context.Context, t PromotionTrack) (bool, error) {
	if t.ReferrerUserID == "" || t.VisitorUserID == "" {
		return false, errors.New("推广人与访客不能为空")
	}
	if t.ReferrerUserID == t.VisitorUserID {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, insertIgnoreVerb(s.dialect)+` INTO promotion_tracks(promotion_code, referrer_user_id, visitor_user_id, visitor_openid, created_at)
VALUES(?, ?, ?, ?, ?)`, t.PromotionCode, t.ReferrerUserID, t.VisitorUserID, t.VisitorOpenID, s.clock())
	if err != nil {
		return false, fmt.Errorf("记录推广访问失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("读取写入行数失败: %w", err)
	}
	return n == 1, nil
}

// FirstReferrerForVisitor 返回最早一条访问记录的推广人；没有记录时返回 sql.ErrNoRows。
func (s *Store) FirstReferrerForVisitor(ctx context.Context, visitorUserID string) (PromotionTrack, error) {
	var t PromotionTrack
	err := s.db.QueryRowContext(ctx, `
SELECT id, promotion_code, referrer_user_id, visitor_user_id, visitor_openid, created_at
FROM promotion_tracks WHERE visitor_user_id=? ORDER BY id ASC LIMIT 1
`, visitorUserID).Scan(&t.ID, &t.PromotionCode, &t.ReferrerUserID, &t.VisitorUserID, &t.VisitorOpenID, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PromotionTrack{}, sql.ErrNoRows
		}
		return PromotionTrack{}, fmt.Errorf("查询推广访问失败: %w", err)
	}
	return t, nil
}

func (s *Store) CountPromotionTracks(ctx context.Context, referrerUserID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM promotion_tracks WHERE referrer_user_id=?`, referrerUserID).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计推广访问失败: %w", err)
	}
	return n, nil
}
