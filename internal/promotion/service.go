// Package promotion 负责推广归因、佣金账本查询与提现申请。
//
// 佣金的计提、结算与取消随订单状态在 store 事务内完成，这里只做归因和对外门面。
package promotion

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"petstudio/internal/apperr"
	"petstudio/internal/identity"
	"petstudio/internal/store"
)

type Service struct {
	st   *store.Store
	rate decimal.Decimal
}

func New(st *store.Store, rate decimal.Decimal) *Service {
	return &Service{st: st, rate: rate}
}

// Rate 返回当前佣金比例。
func (s *Service) Rate() decimal.Decimal { return s.rate }

// Register 登记推广身份，已登记时原样返回。
func (s *Service) Register(ctx context.Context, openid string) (store.PromotionUser, error) {
	if strings.TrimSpace(openid) == "" {
		return store.PromotionUser{}, apperr.InvalidInput("openid 不能为空")
	}
	pu, err := s.st.RegisterPromotionUser(ctx, openid)
	if errors.Is(err, store.ErrDuplicate) {
		// 并发注册时另一请求已写入。
		pu, err = s.st.GetPromotionUserByUserID(ctx, identity.UserID(openid))
	}
	if err != nil {
		return store.PromotionUser{}, apperr.Internal("登记推广用户失败", err)
	}
	return pu, nil
}

// Track 记录访客经推广码进入；首条记录即归因绑定，重复访问不产生新行。
func (s *Service) Track(ctx context.Context, promotionCode string, visitorOpenID string) (bool, error) {
	code := strings.TrimSpace(promotionCode)
	if code == "" || strings.TrimSpace(visitorOpenID) == "" {
		return false, apperr.InvalidInput("推广码与访客不能为空")
	}
	ref, err := s.st.GetPromotionUserByCode(ctx, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, apperr.NotFound("推广码不存在")
		}
		return false, apperr.Internal("查询推广码失败", err)
	}
	visitor := identity.UserID(visitorOpenID)
	added, err := s.st.RecordPromotionTrack(ctx, store.PromotionTrack{
		PromotionCode:  code,
		ReferrerUserID: ref.UserID,
		VisitorUserID:  visitor,
		VisitorOpenID:  visitorOpenID,
	})
	if err != nil {
		return false, apperr.Internal("记录推广访问失败", err)
	}
	if added {
		slog.Info("推广访问已记录", "referrer", ref.UserID, "visitor", visitor)
	}
	return added, nil
}

// ResolveReferrer 决定订单的推广人：访客的首条归因记录优先；没有归因时才使用下单参数。
// 显式 referrerUserID 必须与推广码指向同一用户，否则丢弃；只有推广码时按推广码查找。
// 找不到或推广人就是买家本人时返回空串。
func (s *Service) ResolveReferrer(ctx context.Context, buyerUserID, referrerUserID, promotionCode string) (string, string) {
	if buyerUserID != "" {
		tr, err := s.st.FirstReferrerForVisitor(ctx, buyerUserID)
		switch {
		case err == nil:
			if tr.ReferrerUserID == buyerUserID {
				return "", ""
			}
			return tr.ReferrerUserID, tr.PromotionCode
		case !errors.Is(err, sql.ErrNoRows):
			slog.Warn("查询推广归因失败", "visitor", buyerUserID, "err", err)
		}
	}

	referrerUserID = strings.TrimSpace(referrerUserID)
	promotionCode = strings.TrimSpace(promotionCode)
	if promotionCode == "" {
		if referrerUserID != "" {
			slog.Info("推广人缺少推广码，忽略", "referrer", referrerUserID, "buyer", buyerUserID)
		}
		return "", ""
	}
	pu, err := s.st.GetPromotionUserByCode(ctx, promotionCode)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("查询推广码失败", "code", promotionCode, "err", err)
		}
		return "", ""
	}
	if referrerUserID != "" && referrerUserID != pu.UserID {
		slog.Info("推广码与推广人不匹配，忽略", "referrer", referrerUserID, "code", promotionCode)
		return "", ""
	}
	if pu.UserID == buyerUserID {
		return "", ""
	}
	return pu.UserID, promotionCode
}

// Overview 是推广人的收益与推广数据。
type Overview struct {
	User    store.PromotionUser
	Summary store.CommissionSummary
	Visits  int
}

func (s *Service) Overview(ctx context.Context, userID string) (Overview, error) {
	pu, err := s.st.GetPromotionUserByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Overview{}, apperr.NotFound("推广用户不存在")
		}
		return Overview{}, apperr.Internal("查询推广用户失败", err)
	}
	sum, err := s.st.GetCommissionSummary(ctx, userID)
	if err != nil {
		return Overview{}, apperr.Internal("统计佣金失败", err)
	}
	visits, err := s.st.CountPromotionTracks(ctx, userID)
	if err != nil {
		return Overview{}, apperr.Internal("统计推广访问失败", err)
	}
	return Overview{User: pu, Summary: sum, Visits: visits}, nil
}

func (s *Service) Commissions(ctx context.Context, userID string, limit int) ([]store.Commission, error) {
	list, err := s.st.ListCommissions(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Internal("查询佣金失败", err)
	}
	return list, nil
}

// ApplyWithdrawal 申请提现；金额超过可提现余额时返回 insufficient_balance。
func (s *Service) ApplyWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, notes string) (store.Withdrawal, error) {
	if strings.TrimSpace(userID) == "" {
		return store.Withdrawal{}, apperr.InvalidInput("用户不能为空")
	}
	if !amount.IsPositive() {
		return store.Withdrawal{}, apperr.InvalidInput("提现金额必须大于 0")
	}
	w, err := s.st.ApplyWithdrawal(ctx, userID, amount, notes)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return store.Withdrawal{}, apperr.InsufficientFunds("insufficient_balance", "可提现余额不足")
		}
		return store.Withdrawal{}, apperr.Internal("申请提现失败", err)
	}
	slog.Info("提现申请已提交", "user_id", userID, "withdrawal_id", w.ID, "amount", w.Amount.StringFixed(2))
	return w, nil
}

func (s *Service) Withdrawals(ctx context.Context, userID string, limit int) ([]store.Withdrawal, error) {
	list, err := s.st.ListWithdrawals(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Internal("查询提现记录失败", err)
	}
	return list, nil
}

// ReviewWithdrawal 后台审核提现。
func (s *Service) ReviewWithdrawal(ctx context.Context, id int64, status string, notes string) (store.Withdrawal, error) {
	w, err := s.st.SetWithdrawalStatus(ctx, id, status, notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Withdrawal{}, apperr.NotFound("提现记录不存在")
		}
		return store.Withdrawal{}, apperr.Wrap(apperr.KindInvalidTransition, "提现状态不允许此操作", err)
	}
	return w, nil
}
