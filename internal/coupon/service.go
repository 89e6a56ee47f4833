package coupon

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"petstudio/internal/apperr"
	"petstudio/internal/orderstate"
	"petstudio/internal/store"
)

// 校验失败原因。
const (
	ReasonNotFound    = "not_found"
	ReasonNotOwned    = "not_owned"
	ReasonExpired     = "expired"
	ReasonMinAmount   = "min_amount_not_met"
	ReasonAlreadyUsed = "already_used"
	ReasonInactive    = "inactive"
	ReasonInUse       = "coupon_in_use"
)

var reasonMessages = map[string]string{
	ReasonNotFound:    "优惠券不存在",
	ReasonNotOwned:    "未领取该优惠券",
	ReasonExpired:     "优惠券已过期",
	ReasonMinAmount:   "订单金额未达到使用门槛",
	ReasonAlreadyUsed: "优惠券已使用",
	ReasonInactive:    "优惠券暂不可用",
	ReasonInUse:       "优惠券已被其他未完成订单占用",
}

// ReasonMessage 返回原因对应的中文提示。
func ReasonMessage(reason string) string {
	if m, ok := reasonMessages[reason]; ok {
		return m
	}
	return "优惠券不可用"
}

type Service struct {
	st  *store.Store
	now func() time.Time
}

func New(st *store.Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{st: st, now: now}
}

// Available 是可领取的券及该用户剩余可领次数。
type Available struct {
	Coupon    store.Coupon
	Remaining int
}

// ListAvailable 返回处于有效期、仍有库存且用户尚未领满的券。
func (s *Service) ListAvailable(ctx context.Context, userID string) ([]Available, error) {
	coupons, err := s.st.ListActiveCoupons(ctx)
	if err != nil {
		return nil, err
	}
	held := map[int64]int{}
	if strings.TrimSpace(userID) != "" {
		if held, err = s.st.CountUserCouponsByCoupon(ctx, userID); err != nil {
			return nil, err
		}
	}
	now := s.now()
	out := make([]Available, 0, len(coupons))
	for _, c := range coupons {
		if !c.InWindow(now) || c.IssuedCount >= c.TotalCount {
			continue
		}
		left := c.PerUserLimit - held[c.ID]
		if stock := c.TotalCount - c.IssuedCount; stock < left {
			left = stock
		}
		if left <= 0 {
			continue
		}
		out = append(out, Available{Coupon: c, Remaining: left})
	}
	return out, nil
}

// Claim 领取一张券。
func (s *Service) Claim(ctx context.Context, userID string, couponID int64) (store.UserCoupon, error) {
	if strings.TrimSpace(userID) == "" || couponID <= 0 {
		return store.UserCoupon{}, apperr.InvalidInput("用户与优惠券不能为空")
	}
	uc, err := s.st.ClaimCoupon(ctx, userID, couponID)
	switch {
	case err == nil:
		slog.Info("优惠券已领取", "user_id", userID, "coupon_id", couponID, "user_coupon_id", uc.ID)
		return uc, nil
	case errors.Is(err, sql.ErrNoRows):
		return store.UserCoupon{}, apperr.NotFound("优惠券不存在")
	case errors.Is(err, store.ErrCouponLimitReached):
		return store.UserCoupon{}, apperr.InsufficientFunds("limit_reached", "优惠券已领完或已达领取上限")
	case errors.Is(err, store.ErrCouponUnavailable):
		return store.UserCoupon{}, apperr.InsufficientFunds(ReasonInactive, "优惠券不在领取时间内")
	default:
		return store.UserCoupon{}, apperr.Internal("领取优惠券失败", err)
	}
}

// Validation 是一次校验的结果；OK=false 时 Reason 说明原因。
type Validation struct {
	OK           bool
	Reason       string
	Coupon       store.Coupon
	UserCouponID int64
	Discount     decimal.Decimal
	FinalAmount  decimal.Decimal
}

// Validate 检查用户能否在 amount 上使用 code，并计算折扣。不修改任何状态。
// 已绑定在其他未取消订单上的券视为不可用。
func (s *Service) Validate(ctx context.Context, userID string, code string, amount decimal.Decimal) (Validation, error) {
	return s.validate(ctx, userID, code, amount, 0)
}

func (s *Service) validate(ctx context.Context, userID string, code string, amount decimal.Decimal, orderID int64) (Validation, error) {
	amount = amount.Round(store.CNYScale)
	v := Validation{Discount: decimal.Zero, FinalAmount: amount}
	code = strings.TrimSpace(code)
	if code == "" || strings.TrimSpace(userID) == "" {
		v.Reason = ReasonNotFound
		return v, nil
	}
	c, err := s.st.GetCouponByCode(ctx, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			v.Reason = ReasonNotFound
			return v, nil
		}
		return v, err
	}
	v.Coupon = c

	held, err := s.st.ListUserCoupons(ctx, userID, c.ID)
	if err != nil {
		return v, err
	}
	if len(held) == 0 {
		v.Reason = ReasonNotOwned
		return v, nil
	}
	busy, err := s.st.HeldUserCouponIDs(ctx, userID, orderID)
	if err != nil {
		return v, err
	}
	now := s.now()
	var pick *store.UserCoupon
	expired, inUse := false, false
	for i := range held {
		uc := held[i]
		if uc.Status != store.UserCouponUnused {
			if uc.Status == store.UserCouponExpired {
				expired = true
			}
			continue
		}
		if now.After(uc.ExpireTime) {
			expired = true
			continue
		}
		if busy[uc.ID] {
			inUse = true
			continue
		}
		pick = &held[i]
		break
	}
	switch {
	case pick == nil && inUse:
		v.Reason = ReasonInUse
		return v, nil
	case pick == nil && expired:
		v.Reason = ReasonExpired
		return v, nil
	case pick == nil:
		v.Reason = ReasonAlreadyUsed
		return v, nil
	}
	if c.Status == store.CouponStatusExpired || now.After(c.EndTime) {
		v.Reason = ReasonExpired
		return v, nil
	}
	if c.Status != store.CouponStatusActive {
		v.Reason = ReasonInactive
		return v, nil
	}
	if amount.LessThan(c.MinAmount) {
		v.Reason = ReasonMinAmount
		return v, nil
	}
	v.OK = true
	v.UserCouponID = pick.ID
	v.Discount = Discount(c, amount)
	v.FinalAmount = FinalAmount(amount, v.Discount)
	return v, nil
}

// Apply 核销：校验通过后 unused -> used 并绑定订单。
func (s *Service) Apply(ctx context.Context, userID string, code string, orderID int64) error {
	o, err := s.st.GetOrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("订单不存在")
		}
		return apperr.Internal("读取订单失败", err)
	}
	v, err := s.validate(ctx, userID, code, o.OriginalAmount, o.ID)
	if err != nil {
		return apperr.Internal("校验优惠券失败", err)
	}
	if !v.OK {
		return apperr.InsufficientFunds(v.Reason, ReasonMessage(v.Reason))
	}
	err = s.st.ApplyUserCoupon(ctx, v.UserCouponID, userID, orderID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrUserCouponNotUnused):
		return apperr.InsufficientFunds(ReasonAlreadyUsed, ReasonMessage(ReasonAlreadyUsed))
	case errors.Is(err, store.ErrCouponNotOwned):
		return apperr.InsufficientFunds(ReasonNotOwned, ReasonMessage(ReasonNotOwned))
	case errors.Is(err, store.ErrCouponHeld):
		return apperr.InsufficientFunds(ReasonInUse, ReasonMessage(ReasonInUse))
	default:
		return apperr.Internal("核销优惠券失败", err)
	}
}

// Revoke 撤销已取消订单的核销。
func (s *Service) Revoke(ctx context.Context, orderID int64) error {
	err := s.st.RevokeOrderCoupon(ctx, orderID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return apperr.NotFound("订单不存在")
	case errors.Is(err, orderstate.ErrInvalidTransition):
		return apperr.InvalidTransition("仅已取消且未送达的订单可撤销优惠券")
	default:
		return apperr.Internal("撤销优惠券失败", err)
	}
}

// RunExpiry 定期把过期券标记为 expired，直到 ctx 结束。
func (s *Service) RunExpiry(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		n, err := s.st.ExpireCoupons(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("过期优惠券处理失败", "err", err)
		} else if n > 0 {
			slog.Info("优惠券已过期", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
