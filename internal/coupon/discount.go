// Package coupon 提供优惠券的折扣计算、领取、校验、核销与撤销。
//
// 计数与状态的原子性由 store 层事务保证，本包负责规则判断与错误归类。
package coupon

import (
	"github.com/shopspring/decimal"

	"petstudio/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Discount 计算券在 amount 上的减免金额，结果不超过 amount，保留两位小数。
//
//	cash    -> min(value, amount)
//	percent -> min(amount * value / 100, max_discount)
//	free    -> min(value, amount)，value 为团购或分享券的可抵扣面额
func Discount(c store.Coupon, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	var d decimal.Decimal
	switch c.Type {
	case store.CouponTypeCash, store.CouponTypeFree:
		d = c.Value
	case store.CouponTypePercent:
		d = amount.Mul(c.Value).Div(hundred)
		if c.MaxDiscount.Valid && d.GreaterThan(c.MaxDiscount.Decimal) {
			d = c.MaxDiscount.Decimal
		}
	default:
		return decimal.Zero
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(d, amount).Round(store.CNYScale)
}

// FinalAmount 返回扣减后的应付金额，不低于 0。
func FinalAmount(amount, discount decimal.Decimal) decimal.Decimal {
	f := amount.Sub(discount)
	if f.IsNegative() {
		return decimal.Zero
	}
	return f.Round(store.CNYScale)
}
