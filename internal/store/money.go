package store

import "github.com/shopspring/decimal"

// CNYScale 人民币金额统一保留两位小数。
const CNYScale = int32(2)

// RateScale 佣金比例保留四位小数。
const RateScale = int32(4)

func cny(d decimal.Decimal) decimal.Decimal {
	return d.Round(CNYScale)
}

// FenFromCNY 将元转换为分（支付渠道使用整数分）。
func FenFromCNY(d decimal.Decimal) int64 {
	return d.Round(CNYScale).Shift(2).IntPart()
}
