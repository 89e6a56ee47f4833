package store

import "errors"

var (
	ErrOrderCanceled        = errors.New("订单已取消")
	ErrPaymentConflict      = errors.New("订单已由其他交易号支付")
	ErrInsufficientQuota    = errors.New("加盟商额度不足")
	ErrFranchiseeInactive   = errors.New("加盟商账号不可用")
	ErrCouponLimitReached   = errors.New("优惠券已领完或已达领取上限")
	ErrCouponUnavailable    = errors.New("优惠券不可用")
	ErrUserCouponNotUnused  = errors.New("优惠券已使用或已过期")
	ErrInsufficientBalance  = errors.New("可提现余额不足")
	ErrActiveTaskExists     = errors.New("订单已有进行中的生成任务")
	ErrTaskNotActive        = errors.New("生成任务已结束")
	ErrShareRecordCompleted = errors.New("分享记录已完成")
	ErrArtifactsMissing     = errors.New("缺少成品图或无水印图")
	ErrOrderNotPaid         = errors.New("订单尚未支付")
	ErrHDImageMissing       = errors.New("缺少高清图")
	ErrDuplicate            = errors.New("记录已存在")
)
