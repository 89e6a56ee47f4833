package order

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"petstudio/internal/apperr"
	"petstudio/internal/orderstate"
	"petstudio/internal/pipeline"
	"petstudio/internal/store"
)

// Payment 是任意支付渠道确认到账后的统一入参。
type Payment struct {
	OrderNumber   string
	TransactionID string
	Channel       string
	PaidAt        time.Time
	// AmountFen 非 nil 时与订单金额比对，不一致拒绝落账。
	AmountFen *int64
}

// ApplyPayment 幂等落账。同一订单的回调按订单号串行执行；
// 重复回调返回 applied=false 且不报错。
func (s *Service) ApplyPayment(ctx context.Context, p Payment) (store.Order, bool, error) {
	number := strings.TrimSpace(p.OrderNumber)
	if number == "" || strings.TrimSpace(p.TransactionID) == "" {
		return store.Order{}, false, apperr.InvalidInput("订单号与交易号不能为空")
	}
	unlock, err := s.locks.Lock(ctx, "pay:"+number)
	if err != nil {
		return store.Order{}, false, apperr.Wrap(apperr.KindExternalTransient, "获取支付锁失败", err)
	}
	defer unlock()

	o, applied, err := s.st.ApplyPayment(ctx, store.ApplyPaymentInput{
		OrderNumber:    number,
		TransactionID:  p.TransactionID,
		PaidAt:         p.PaidAt,
		CommissionRate: s.promo.Rate(),
		AmountFen:      p.AmountFen,
	})
	if err != nil {
		return store.Order{}, false, mapPaymentError(err)
	}
	if !applied {
		slog.Info("重复的支付通知，已忽略", "order_number", number, "transaction_id", p.TransactionID, "channel", p.Channel)
		return o, false, nil
	}
	slog.Info("订单支付已落账", "order_number", number, "transaction_id", p.TransactionID, "channel", p.Channel, "price", o.Price.StringFixed(2))
	s.countPaid(p.Channel)
	return s.startIfReady(ctx, o), true, nil
}

func mapPaymentError(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return apperr.NotFound("订单不存在")
	case errors.Is(err, store.ErrAmountMismatch):
		return &apperr.Error{Kind: apperr.KindInvalidInput, SubKind: "amount_mismatch", Message: "支付金额与订单金额不一致", Err: err}
	case errors.Is(err, store.ErrPaymentConflict):
		return &apperr.Error{Kind: apperr.KindDuplicateOperation, SubKind: "payment_conflict", Message: "订单已由其他交易支付", Err: err}
	case errors.Is(err, store.ErrOrderCanceled), errors.Is(err, orderstate.ErrInvalidTransition):
		return apperr.Wrap(apperr.KindInvalidTransition, "订单状态不允许支付", err)
	default:
		return apperr.Internal("支付落账失败", err)
	}
}

// startIfReady 在下单时已附带照片的订单支付后，直接进入拍摄并提交 AI 生成；
// 先拍后付且已出图的订单交给 pipeline 按自动确认规则处理。
func (s *Service) startIfReady(ctx context.Context, o store.Order) store.Order {
	if o.Status == orderstate.Pending {
		s.enqueue(o, pipeline.JobConfirm)
		return o
	}
	if o.Status != orderstate.Paid {
		return o
	}
	imgs, err := s.st.ListOrderImages(ctx, o.ID)
	if err != nil {
		slog.Warn("读取订单图片失败", "order_number", o.OrderNumber, "err", err)
		return o
	}
	if len(imgs) == 0 {
		return o
	}
	paths := make([]string, 0, len(imgs))
	for _, img := range imgs {
		paths = append(paths, img.Path)
	}
	shooting, err := s.st.SetOrderShooting(ctx, o.ID, paths)
	if err != nil {
		slog.Warn("订单进入拍摄失败", "order_number", o.OrderNumber, "err", err)
		return o
	}
	s.enqueue(shooting, pipeline.JobGenerate)
	return shooting
}

// enqueue 提交后台步骤；队列满或已关闭只记日志，后台可手动重新提交。
func (s *Service) enqueue(o store.Order, kind string) bool {
	if s.jobs == nil {
		return false
	}
	ok, err := s.jobs.Enqueue(o.ID, kind)
	if err != nil {
		slog.Warn("提交图片处理任务失败", "order_number", o.OrderNumber, "kind", kind, "err", err)
		return false
	}
	return ok
}
