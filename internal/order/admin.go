package order

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	"petstudio/internal/apperr"
	"petstudio/internal/orderstate"
	"petstudio/internal/pipeline"
	"petstudio/internal/store"
)

func mapStateError(msg string, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return apperr.NotFound("订单不存在")
	case errors.Is(err, orderstate.ErrInvalidTransition),
		errors.Is(err, store.ErrArtifactsMissing),
		errors.Is(err, store.ErrOrderNotPaid),
		errors.Is(err, store.ErrHDImageMissing):
		return apperr.Wrap(apperr.KindInvalidTransition, msg, err)
	default:
		return apperr.Internal(msg, err)
	}
}

// owned 校验订单归属；openid 为空表示后台调用，不做校验。
func (s *Service) owned(ctx context.Context, orderNumber string, openid string) (store.Order, error) {
	o, err := s.get(ctx, orderNumber)
	if err != nil {
		return store.Order{}, err
	}
	if openid = strings.TrimSpace(openid); openid != "" && o.OpenID != openid {
		return store.Order{}, apperr.NotFound("订单不存在")
	}
	return o, nil
}

// Confirm pending -> manufacturing，随后提交高清与打印。
func (s *Service) Confirm(ctx context.Context, orderNumber string, openid string) (store.Order, error) {
	o, err := s.owned(ctx, orderNumber, openid)
	if err != nil {
		return store.Order{}, err
	}
	confirmed, err := s.st.ConfirmOrder(ctx, o.ID)
	if err != nil {
		return store.Order{}, mapStateError("订单当前状态不能确认", err)
	}
	slog.Info("订单已确认", "order_number", o.OrderNumber, "by_customer", openid != "")
	s.enqueue(confirmed, pipeline.JobProduce)
	return confirmed, nil
}

// Cancel 取消生产前的订单。顾客只能取消未支付订单。
func (s *Service) Cancel(ctx context.Context, orderNumber string, openid string, operator string, reason string) (store.Order, error) {
	o, err := s.owned(ctx, orderNumber, openid)
	if err != nil {
		return store.Order{}, err
	}
	if strings.TrimSpace(openid) != "" && o.TransactionID != "" {
		return store.Order{}, apperr.InvalidTransition("已支付订单请联系客服取消")
	}
	if strings.TrimSpace(operator) == "" {
		operator = "system"
	}
	cancelled, err := s.st.CancelOrder(ctx, o.ID, operator, strings.TrimSpace(reason))
	if err != nil {
		return store.Order{}, mapStateError("订单当前状态不能取消", err)
	}
	slog.Info("订单已取消", "order_number", o.OrderNumber, "operator", operator, "reason", reason,
		"franchisee_refund", cancelled.FranchiseeDeduction.StringFixed(2))
	return cancelled, nil
}

// Deliver shipped -> delivered，并结算佣金。
func (s *Service) Deliver(ctx context.Context, orderNumber string, logistics string) (store.Order, error) {
	o, err := s.get(ctx, orderNumber)
	if err != nil {
		return store.Order{}, err
	}
	delivered, err := s.st.MarkOrderDelivered(ctx, o.OrderNumber, strings.TrimSpace(logistics))
	if err != nil {
		return store.Order{}, mapStateError("订单当前状态不能签收", err)
	}
	slog.Info("订单已送达", "order_number", o.OrderNumber)
	return delivered, nil
}

// Regenerate 重新提交 AI 生成，用于队列满或任务失败后的人工补救。
func (s *Service) Regenerate(ctx context.Context, orderNumber string) (bool, error) {
	o, err := s.get(ctx, orderNumber)
	if err != nil {
		return false, err
	}
	if o.Status != orderstate.Shooting {
		return false, apperr.InvalidTransition("只有拍摄中的订单可以重新生成")
	}
	return s.enqueue(o, pipeline.JobGenerate), nil
}

// TriggerHD 对已确认的订单重新提交高清处理。
func (s *Service) TriggerHD(ctx context.Context, orderNumber string) (bool, error) {
	o, err := s.get(ctx, orderNumber)
	if err != nil {
		return false, err
	}
	if o.Status != orderstate.Manufacturing && o.Status != orderstate.Completed {
		return false, apperr.InvalidTransition("订单当前状态不能生成高清图")
	}
	return s.enqueue(o, pipeline.JobProduce), nil
}

// RetryPrint 重新推送 hd_ready 订单到打印系统。
func (s *Service) RetryPrint(ctx context.Context, orderNumber string) (bool, error) {
	o, err := s.get(ctx, orderNumber)
	if err != nil {
		return false, err
	}
	if o.Status != orderstate.HDReady {
		return false, apperr.InvalidTransition("只有高清图就绪的订单可以推送打印")
	}
	if o.DispatchStatus == orderstate.DispatchSending {
		return false, apperr.New(apperr.KindDuplicateOperation, "订单正在推送打印")
	}
	return s.enqueue(o, pipeline.JobPrint), nil
}

// RetryAITask 人工重试一个失败的 AI 任务。
func (s *Service) RetryAITask(ctx context.Context, taskID int64) (store.AITask, error) {
	if s.ai == nil {
		return store.AITask{}, apperr.New(apperr.KindExternalPermanent, "AI 服务未启用")
	}
	if taskID <= 0 {
		return store.AITask{}, apperr.InvalidInput("任务 id 无效")
	}
	t, err := s.ai.ManualRetry(ctx, taskID)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return store.AITask{}, err
		}
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return store.AITask{}, apperr.NotFound("AI 任务不存在")
		case errors.Is(err, store.ErrActiveTaskExists):
			return store.AITask{}, apperr.New(apperr.KindDuplicateOperation, "订单已有进行中的 AI 任务")
		case errors.Is(err, store.ErrRetryCapReached):
			return store.AITask{}, apperr.InvalidTransition("已达到重试上限")
		case errors.Is(err, store.ErrTaskNotActive):
			return store.AITask{}, apperr.InvalidTransition("该任务不允许人工重试")
		default:
			return store.AITask{}, apperr.Internal("重试 AI 任务失败", err)
		}
	}
	return t, nil
}

// Delete 软删除订单。
func (s *Service) Delete(ctx context.Context, orderNumber string, openid string) error {
	o, err := s.owned(ctx, orderNumber, openid)
	if err != nil {
		return err
	}
	if !orderstate.Terminal(o.Status) && o.Status != orderstate.Unpaid {
		return apperr.InvalidTransition("进行中的订单不能删除")
	}
	if err := s.st.SoftDeleteOrder(ctx, o.ID); err != nil {
		return apperr.Internal("删除订单失败", err)
	}
	return nil
}
