package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"petstudio/internal/identity"
	"petstudio/internal/orderstate"
)

var ErrAmountMismatch = errors.New("支付金额与订单金额不一致")

type CreateOrderInput struct {
	Order Order
	// FranchiseeQRCode 非空时在同一事务内扣减加盟商额度，扣减失败则订单不创建。
	FranchiseeQRCode    string
	FranchiseeDeduction decimal.Decimal
	Images              []string
	// ZeroPayment 为 true 时订单直接迁移到 paid，使用合成交易号。
	ZeroPayment       bool
	FreeTransactionID string
	CommissionRate    decimal.Decimal
}

// CreateOrder 创建订单；额度扣减、图片写入与 0 元支付在同一事务内完成。
func (s *Store) CreateOrder(ctx context.Context, in CreateOrderInput) (Order, error) {
	o := in.Order
	if strings.TrimSpace(o.OrderNumber) == "" {
		return Order{}, errors.New("order_number 不能为空")
	}
	if o.Quantity <= 0 {
		o.Quantity = 1
	}
	if o.Source == "" {
		o.Source = OrderSourceMiniProgram
	}
	now := s.clock()

	var out Order
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var account *FranchiseeAccount
		deduction := cny(in.FranchiseeDeduction)
		if qr := strings.TrimSpace(in.FranchiseeQRCode); qr != "" {
			acc, err := s.lockFranchiseeByQRTx(ctx, tx, qr)
			if err != nil {
				return err
			}
			if acc.Status != FranchiseeStatusActive {
				return ErrFranchiseeInactive
			}
			if acc.RemainingQuota.LessThan(deduction) {
				return ErrInsufficientQuota
			}
			account = &acc
			o.FranchiseeID = &acc.ID
			o.FranchiseeDeduction = deduction
		} else {
			o.FranchiseeDeduction = decimal.Zero
		}
		if o.UserCouponID != nil {
			if err := s.holdUserCouponTx(ctx, tx, *o.UserCouponID, o.UserID, now); err != nil {
				return err
			}
		}

		originalImage := o.OriginalImage
		if originalImage == "" && len(in.Images) > 0 {
			originalImage = in.Images[0]
		}
		dispatch := o.DispatchStatus
		if dispatch == "" {
			dispatch = orderstate.DispatchNotSent
		}

		res, err := tx.ExecContext(ctx, `
INSERT INTO orders(
  order_number, source, openid, user_id, customer_name, customer_phone, product_name, size, quantity,
  style_name, style_category_id, style_image_id, original_amount, discount_amount, price, coupon_code, user_coupon_id,
  franchisee_id, franchisee_deduction, machine_serial_number, referrer_user_id, promotion_code, share_record_id, work_id,
  status, transaction_id, original_image, retouched_image, final_image, final_image_clean, hd_image, shipping_info, logistics_info,
  need_confirmation, print_width_cm, print_height_cm, printer_product_id, dispatch_status, dispatch_message, is_deleted,
  created_at, updated_at
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, '', '', '', '', ?, '', ?, ?, ?, ?, ?, '', 0, ?, ?)
`,
			o.OrderNumber, o.Source, o.OpenID, o.UserID, o.CustomerName, o.CustomerPhone, o.ProductName, o.Size, o.Quantity,
			o.StyleName, nullInt64(o.StyleCategoryID), nullInt64(o.StyleImageID), cny(o.OriginalAmount), cny(o.DiscountAmount), cny(o.Price), o.CouponCode, nullInt64(o.UserCouponID),
			nullInt64(o.FranchiseeID), o.FranchiseeDeduction, o.MachineSerialNumber, o.ReferrerUserID, o.PromotionCode, nullInt64(o.ShareRecordID), o.WorkID,
			string(orderstate.Unpaid), originalImage, o.ShippingInfo,
			boolToInt(o.NeedConfirmation), o.PrintWidthCM, o.PrintHeightCM, o.PrinterProductID, dispatch,
			now, now,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("创建订单失败: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("获取订单 id 失败: %w", err)
		}

		if account != nil && deduction.GreaterThan(decimal.Zero) {
			if _, err := s.adjustQuotaTx(ctx, tx, account.ID, deduction, RechargeTypeDebit, &id, "system", "订单扣减"); err != nil {
				return err
			}
		}
		if len(in.Images) > 0 {
			if err := s.replaceOrderImagesTx(ctx, tx, id, in.Images); err != nil {
				return err
			}
		}

		created, err := s.lockOrderTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if in.ZeroPayment {
			if _, err := s.markPaidTx(ctx, tx, created, in.FreeTransactionID, now, in.CommissionRate); err != nil {
				return err
			}
			created, err = s.lockOrderTx(ctx, tx, id)
			if err != nil {
				return err
			}
		}
		out = created
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

type ApplyPaymentInput struct {
	OrderNumber    string
	TransactionID  string
	PaidAt         time.Time
	CommissionRate decimal.Decimal
	// AmountFen 非 nil 时校验渠道回传金额（分）。
	AmountFen *int64
}

// ApplyPayment 幂等地执行 unpaid -> paid。
//
// 同一 (order_number, transaction_id) 重复调用返回 applied=false 且不报错；
// 订单已由其他交易号支付时返回 ErrPaymentConflict。
func (s *Store) ApplyPayment(ctx context.Context, in ApplyPaymentInput) (Order, bool, error) {
	orderNumber := strings.TrimSpace(in.OrderNumber)
	txID := strings.TrimSpace(in.TransactionID)
	if orderNumber == "" || txID == "" {
		return Order{}, false, errors.New("订单号与交易号不能为空")
	}
	paidAt := in.PaidAt
	if paidAt.IsZero() {
		paidAt = s.clock()
	}

	var out Order
	var applied bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := s.lockOrderByNumberTx(ctx, tx, orderNumber)
		if err != nil {
			return err
		}
		if in.AmountFen != nil && o.TransactionID == "" && *in.AmountFen != FenFromCNY(o.Price) {
			return fmt.Errorf("%w: 期望 %d 分，实际 %d 分", ErrAmountMismatch, FenFromCNY(o.Price), *in.AmountFen)
		}
		applied, err = s.markPaidTx(ctx, tx, o, txID, paidAt.UTC(), in.CommissionRate)
		if err != nil {
			return err
		}
		out, err = s.lockOrderTx(ctx, tx, o.ID)
		return err
	})
	if err != nil {
		return Order{}, false, err
	}
	return out, applied, nil
}

// markPaidTx 是支付落账的唯一入口：状态、交易号、支付时间、优惠券核销、佣金计提、推广资格在同一事务内写入。
func (s *Store) markPaidTx(ctx context.Context, tx *sql.Tx, o Order, txID string, paidAt time.Time, rate decimal.Decimal) (bool, error) {
	if o.TransactionID != "" {
		if o.TransactionID == txID {
			return false, nil
		}
		return false, ErrPaymentConflict
	}
	switch o.Status {
	case orderstate.Cancelled:
		return false, ErrOrderCanceled
	case orderstate.Unpaid:
		if err := s.transitionTx(ctx, tx, o, orderstate.Paid, []string{"transaction_id=?", "payment_time=?"}, []any{txID, paidAt}); err != nil {
			return false, err
		}
	default:
		// 自助机先拍后付：主状态已前进，只补记交易号与支付时间。
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET transaction_id=?, payment_time=?, updated_at=? WHERE id=?`, txID, paidAt, s.clock(), o.ID); err != nil {
			return false, fmt.Errorf("记录支付信息失败: %w", err)
		}
	}

	if o.UserCouponID != nil {
		err := s.applyUserCouponTx(ctx, tx, *o.UserCouponID, o.UserID, o.ID, paidAt)
		if errors.Is(err, ErrUserCouponNotUnused) || errors.Is(err, sql.ErrNoRows) {
			// 钱已到账，不因优惠券状态回滚支付。
			slog.Warn("支付时优惠券核销失败", "order_number", o.OrderNumber, "user_coupon_id", *o.UserCouponID, "err", err)
		} else if err != nil {
			return false, err
		}
	}
	if err := s.accrueCommissionTx(ctx, tx, o, rate, paidAt); err != nil {
		return false, err
	}
	if o.OpenID != "" {
		if err := s.activatePromotionUserTx(ctx, tx, o.OpenID, o.UserID, paidAt); err != nil {
			return false, err
		}
	}
	return true, nil
}

// activatePromotionUserTx 首单后开启推广资格，并把临时推广码替换为稳定推广码。
func (s *Store) activatePromotionUserTx(ctx context.Context, tx *sql.Tx, openid string, userID string, now time.Time) error {
	if userID == "" {
		userID = identity.UserID(openid)
	}
	pu, err := s.lockPromotionUserTx(ctx, tx, userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		code, err := s.uniquePromotionCodeTx(ctx, tx, identity.StablePromotionCode(openid))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO promotion_users(user_id, openid, promotion_code, eligible_for_promotion, total_earnings, total_orders, created_at, updated_at)
VALUES(?, ?, ?, 1, 0, 0, ?, ?)
`, userID, openid, code, now, now)
		if err != nil {
			return fmt.Errorf("创建推广用户失败: %w", err)
		}
		return nil
	}
	if pu.EligibleForPromotion && !identity.IsTempPromotionCode(pu.PromotionCode) {
		return nil
	}
	code := pu.PromotionCode
	if identity.IsTempPromotionCode(code) {
		code, err = s.uniquePromotionCodeTx(ctx, tx, identity.StablePromotionCode(openid))
		if err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE promotion_users SET eligible_for_promotion=1, promotion_code=?, updated_at=? WHERE id=?`, code, now, pu.ID); err != nil {
		return fmt.Errorf("开启推广资格失败: %w", err)
	}
	return nil
}

// uniquePromotionCodeTx 冲突时追加数字后缀。
func (s *Store) uniquePromotionCodeTx(ctx context.Context, tx *sql.Tx, base string) (string, error) {
	code := base
	for i := 1; i <= 100; i++ {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM promotion_users WHERE promotion_code=?`, code).Scan(&n); err != nil {
			return "", fmt.Errorf("检查推广码失败: %w", err)
		}
		if n == 0 {
			return code, nil
		}
		code = fmt.Sprintf("%s%d", base, i)
	}
	return "", errors.New("无法生成唯一推广码")
}
