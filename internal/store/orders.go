package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"petstudio/internal/orderstate"
)

const orderColumns = `id, order_number, source, openid, user_id, customer_name, customer_phone, product_name, size, quantity,
style_name, style_category_id, style_image_id, original_amount, discount_amount, price, coupon_code, user_coupon_id,
franchisee_id, franchisee_deduction, machine_serial_number, referrer_user_id, promotion_code, share_record_id, work_id,
status, transaction_id, original_image, retouched_image, final_image, final_image_clean, hd_image, shipping_info, logistics_info,
need_confirmation, print_width_cm, print_height_cm, printer_product_id, dispatch_status, dispatch_message, is_deleted,
created_at, updated_at, payment_time, production_time, completed_at, shipped_at, delivered_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var o Order
	var status string
	var styleCategoryID, styleImageID, userCouponID, franchiseeID, shareRecordID sql.NullInt64
	var needConfirmation, isDeleted int
	var paymentTime, productionTime, completedAt, shippedAt, deliveredAt, cancelledAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.Source, &o.OpenID, &o.UserID, &o.CustomerName, &o.CustomerPhone, &o.ProductName, &o.Size, &o.Quantity,
		&o.StyleName, &styleCategoryID, &styleImageID, &o.OriginalAmount, &o.DiscountAmount, &o.Price, &o.CouponCode, &userCouponID,
		&franchiseeID, &o.FranchiseeDeduction, &o.MachineSerialNumber, &o.ReferrerUserID, &o.PromotionCode, &shareRecordID, &o.WorkID,
		&status, &o.TransactionID, &o.OriginalImage, &o.RetouchedImage, &o.FinalImage, &o.FinalImageClean, &o.HDImage, &o.ShippingInfo, &o.LogisticsInfo,
		&needConfirmation, &o.PrintWidthCM, &o.PrintHeightCM, &o.PrinterProductID, &o.DispatchStatus, &o.DispatchMessage, &isDeleted,
		&o.CreatedAt, &o.UpdatedAt, &paymentTime, &productionTime, &completedAt, &shippedAt, &deliveredAt, &cancelledAt,
	)
	if err != nil {
		return Order{}, err
	}
	o.Status = orderstate.Status(status)
	o.StyleCategoryID = ptrInt64(styleCategoryID)
	o.StyleImageID = ptrInt64(styleImageID)
	o.UserCouponID = ptrInt64(userCouponID)
	o.FranchiseeID = ptrInt64(franchiseeID)
	o.ShareRecordID = ptrInt64(shareRecordID)
	o.NeedConfirmation = needConfirmation != 0
	o.IsDeleted = isDeleted != 0
	o.OriginalAmount = cny(o.OriginalAmount)
	o.DiscountAmount = cny(o.DiscountAmount)
	o.Price = cny(o.Price)
	o.FranchiseeDeduction = cny(o.FranchiseeDeduction)
	o.PaymentTime = ptrTime(paymentTime)
	o.ProductionTime = ptrTime(productionTime)
	o.CompletedAt = ptrTime(completedAt)
	o.ShippedAt = ptrTime(shippedAt)
	o.DeliveredAt = ptrTime(deliveredAt)
	o.CancelledAt = ptrTime(cancelledAt)
	return o, nil
}

func (s *Store) GetOrderByID(ctx context.Context, id int64) (Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, sql.ErrNoRows
		}
		return Order{}, fmt.Errorf("查询订单失败: %w", err)
	}
	return o, nil
}

func (s *Store) GetOrderByNumber(ctx context.Context, orderNumber string) (Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number=?`, strings.TrimSpace(orderNumber)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, sql.ErrNoRows
		}
		return Order{}, fmt.Errorf("查询订单失败: %w", err)
	}
	return o, nil
}

// lockOrderTx 在事务内读取并锁定订单行。
func (s *Store) lockOrderTx(ctx context.Context, tx *sql.Tx, id int64) (Order, error) {
	o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`+forUpdateClause(s.dialect), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, sql.ErrNoRows
		}
		return Order{}, fmt.Errorf("锁定订单失败: %w", err)
	}
	return o, nil
}

func (s *Store) lockOrderByNumberTx(ctx context.Context, tx *sql.Tx, orderNumber string) (Order, error) {
	o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number=?`+forUpdateClause(s.dialect), orderNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, sql.ErrNoRows
		}
		return Order{}, fmt.Errorf("锁定订单失败: %w", err)
	}
	return o, nil
}

// CountOrdersByUser 统计用户的有效订单数（不含已取消），exceptOrderID 用于排除当前订单。
func (s *Store) CountOrdersByUser(ctx context.Context, userID string, exceptOrderID int64) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM orders WHERE user_id=? AND id<>? AND status<>?
`, userID, exceptOrderID, string(orderstate.Cancelled)).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计用户订单失败: %w", err)
	}
	return n, nil
}

// ListOrdersByStatus 供后台流水线补偿使用。
func (s *Store) ListOrdersByStatus(ctx context.Context, status orderstate.Status, limit int) ([]Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE status=? AND is_deleted=0 ORDER BY id ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("查询订单列表失败: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描订单失败: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历订单失败: %w", err)
	}
	return out, nil
}

// transitionTx 校验迁移合法后更新 status 与附加列；extra 为 "col=?" 片段，args 与其一一对应。
func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, o Order, to orderstate.Status, extra []string, args []any) error {
	if err := orderstate.Check(o.Status, to); err != nil {
		return err
	}
	now := s.clock()
	set := append([]string{"status=?", "updated_at=?"}, extra...)
	all := append([]any{string(to), now}, args...)
	all = append(all, o.ID, string(o.Status))
	res, err := tx.ExecContext(ctx, `UPDATE orders SET `+strings.Join(set, ", ")+` WHERE id=? AND status=?`, all...)
	if err != nil {
		return fmt.Errorf("更新订单状态失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取更新行数失败: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: 订单状态已变化", orderstate.ErrInvalidTransition)
	}
	return nil
}

// SetOrderShooting 写入原图并迁移到 shooting；已在 shooting 时仅替换原图。
func (s *Store) SetOrderShooting(ctx context.Context, orderID int64, paths []string) (Order, error) {
	if len(paths) == 0 {
		return Order{}, errors.New("照片不能为空")
	}
	var out Order
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := s.lockOrderTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !orderstate.AcceptsUpload(o.Status) {
			return fmt.Errorf("%w: 当前状态 %s 不允许上传", orderstate.ErrInvalidTransition, o.Status)
		}
		if err := s.replaceOrderImagesTx(ctx, tx, o.ID, paths); err != nil {
			return err
		}
		if o.Status == orderstate.Shooting {
			if _, err := tx.ExecContext(ctx, `UPDATE orders SET original_image=?, retouched_image='', updated_at=? WHERE id=?`, paths[0], s.clock(), o.ID); err != nil {
				return fmt.Errorf("更新原图失败: %w", err)
			}
		} else if err := s.transitionTx(ctx, tx, o, orderstate.Shooting, []string{"original_image=?", "retouched_image=''"}, []any{paths[0]}); err != nil {
			return err
		}
		out, err = s.lockOrderTx(ctx, tx, o.ID)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

// SetOrderRetouched 记录美颜后的图片，仅在生产前有效。
func (s *Store) SetOrderRetouched(ctx context.Context, orderID int64, path string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET retouched_image=?, updated_at=? WHERE id=? AND status IN (?, ?)`,
		path, s.clock(), orderID, string(orderstate.Shooting), string(orderstate.Processing))
	if err != nil {
		return fmt.Errorf("更新美颜图失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return orderstate.ErrInvalidTransition
	}
	return nil
}

// ConfirmOrder pending -> manufacturing；要求订单已支付，且成品图与无水印图都已写入。
func (s *Store) ConfirmOrder(ctx context.Context, orderID int64) (Order, error) {
	var out Order
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := s.lockOrderTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.Status == orderstate.Manufacturing {
			out = o
			return nil
		}
		if err := orderstate.Check(o.Status, orderstate.Manufacturing); err != nil {
			return err
		}
		// 自助机允许先拍后付，未付款的订单停在 pending 等待支付回调。
		if !o.Paid() {
			return ErrOrderNotPaid
		}
		if strings.TrimSpace(o.FinalImage) == "" || strings.TrimSpace(o.FinalImageClean) == "" {
			return ErrArtifactsMissing
		}
		if err := s.transitionTx(ctx, tx, o, orderstate.Manufacturing, nil, nil); err != nil {
			return err
		}
		out, err = s.lockOrderTx(ctx, tx, o.ID)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

// CompleteDigitalOrder manufacturing -> completed，用于无需打印的电子版订单。
func (s *Store) CompleteDigitalOrder(ctx context.Context, orderID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := s.lockOrderTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		return s.transitionTx(ctx, tx, o, orderstate.Completed, []string{"completed_at=?"}, []any{s.clock()})
	})
}

// SetOrderHD manufacturing|completed -> hd_ready。
func (s *Store) SetOrderHD(ctx context.Context, orderID int64, hdPath string) (Order, error) {
	if strings.TrimSpace(hdPath) == "" {
		return Order{}, ErrHDImageMissing
	}
	var out Order
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := s.lockOrderTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.Status == orderstate.HDReady && o.HDImage == hdPath {
			out = o
			return nil
		}
		if err := s.transitionTx(ctx, tx, o, orderstate.HDReady, []string{"hd_image=?", "completed_at=?"}, []any{hdPath, s.clock()}); err != nil {
			return err
		}
		out, err = s.lockOrderTx(ctx, tx, o.ID)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

// BeginDispatch 标记打印派发进行中；非 hd_ready 或正在派发时返回 ErrInvalidTransition。
func (s *Store) BeginDispatch(ctx context.Context, orderID int64) (Order, error) {
	var out Order
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := s.lockOrderTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.Status != orderstate.HDReady || o.DispatchStatus == orderstate.DispatchSending {
			return fmt.Errorf("%w: 当前状态 %s/%s 不允许派发", orderstate.ErrInvalidTransition, o.Status, o.DispatchStatus)
		}
		if strings.TrimSpace(o.HDImage) == "" {
			return ErrHDImageMissing
		}
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET dispatch_status=?, updated_at=? WHERE id=?`, orderstate.DispatchSending, s.clock(), o.ID); err != nil {
			return fmt.Errorf("更新派发状态失败: %w", err)
		}
		o.DispatchStatus = orderstate.DispatchSending
		out = o
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

// FinishDispatch 落库打印系统的应答：成功则 hd_ready -> shipped，失败只改派发子状态。
func (s *Store) FinishDispatch(ctx context.Context, orderID int64, success bool, message string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := s.lockOrderTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !success {
			_, err := tx.ExecContext(ctx, `UPDATE orders SET dispatch_status=?, dispatch_message=?, updated_at=? WHERE id=?`,
				orderstate.DispatchSentFailed, message, s.clock(), o.ID)
			if err != nil {
				return fmt.Errorf("更新派发状态失败: %w", err)
			}
			return nil
		}
		if strings.TrimSpace(o.HDImage) == "" {
			return ErrHDImageMissing
		}
		return s.transitionTx(ctx, tx, o, orderstate.Shipped,
			[]string{"dispatch_status=?", "dispatch_message=?", "shipped_at=?"},
			[]any{orderstate.DispatchSentSuccess, message, s.clock()})
	})
}

// MarkOrderDelivered shipped -> delivered，并在同一事务内结算佣金。
func (s *Store) MarkOrderDelivered(ctx context.Context, orderNumber string, logistics string) (Order, error) {
	var out Order
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := s.lockOrderByNumberTx(ctx, tx, orderNumber)
		if err != nil {
			return err
		}
		if o.Status == orderstate.Delivered {
			out = o
			return nil
		}
		now := s.clock()
		if err := s.transitionTx(ctx, tx, o, orderstate.Delivered, []string{"logistics_info=?", "delivered_at=?"}, []any{logistics, now}); err != nil {
			return err
		}
		if err := s.settleCommissionTx(ctx, tx, o.OrderNumber, now); err != nil {
			return err
		}
		out, err = s.lockOrderTx(ctx, tx, o.ID)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

// CancelOrder 取消生产前订单：同一事务内退还加盟商额度、取消待结算佣金、撤销已核销的优惠券。
func (s *Store) CancelOrder(ctx context.Context, orderID int64, operator string, reason string) (Order, error) {
	var out Order
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := s.lockOrderTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.Status == orderstate.Cancelled {
			out = o
			return nil
		}
		now := s.clock()
		if err := s.transitionTx(ctx, tx, o, orderstate.Cancelled, []string{"cancelled_at=?"}, []any{now}); err != nil {
			return err
		}
		if o.FranchiseeID != nil && o.FranchiseeDeduction.GreaterThan(decimal.Zero) {
			if _, err := s.adjustQuotaTx(ctx, tx, *o.FranchiseeID, o.FranchiseeDeduction, RechargeTypeRefund, &o.ID, operator, "订单取消退还："+reason); err != nil {
				return err
			}
		}
		if err := s.cancelCommissionTx(ctx, tx, o.OrderNumber, now); err != nil {
			return err
		}
		if o.UserCouponID != nil {
			if err := s.revokeUserCouponTx(ctx, tx, *o.UserCouponID, o.ID); err != nil {
				return err
			}
		}
		out, err = s.lockOrderTx(ctx, tx, o.ID)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

// SoftDeleteOrder 仅设置删除标记，不改变状态。
func (s *Store) SoftDeleteOrder(ctx context.Context, orderID int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE orders SET is_deleted=1, updated_at=? WHERE id=?`, s.clock(), orderID); err != nil {
		return fmt.Errorf("删除订单失败: %w", err)
	}
	return nil
}
