package store_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"petstudio/internal/identity"
	"petstudio/internal/orderstate"
	"petstudio/internal/store"
)

var testRate = decimal.RequireFromString("0.20")

func newOrder(number string, openid string, price string) store.Order {
	p := decimal.RequireFromString(price)
	return store.Order{
		OrderNumber:      number,
		OpenID:           openid,
		UserID:           identity.UserID(openid),
		CustomerName:     "张三",
		CustomerPhone:    "13800000000",
		ProductName:      "相框",
		Size:             "A4",
		StyleName:        "油画",
		OriginalAmount:   p,
		Price:            p,
		NeedConfirmation: true,
	}
}

func mustCreateOrder(t *testing.T, st *store.Store, in store.CreateOrderInput) store.Order {
	t.Helper()
	o, err := st.CreateOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

// makeEligibleReferrer 让 openid 完成一笔已支付订单，从而具备推广资格。
func makeEligibleReferrer(t *testing.T, st *store.Store, openid string) store.PromotionUser {
	t.Helper()
	ctx := context.Background()
	o := mustCreateOrder(t, st, store.CreateOrderInput{Order: newOrder("MPREF"+openid, openid, "10")})
	if _, _, err := st.ApplyPayment(ctx, store.ApplyPaymentInput{OrderNumber: o.OrderNumber, TransactionID: "TREF" + openid, CommissionRate: testRate}); err != nil {
		t.Fatalf("ApplyPayment(referrer): %v", err)
	}
	pu, err := st.GetPromotionUserByUserID(ctx, identity.UserID(openid))
	if err != nil {
		t.Fatalf("GetPromotionUserByUserID: %v", err)
	}
	if !pu.EligibleForPromotion {
		t.Fatalf("expected referrer eligible after first paid order")
	}
	return pu
}

func TestApplyPayment_DuplicateNotifyIsIdempotent(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	ref := makeEligibleReferrer(t, st, "o-referrer")
	in := newOrder("MP20260301100000ABCD", "o-buyer", "99")
	in.ReferrerUserID = ref.UserID
	o := mustCreateOrder(t, st, store.CreateOrderInput{Order: in})
	if o.Status != orderstate.Unpaid {
		t.Fatalf("status=%s want unpaid", o.Status)
	}

	fen := int64(9900)
	first, applied, err := st.ApplyPayment(ctx, store.ApplyPaymentInput{OrderNumber: o.OrderNumber, TransactionID: "T1", CommissionRate: testRate, AmountFen: &fen})
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if !applied || first.Status != orderstate.Paid || first.TransactionID != "T1" || first.PaymentTime == nil {
		t.Fatalf("unexpected first payment result: applied=%v order=%+v", applied, first)
	}

	second, applied, err := st.ApplyPayment(ctx, store.ApplyPaymentInput{OrderNumber: o.OrderNumber, TransactionID: "T1", CommissionRate: testRate, AmountFen: &fen})
	if err != nil {
		t.Fatalf("ApplyPayment (replay): %v", err)
	}
	if applied {
		t.Fatalf("replay should not apply again")
	}
	if second.Status != first.Status || second.TransactionID != first.TransactionID {
		t.Fatalf("replay changed order: %+v vs %+v", second, first)
	}

	if _, err := st.GetCommissionByOrderNumber(ctx, o.OrderNumber); err != nil {
		t.Fatalf("GetCommissionByOrderNumber: %v", err)
	}
	c, err := st.GetCommissionByOrderNumber(ctx, o.OrderNumber)
	if err != nil {
		t.Fatalf("GetCommissionByOrderNumber: %v", err)
	}
	if !c.Amount.Equal(decimal.RequireFromString("19.80")) || c.Status != store.CommissionPending {
		t.Fatalf("unexpected commission: %+v", c)
	}

	if _, _, err := st.ApplyPayment(ctx, store.ApplyPaymentInput{OrderNumber: o.OrderNumber, TransactionID: "T2", CommissionRate: testRate}); !errors.Is(err, store.ErrPaymentConflict) {
		t.Fatalf("expected ErrPaymentConflict, got %v", err)
	}
}

func TestApplyPayment_RejectsAmountMismatchAndCancelled(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	o := mustCreateOrder(t, st, store.CreateOrderInput{Order: newOrder("MPMISMATCH", "o-a", "49")})
	wrong := int64(100)
	if _, _, err := st.ApplyPayment(ctx, store.ApplyPaymentInput{OrderNumber: o.OrderNumber, TransactionID: "T1", AmountFen: &wrong}); !errors.Is(err, store.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	got, err := st.GetOrderByID(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrderByID: %v", err)
	}
	if got.Status != orderstate.Unpaid || got.TransactionID != "" {
		t.Fatalf("mismatch must not mutate order: %+v", got)
	}

	if _, err := st.CancelOrder(ctx, o.ID, "admin", "测试"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if _, _, err := st.ApplyPayment(ctx, store.ApplyPaymentInput{OrderNumber: o.OrderNumber, TransactionID: "T1"}); !errors.Is(err, store.ErrOrderCanceled) {
		t.Fatalf("expected ErrOrderCanceled, got %v", err)
	}
}

func TestApplyPayment_IneligibleReferrerAccruesNothing(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	ref, err := st.RegisterPromotionUser(ctx, "o-new-referrer")
	if err != nil {
		t.Fatalf("RegisterPromotionUser: %v", err)
	}
	if ref.EligibleForPromotion || !identity.IsTempPromotionCode(ref.PromotionCode) {
		t.Fatalf("new promotion user should be ineligible with temp code: %+v", ref)
	}

	in := newOrder("MPNOREF", "o-buyer2", "50")
	in.ReferrerUserID = ref.UserID
	o := mustCreateOrder(t, st, store.CreateOrderInput{Order: in})
	if _, _, err := st.ApplyPayment(ctx, store.ApplyPaymentInput{OrderNumber: o.OrderNumber, TransactionID: "T9", CommissionRate: testRate}); err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if _, err := st.GetCommissionByOrderNumber(ctx, o.OrderNumber); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no commission, got %v", err)
	}

	// 买家首单后获得正式推广码。
	buyer, err := st.GetPromotionUserByUserID(ctx, identity.UserID("o-buyer2"))
	if err != nil {
		t.Fatalf("GetPromotionUserByUserID: %v", err)
	}
	if !buyer.EligibleForPromotion || buyer.PromotionCode != identity.StablePromotionCode("o-buyer2") {
		t.Fatalf("buyer not activated: %+v", buyer)
	}
}

func TestCreateOrder_ZeroPaymentWithFullValueCoupon(t *testing.T) {
	st, now := openTestStore(t)
	ctx := context.Background()

	c, err := st.CreateCoupon(ctx, store.Coupon{
		Code:         "NEWUSER001",
		Name:         "新人券",
		Type:         store.CouponTypeCash,
		Value:        decimal.RequireFromString("49"),
		StartTime:    now.Add(-time.Hour),
		EndTime:      now.Add(24 * time.Hour),
		TotalCount:   10,
		PerUserLimit: 1,
	})
	if err != nil {
		t.Fatalf("CreateCoupon: %v", err)
	}
	buyer := identity.UserID("o-free")
	uc, err := st.ClaimCoupon(ctx, buyer, c.ID)
	if err != nil {
		t.Fatalf("ClaimCoupon: %v", err)
	}

	in := newOrder("MPFREE0001", "o-free", "0")
	in.OriginalAmount = decimal.RequireFromString("49")
	in.DiscountAmount = decimal.RequireFromString("49")
	in.CouponCode = c.Code
	in.UserCouponID = &uc.ID
	txID := identity.FreeTransactionID(in.OrderNumber, *now)
	o := mustCreateOrder(t, st, store.CreateOrderInput{Order: in, ZeroPayment: true, FreeTransactionID: txID, CommissionRate: testRate})

	if o.Status != orderstate.Paid || !strings.HasPrefix(o.TransactionID, "FREE_") || o.PaymentTime == nil {
		t.Fatalf("unexpected free order: %+v", o)
	}
	gotUC, err := st.GetUserCoupon(ctx, uc.ID)
	if err != nil {
		t.Fatalf("GetUserCoupon: %v", err)
	}
	if gotUC.Status != store.UserCouponUsed || gotUC.OrderID == nil || *gotUC.OrderID != o.ID {
		t.Fatalf("user coupon not used: %+v", gotUC)
	}
	gotC, err := st.GetCouponByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCouponByID: %v", err)
	}
	if gotC.UsedCount != 1 || gotC.IssuedCount != 1 {
		t.Fatalf("unexpected coupon counters: issued=%d used=%d", gotC.IssuedCount, gotC.UsedCount)
	}
}

func TestCreateOrder_DuplicateNumber(t *testing.T) {
	st, _ := openTestStore(t)
	mustCreateOrder(t, st, store.CreateOrderInput{Order: newOrder("MPDUP", "o-x", "10")})
	if _, err := st.CreateOrder(context.Background(), store.CreateOrderInput{Order: newOrder("MPDUP", "o-x", "10")}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}
