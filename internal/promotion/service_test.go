package promotion

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"petstudio/internal/apperr"
	"petstudio/internal/identity"
	"petstudio/internal/store"
	"petstudio/internal/store/storetest"
)

var rate = decimal.RequireFromString("0.2")

func payOrder(t *testing.T, st *store.Store, o store.Order) store.Order {
	t.Helper()
	ctx := context.Background()
	created, err := st.CreateOrder(ctx, store.CreateOrderInput{Order: o})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	paid, _, err := st.ApplyPayment(ctx, store.ApplyPaymentInput{OrderNumber: created.OrderNumber, TransactionID: "T-" + created.OrderNumber, CommissionRate: rate})
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	return paid
}

func TestRegisterAndTrack(t *testing.T) {
	st, _ := storetest.Open(t)
	svc := New(st, rate)
	ctx := context.Background()

	pu, err := svc.Register(ctx, "o-referrer")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !identity.IsTempPromotionCode(pu.PromotionCode) || pu.EligibleForPromotion {
		t.Fatalf("new user should hold a temporary code: %+v", pu)
	}
	again, err := svc.Register(ctx, "o-referrer")
	if err != nil || again.ID != pu.ID {
		t.Fatalf("Register should be idempotent: %+v err=%v", again, err)
	}

	added, err := svc.Track(ctx, pu.PromotionCode, "o-visitor")
	if err != nil || !added {
		t.Fatalf("Track: added=%v err=%v", added, err)
	}
	added, err = svc.Track(ctx, pu.PromotionCode, "o-visitor")
	if err != nil || added {
		t.Fatalf("repeat Track should be a no-op: added=%v err=%v", added, err)
	}
	if _, err := svc.Track(ctx, "PETNOPE", "o-visitor"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveReferrer(t *testing.T) {
	st, _ := storetest.Open(t)
	svc := New(st, rate)
	ctx := context.Background()
	ref, _ := svc.Register(ctx, "o-referrer")
	other, _ := svc.Register(ctx, "o-other")
	buyer := identity.UserID("o-buyer")

	cases := []struct {
		name     string
		referrer string
		code     string
		want     string
	}{
		{name: "nothing", want: ""},
		{name: "code only", code: ref.PromotionCode, want: ref.UserID},
		{name: "matching referrer and code", referrer: ref.UserID, code: ref.PromotionCode, want: ref.UserID},
		{name: "referrer without code", referrer: ref.UserID, want: ""},
		{name: "mismatched code", referrer: ref.UserID, code: other.PromotionCode, want: ""},
		{name: "unknown code", referrer: ref.UserID, code: "WRONGCODE", want: ""},
		{name: "self referral", referrer: buyer, code: "WRONGCODE", want: ""},
	}
	for _, tc := range cases {
		got, code := svc.ResolveReferrer(ctx, buyer, tc.referrer, tc.code)
		if got != tc.want {
			t.Fatalf("%s: referrer=%q want %q", tc.name, got, tc.want)
		}
		if got == "" && code != "" {
			t.Fatalf("%s: code=%q without referrer", tc.name, code)
		}
	}

	// 首次访问绑定后，下单参数里的其他推广人不能覆盖。
	if _, err := svc.Track(ctx, ref.PromotionCode, "o-buyer"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if got, code := svc.ResolveReferrer(ctx, buyer, "", ""); got != ref.UserID || code != ref.PromotionCode {
		t.Fatalf("first-touch attribution: got %q %q", got, code)
	}
	if got, _ := svc.ResolveReferrer(ctx, buyer, other.UserID, other.PromotionCode); got != ref.UserID {
		t.Fatalf("explicit referrer overrode first touch: got %q", got)
	}
	if got, _ := svc.ResolveReferrer(ctx, buyer, "USERANYTHING", ""); got != ref.UserID {
		t.Fatalf("unverified referrer overrode first touch: got %q", got)
	}

	// 推广人扫自己的码不产生归因。
	self := identity.UserID("o-referrer")
	if got, _ := svc.ResolveReferrer(ctx, self, "", ref.PromotionCode); got != "" {
		t.Fatalf("self referral should resolve to empty, got %q", got)
	}
}

func TestCommissionAndWithdrawal(t *testing.T) {
	st, _ := storetest.Open(t)
	svc := New(st, rate)
	ctx := context.Background()

	// 推广人自己先下一单，获得推广资格。
	payOrder(t, st, storetest.NewOrder("MP-REF", "o-referrer", "10"))
	referrer := identity.UserID("o-referrer")

	o := storetest.NewOrder("MP-BUY", "o-buyer", "99.99")
	o.ReferrerUserID = referrer
	paid := payOrder(t, st, o)

	c, err := st.GetCommissionByOrderNumber(ctx, paid.OrderNumber)
	if err != nil {
		t.Fatalf("GetCommissionByOrderNumber: %v", err)
	}
	if c.Status != store.CommissionPending || !c.Amount.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("unexpected commission: %+v", c)
	}

	if _, err := svc.ApplyWithdrawal(ctx, referrer, decimal.RequireFromString("1"), ""); !apperr.Is(err, apperr.KindInsufficientFunds) {
		t.Fatalf("pending commission must not be withdrawable, got %v", err)
	}

	if _, err := st.ConfirmOrder(ctx, paid.ID); err == nil {
		t.Fatalf("paid order without artifacts must not confirm")
	}
	// 直接走 shipped -> delivered 需要完整生产链路，这里用取消验证 pending -> cancelled。
	if _, err := st.CancelOrder(ctx, paid.ID, "admin", "测试"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	c, _ = st.GetCommissionByOrderNumber(ctx, paid.OrderNumber)
	if c.Status != store.CommissionCancelled {
		t.Fatalf("commission should be cancelled, got %s", c.Status)
	}

	ov, err := svc.Overview(ctx, referrer)
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if !ov.User.EligibleForPromotion || identity.IsTempPromotionCode(ov.User.PromotionCode) || !ov.Summary.Available.IsZero() {
		t.Fatalf("unexpected overview: %+v", ov)
	}
	if _, err := svc.ApplyWithdrawal(ctx, referrer, decimal.Zero, ""); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("zero withdrawal should be invalid, got %v", err)
	}
}
