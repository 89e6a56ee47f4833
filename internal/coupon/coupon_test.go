package coupon

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"petstudio/internal/apperr"
	"petstudio/internal/identity"
	"petstudio/internal/store"
	"petstudio/internal/store/storetest"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDiscount(t *testing.T) {
	capped := decimal.NullDecimal{Decimal: dec("50"), Valid: true}
	cases := []struct {
		name   string
		c      store.Coupon
		amount string
		want   string
	}{
		{name: "cash", c: store.Coupon{Type: store.CouponTypeCash, Value: dec("10")}, amount: "49", want: "10"},
		{name: "cash over amount", c: store.Coupon{Type: store.CouponTypeCash, Value: dec("49")}, amount: "39.9", want: "39.9"},
		{name: "percent", c: store.Coupon{Type: store.CouponTypePercent, Value: dec("20"), MaxDiscount: capped}, amount: "200", want: "40"},
		{name: "percent capped", c: store.Coupon{Type: store.CouponTypePercent, Value: dec("30"), MaxDiscount: capped}, amount: "200", want: "50"},
		{name: "percent rounds", c: store.Coupon{Type: store.CouponTypePercent, Value: dec("15")}, amount: "9.99", want: "1.5"},
		{name: "free voucher", c: store.Coupon{Type: store.CouponTypeFree, Value: dec("99")}, amount: "59", want: "59"},
		{name: "zero amount", c: store.Coupon{Type: store.CouponTypeCash, Value: dec("10")}, amount: "0", want: "0"},
		{name: "unknown type", c: store.Coupon{Type: "mystery", Value: dec("10")}, amount: "10", want: "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Discount(tc.c, dec(tc.amount))
			if !got.Equal(dec(tc.want)) {
				t.Fatalf("Discount=%s want %s", got, tc.want)
			}
		})
	}
	if f := FinalAmount(dec("10"), dec("12")); !f.IsZero() {
		t.Fatalf("FinalAmount should clamp at zero, got %s", f)
	}
}

type fixture struct {
	st  *store.Store
	now *time.Time
	svc *Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st, now := storetest.Open(t)
	return fixture{st: st, now: now, svc: New(st, func() time.Time { return *now })}
}

func (f fixture) coupon(t *testing.T, c store.Coupon) store.Coupon {
	t.Helper()
	if c.StartTime.IsZero() {
		c.StartTime = f.now.Add(-time.Hour)
	}
	if c.EndTime.IsZero() {
		c.EndTime = f.now.Add(72 * time.Hour)
	}
	if c.TotalCount == 0 {
		c.TotalCount = 10
	}
	out, err := f.st.CreateCoupon(context.Background(), c)
	if err != nil {
		t.Fatalf("CreateCoupon: %v", err)
	}
	return out
}

func TestValidate_Reasons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := identity.UserID("o-user")
	c := f.coupon(t, store.Coupon{Code: "DISCOUNT20", Type: store.CouponTypePercent, Value: dec("20"),
		MaxDiscount: decimal.NullDecimal{Decimal: dec("50"), Valid: true}, MinAmount: dec("100")})

	v, err := f.svc.Validate(ctx, user, "NOPE", dec("200"))
	if err != nil || v.Reason != ReasonNotFound {
		t.Fatalf("unknown code: %+v err=%v", v, err)
	}
	v, err = f.svc.Validate(ctx, user, "DISCOUNT20", dec("200"))
	if err != nil || v.Reason != ReasonNotOwned {
		t.Fatalf("not claimed: %+v err=%v", v, err)
	}
	if _, err := f.svc.Claim(ctx, user, c.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	v, err = f.svc.Validate(ctx, user, "DISCOUNT20", dec("99"))
	if err != nil || v.Reason != ReasonMinAmount {
		t.Fatalf("below threshold: %+v err=%v", v, err)
	}
	v, err = f.svc.Validate(ctx, user, "DISCOUNT20", dec("200"))
	if err != nil || !v.OK {
		t.Fatalf("expected ok: %+v err=%v", v, err)
	}
	if !v.Discount.Equal(dec("40")) || !v.FinalAmount.Equal(dec("160")) {
		t.Fatalf("discount=%s final=%s", v.Discount, v.FinalAmount)
	}

	*f.now = f.now.Add(96 * time.Hour)
	v, err = f.svc.Validate(ctx, user, "DISCOUNT20", dec("200"))
	if err != nil || v.Reason != ReasonExpired {
		t.Fatalf("expected expired: %+v err=%v", v, err)
	}
}

func TestClaim_LimitMapsToInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.coupon(t, store.Coupon{Code: "ONE", Type: store.CouponTypeCash, Value: dec("5"), TotalCount: 1})
	if _, err := f.svc.Claim(ctx, "USERA", c.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	_, err := f.svc.Claim(ctx, "USERB", c.ID)
	if !apperr.Is(err, apperr.KindInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := f.svc.Claim(ctx, "USERB", 9999); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListAvailable_HidesExhaustedAndHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.coupon(t, store.Coupon{Code: "A", Type: store.CouponTypeCash, Value: dec("5"), PerUserLimit: 2})
	b := f.coupon(t, store.Coupon{Code: "B", Type: store.CouponTypeCash, Value: dec("5"), PerUserLimit: 1})
	f.coupon(t, store.Coupon{Code: "LATER", Type: store.CouponTypeCash, Value: dec("5"), StartTime: f.now.Add(time.Hour)})

	if _, err := f.svc.Claim(ctx, "USERA", b.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	list, err := f.svc.ListAvailable(ctx, "USERA")
	if err != nil {
		t.Fatalf("ListAvailable: %v", err)
	}
	if len(list) != 1 || list[0].Coupon.ID != a.ID || list[0].Remaining != 2 {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestApplyRevokeRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := identity.UserID("o-buyer")
	c := f.coupon(t, store.Coupon{Code: "CASH10", Type: store.CouponTypeCash, Value: dec("10")})
	if _, err := f.svc.Claim(ctx, user, c.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	o, err := f.st.CreateOrder(ctx, store.CreateOrderInput{Order: storetest.NewOrder("MP1", "o-buyer", "49")})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if err := f.svc.Apply(ctx, user, "CASH10", o.ID); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, _ := f.st.GetCouponByID(ctx, c.ID)
	if got.UsedCount != 1 {
		t.Fatalf("used_count=%d want 1", got.UsedCount)
	}
	if err := f.svc.Apply(ctx, user, "CASH10", o.ID); !apperr.Is(err, apperr.KindInsufficientFunds) {
		t.Fatalf("second apply should fail, got %v", err)
	}

	if err := f.svc.Revoke(ctx, o.ID); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("revoke before cancel should be rejected, got %v", err)
	}
	if _, err := f.st.CancelOrder(ctx, o.ID, "admin", "测试"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if err := f.svc.Revoke(ctx, o.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	got, _ = f.st.GetCouponByID(ctx, c.ID)
	if got.UsedCount != 0 || got.IssuedCount != 1 {
		t.Fatalf("counters after revoke: %+v", got)
	}
	held, _ := f.st.ListUserCoupons(ctx, user, c.ID)
	if len(held) != 1 || held[0].Status != store.UserCouponUnused || held[0].OrderID != nil {
		t.Fatalf("user coupon not restored: %+v", held)
	}
}
