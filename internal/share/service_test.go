package share

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"petstudio/internal/identity"
	"petstudio/internal/store"
	"petstudio/internal/store/storetest"
)

func newService(t *testing.T) (*store.Store, *Service) {
	t.Helper()
	st, _ := storetest.Open(t)
	return st, New(st, Options{SharerReward: decimal.RequireFromString("10"), SharedReward: decimal.RequireFromString("5")})
}

func createOrder(t *testing.T, st *store.Store, number, openid string) store.Order {
	t.Helper()
	o, err := st.CreateOrder(context.Background(), store.CreateOrderInput{Order: storetest.NewOrder(number, openid, "59")})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

func TestReward_FirstOrderIssuesPairOnce(t *testing.T) {
	st, svc := newService(t)
	ctx := context.Background()
	sharer := identity.UserID("o-sharer")
	rec, err := svc.Record(ctx, sharer, "WORK42")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	first := createOrder(t, st, "MP-U1", "o-buyer")
	done, ok, err := svc.Reward(ctx, first, rec.ID, "")
	if err != nil || !ok {
		t.Fatalf("Reward: ok=%v err=%v", ok, err)
	}
	if done.Status != store.ShareRecordCompleted || done.OrderID == nil || *done.OrderID != first.ID {
		t.Fatalf("unexpected record: %+v", done)
	}
	sharerCoupons, _ := st.ListUserCoupons(ctx, sharer, 0)
	buyerCoupons, _ := st.ListUserCoupons(ctx, first.UserID, 0)
	if len(sharerCoupons) != 1 || len(buyerCoupons) != 1 {
		t.Fatalf("coupons sharer=%d buyer=%d", len(sharerCoupons), len(buyerCoupons))
	}
	c, _ := st.GetCouponByID(ctx, buyerCoupons[0].CouponID)
	if !strings.HasPrefix(c.Code, "SHR") || !c.Value.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("unexpected recipient coupon: %+v", c)
	}

	second := createOrder(t, st, "MP-U2", "o-buyer")
	if _, ok, err := svc.Reward(ctx, second, rec.ID, ""); err != nil || ok {
		t.Fatalf("second order must not be rewarded: ok=%v err=%v", ok, err)
	}
	buyerCoupons, _ = st.ListUserCoupons(ctx, first.UserID, 0)
	if len(buyerCoupons) != 1 {
		t.Fatalf("buyer coupons=%d want 1", len(buyerCoupons))
	}
}

func TestReward_SkipsSelfShareAndUnknown(t *testing.T) {
	st, svc := newService(t)
	ctx := context.Background()
	rec, _ := svc.Record(ctx, identity.UserID("o-self"), "WORK7")

	own := createOrder(t, st, "MP-S1", "o-self")
	if _, ok, err := svc.Reward(ctx, own, rec.ID, ""); err != nil || ok {
		t.Fatalf("self share must not be rewarded: ok=%v err=%v", ok, err)
	}
	other := createOrder(t, st, "MP-S2", "o-other")
	if _, ok, err := svc.Reward(ctx, other, 9999, ""); err != nil || ok {
		t.Fatalf("unknown record: ok=%v err=%v", ok, err)
	}
	// 按作品 id 查找。
	if _, ok, err := svc.Reward(ctx, other, 0, "WORK7"); err != nil || !ok {
		t.Fatalf("reward by work id: ok=%v err=%v", ok, err)
	}
}
