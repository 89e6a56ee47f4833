package franchisee

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"petstudio/internal/apperr"
	"petstudio/internal/store"
	"petstudio/internal/store/storetest"
)

func newAccount(t *testing.T, svc *Service, quota string) store.FranchiseeAccount {
	t.Helper()
	acc, err := svc.Create(context.Background(), CreateInput{
		Username:     "shop01",
		Password:     "pass-1234",
		StoreName:    "一号店",
		QRCode:       "QR-001",
		ShopID:       "S001",
		ShopName:     "一号店",
		InitialQuota: decimal.RequireFromString(quota),
		Operator:     "admin",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return acc
}

func TestLogin(t *testing.T) {
	st, _ := storetest.Open(t)
	svc := New(st)
	ctx := context.Background()
	acc := newAccount(t, svc, "100")

	got, err := svc.Login(ctx, "shop01", "pass-1234")
	if err != nil || got.ID != acc.ID {
		t.Fatalf("Login: %+v err=%v", got, err)
	}
	if _, err := svc.Login(ctx, "shop01", "wrong-pass"); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected invalid input for wrong password, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "pass-1234"); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected invalid input for unknown user, got %v", err)
	}
	if err := st.SetFranchiseeStatus(ctx, acc.ID, store.FranchiseeStatusDisabled); err != nil {
		t.Fatalf("SetFranchiseeStatus: %v", err)
	}
	if _, err := svc.Login(ctx, "shop01", "pass-1234"); !apperr.Is(err, apperr.KindInsufficientFunds) {
		t.Fatalf("expected disabled account to be rejected, got %v", err)
	}
}

func TestCreate_DuplicateAndWeakPassword(t *testing.T) {
	st, _ := storetest.Open(t)
	svc := New(st)
	newAccount(t, svc, "0")
	_, err := svc.Create(context.Background(), CreateInput{Username: "shop01", Password: "pass-1234", QRCode: "QR-002"})
	if !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected duplicate username rejected, got %v", err)
	}
	_, err = svc.Create(context.Background(), CreateInput{Username: "shop02", Password: "short", QRCode: "QR-003"})
	if !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected weak password rejected, got %v", err)
	}
}

func TestOrderDebitRefundRecharge_AuditBalances(t *testing.T) {
	st, _ := storetest.Open(t)
	svc := New(st)
	ctx := context.Background()
	acc := newAccount(t, svc, "100")

	if _, err := st.CreateOrder(ctx, store.CreateOrderInput{
		Order:               storetest.NewOrder("MP001", "o-buyer", "60"),
		FranchiseeQRCode:    "QR-001",
		FranchiseeDeduction: decimal.RequireFromString("60"),
	}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	_, err := st.CreateOrder(ctx, store.CreateOrderInput{
		Order:               storetest.NewOrder("MP002", "o-buyer", "50"),
		FranchiseeQRCode:    "QR-001",
		FranchiseeDeduction: decimal.RequireFromString("50"),
	})
	var e *apperr.Error
	if err = MapError(err); !errors.As(err, &e) || e.Code() != "insufficient_quota" {
		t.Fatalf("unexpected code: %v", err)
	}
	if _, err := svc.Recharge(ctx, acc.ID, store.RechargeTypeRefund, decimal.RequireFromString("60"), "admin", "退单"); err != nil {
		t.Fatalf("Recharge(refund): %v", err)
	}
	if _, err := svc.Recharge(ctx, acc.ID, "", decimal.RequireFromString("25.5"), "admin", "补充"); err != nil {
		t.Fatalf("Recharge: %v", err)
	}
	if _, err := svc.Recharge(ctx, acc.ID, "bonus", decimal.RequireFromString("1"), "admin", ""); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected unknown kind rejected, got %v", err)
	}

	q, err := svc.Quota(ctx, acc.ID, 0)
	if err != nil {
		t.Fatalf("Quota: %v", err)
	}
	a := q.Account
	if !a.TotalQuota.Equal(decimal.RequireFromString("125.5")) || !a.RemainingQuota.Equal(decimal.RequireFromString("125.5")) || !a.UsedQuota.IsZero() {
		t.Fatalf("unexpected quota: total=%s used=%s remaining=%s", a.TotalQuota, a.UsedQuota, a.RemainingQuota)
	}
	if !a.UsedQuota.Add(a.RemainingQuota).Equal(a.TotalQuota) {
		t.Fatalf("used + remaining != total")
	}
	// 开户、扣减、退还、充值各一条。
	if len(q.Records) != 4 {
		t.Fatalf("records=%d want 4", len(q.Records))
	}
	sum := decimal.Zero
	for _, r := range q.Records {
		sum = sum.Add(r.Amount)
	}
	if !sum.Equal(a.RemainingQuota) {
		t.Fatalf("audit sum %s != remaining %s", sum, a.RemainingQuota)
	}
}
