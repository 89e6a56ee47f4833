// Package storetest 为其它包的测试准备临时 SQLite 库与常用订单。
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"petstudio/internal/identity"
	"petstudio/internal/store"
)

// Open 在临时目录里建库；返回的时间指针可用于推进时钟。
func Open(t testing.TB) (*store.Store, *time.Time) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "petstudio.db") + "?_pragma=busy_timeout(1000)"
	db, err := store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.EnsureSQLiteSchema(db); err != nil {
		t.Fatalf("EnsureSQLiteSchema: %v", err)
	}

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	st := store.New(db)
	st.SetDialect(store.DialectSQLite)
	st.SetClock(func() time.Time { return now })
	return st, &now
}

func NewOrder(number string, openid string, price string) store.Order {
	p := decimal.RequireFromString(price)
	return store.Order{
		OrderNumber:      number,
		Source:           store.OrderSourceMiniProgram,
		OpenID:           openid,
		UserID:           identity.UserID(openid),
		CustomerName:     "张三",
		CustomerPhone:    "13800000000",
		ProductName:      "相框",
		Size:             "A4",
		Quantity:         1,
		StyleName:        "油画",
		OriginalAmount:   p,
		Price:            p,
		NeedConfirmation: true,
	}
}

// ShootingOrder 创建一笔已支付并上传了原图的订单。
func ShootingOrder(t testing.TB, st *store.Store, o store.Order, photo string) store.Order {
	t.Helper()
	ctx := context.Background()
	created, err := st.CreateOrder(ctx, store.CreateOrderInput{Order: o})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, _, err := st.ApplyPayment(ctx, store.ApplyPaymentInput{OrderNumber: created.OrderNumber, TransactionID: "T" + created.OrderNumber}); err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	out, err := st.SetOrderShooting(ctx, created.ID, []string{photo})
	if err != nil {
		t.Fatalf("SetOrderShooting: %v", err)
	}
	return out
}
