package printer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"petstudio/internal/store"
	"petstudio/internal/upstream"
)

func testOrder() store.Order {
	return store.Order{
		OrderNumber:      "MP20260301100000ABCD",
		CustomerName:     "张三",
		CustomerPhone:    "13800000000",
		ProductName:      "油画",
		Size:             "30x40",
		PrinterProductID: "P100",
		PrintWidthCM:     decimal.NewNullDecimal(decimal.RequireFromString("30")),
		PrintHeightCM:    decimal.NewNullDecimal(decimal.RequireFromString("40")),
		CreatedAt:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestBuildPayload_FranchiseeOverride(t *testing.T) {
	c := New(nil, Options{URL: "http://print", ShopID: "S0", ShopName: "默认"})
	job := Job{Order: testOrder(), HDURL: "https://x/media/hd/a.jpg", HDName: "a.jpg", PixWidth: 3543, PixHeight: 4724}

	p := c.BuildPayload(job)
	if p.ShopID != "S0" || p.ShopName != "默认" {
		t.Fatalf("unexpected shop: %+v", p)
	}
	if len(p.SubOrders) != 1 || len(p.SubOrders[0].Photos) != 1 {
		t.Fatalf("unexpected sub orders: %+v", p.SubOrders)
	}
	sub := p.SubOrders[0]
	if sub.ShopProductSN != job.Order.OrderNumber || sub.ProductID != "P100" {
		t.Fatalf("unexpected sub order: %+v", sub)
	}
	ph := sub.Photos[0]
	if ph.WidthCM != "30.00" || ph.DPI != 300 || ph.PixWidth != 3543 {
		t.Fatalf("unexpected photo: %+v", ph)
	}

	job.Franchisee = &store.FranchiseeAccount{ShopID: "F1", ShopName: ""}
	p = c.BuildPayload(job)
	if p.ShopID != "F1" || p.ShopName != "默认" {
		t.Fatalf("franchisee override: %+v", p)
	}

	job.Order.PrinterProductID = ""
	if got := c.BuildPayload(job).SubOrders[0].ProductID; got != defaultProductID {
		t.Fatalf("product id=%q", got)
	}
}

func TestDispatch(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"message":"产品不存在"}`))
	}))
	defer srv.Close()

	c := New(upstream.NewExecutor(upstream.Options{}), Options{URL: srv.URL + "/api/order", ShopID: "S0"})
	res, err := c.Dispatch(context.Background(), Job{Order: testOrder(), HDURL: "u", PixWidth: 1, PixHeight: 1})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Success || res.Message != "产品不存在" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gjson.GetBytes(got, "sub_orders.0.photos.0.width_cm").Float() != 30 {
		t.Fatalf("unexpected body: %s", got)
	}

	if _, err := New(nil, Options{}).Dispatch(context.Background(), Job{}); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestParseResult(t *testing.T) {
	cases := []struct {
		body string
		ok   bool
		msg  string
	}{
		{`{"success":true}`, true, "订单发送成功"},
		{`{"code":0,"msg":"ok"}`, true, "ok"},
		{`{"code":500,"msg":"bad"}`, false, "bad"},
	}
	for _, tc := range cases {
		res, err := parseResult([]byte(tc.body))
		if err != nil {
			t.Fatalf("parseResult(%s): %v", tc.body, err)
		}
		if res.Success != tc.ok || res.Message != tc.msg {
			t.Fatalf("parseResult(%s)=%+v", tc.body, res)
		}
	}
	if _, err := parseResult([]byte("<html>")); err == nil {
		t.Fatalf("expected error for non-json")
	}
}
