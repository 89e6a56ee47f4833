package obs

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsHandler_ExposesCollectors(t *testing.T) {
	m := NewMetrics()
	m.OrdersCreated.WithLabelValues("kiosk").Inc()
	m.AIFailover.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `petstudio_orders_created_total{source="kiosk"} 1`) {
		t.Fatalf("orders_created_total missing:\n%s", body)
	}
	if !strings.Contains(body, "petstudio_ai_failover_total 1") {
		t.Fatalf("ai_failover_total missing")
	}
}

func TestNewLogger_LevelByEnv(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "production").Debug("隐藏")
	if buf.Len() != 0 {
		t.Fatalf("debug log emitted in production: %s", buf.String())
	}
	newLogger(&buf, "local").Debug("可见", "order_number", "MP1")
	if !strings.Contains(buf.String(), `"order_number":"MP1"`) {
		t.Fatalf("debug log missing in local: %s", buf.String())
	}
}
