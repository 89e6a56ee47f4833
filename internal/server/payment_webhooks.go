package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Calcium-Ion/go-epay/epay"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	stripeWebhook "github.com/stripe/stripe-go/v81/webhook"

	"petstudio/internal/apperr"
	"petstudio/internal/middleware"
	"petstudio/internal/order"
	"petstudio/internal/store"
	"petstudio/internal/wechatpay"
)

const (
	channelWeChat = "wechat"
	channelEPay   = "epay"
	channelStripe = "stripe"
)

var shanghai = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}()

func parseCNY(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "¥")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}
	if d.Exponent() < -store.CNYScale {
		return decimal.Zero, false
	}
	return d.Truncate(store.CNYScale), true
}

// parseTimeEnd 解析微信的 yyyyMMddHHmmss（北京时间）；缺失或非法时用当前时间。
func parseTimeEnd(raw string, now time.Time) time.Time {
	t, err := time.ParseInLocation("20060102150405", strings.TrimSpace(raw), shanghai)
	if err != nil {
		return now
	}
	return t
}

func (a *App) countNotify(channel string, result string) {
	if a.metrics == nil {
		return
	}
	a.metrics.PaymentNotify.WithLabelValues(channel, result).Inc()
}

// ackPaymentError 判断落账失败时是否仍向渠道确认收到：
// 订单已被其他交易支付、已取消等重试也无法改变结果的情况直接确认，避免渠道无限重推。
func ackPaymentError(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindDuplicateOperation, apperr.KindInvalidTransition:
		return true
	default:
		return false
	}
}

func (a *App) applyPayment(ctx context.Context, p order.Payment) (string, bool) {
	o, applied, err := a.orders.ApplyPayment(ctx, p)
	if err != nil {
		ack := ackPaymentError(err)
		slog.Warn("支付通知落账失败", "channel", p.Channel, "order_number", p.OrderNumber,
			"transaction_id", p.TransactionID, "ack", ack, "err", err)
		if ack {
			return "rejected", true
		}
		return "error", false
	}
	if !applied {
		return "duplicate", true
	}
	slog.Info("支付通知已处理", "channel", p.Channel, "order_number", o.OrderNumber, "status", string(o.Status))
	return "applied", true
}

// handleWeChatPayNotify 处理微信支付 v2 结果通知。重复通知同样回复 SUCCESS。
func (a *App) handleWeChatPayNotify(w http.ResponseWriter, r *http.Request) {
	reply := func(ok bool, msg string) {
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		_, _ = w.Write(wechatpay.NotifyReply(ok, msg))
	}

	raw := middleware.RawBodyFrom(r.Context())
	if len(raw) == 0 {
		b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil || len(b) == 0 {
			a.countNotify(channelWeChat, "bad_request")
			reply(false, "empty body")
			return
		}
		raw = b
	}

	n, err := wechatpay.ParseNotify(raw, a.wechat.APIKey())
	switch {
	case err == nil:
	case errors.Is(err, wechatpay.ErrNotPaid):
		a.countNotify(channelWeChat, "not_paid")
		slog.Info("收到未成功的支付通知", "order_number", n.OutTradeNo)
		reply(true, "")
		return
	case errors.Is(err, wechatpay.ErrBadSignature):
		a.countNotify(channelWeChat, "bad_signature")
		slog.Warn("支付通知签名错误", "remote", r.RemoteAddr)
		reply(false, "签名错误")
		return
	default:
		a.countNotify(channelWeChat, "bad_request")
		slog.Warn("支付通知格式错误", "err", err)
		reply(false, "报文错误")
		return
	}

	fee := n.TotalFee
	result, ok := a.applyPayment(r.Context(), order.Payment{
		OrderNumber:   n.OutTradeNo,
		TransactionID: n.TransactionID,
		Channel:       channelWeChat,
		PaidAt:        parseTimeEnd(n.TimeEnd, time.Now()),
		AmountFen:     &fee,
	})
	a.countNotify(channelWeChat, result)
	if !ok {
		reply(false, "处理失败")
		return
	}
	reply(true, "")
}

// handleEPayNotify 易支付异步通知：参数在 query（GET）或表单（POST）里，out_trade_no 即订单号。
func (a *App) handleEPayNotify(w http.ResponseWriter, r *http.Request) {
	client, err := epay.NewClient(&epay.Config{
		PartnerID: strings.TrimSpace(a.cfg.EPay.PartnerID),
		Key:       strings.TrimSpace(a.cfg.EPay.Key),
	}, strings.TrimSpace(a.cfg.EPay.Gateway))
	if err != nil {
		http.Error(w, "配置错误", http.StatusInternalServerError)
		return
	}

	params := make(map[string]string)
	q := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			q = r.Form
		}
	}
	for k := range q {
		params[k] = q.Get(k)
	}

	info, err := client.Verify(params)
	if err != nil || !info.VerifyStatus {
		a.countNotify(channelEPay, "bad_signature")
		_, _ = w.Write([]byte("fail"))
		return
	}
	if info.TradeStatus != epay.StatusTradeSuccess {
		a.countNotify(channelEPay, "not_paid")
		_, _ = w.Write([]byte("success"))
		return
	}

	paid, ok := parseCNY(info.Money)
	if !ok || !paid.IsPositive() {
		a.countNotify(channelEPay, "bad_request")
		_, _ = w.Write([]byte("fail"))
		return
	}
	fen := store.FenFromCNY(paid)
	result, ok := a.applyPayment(r.Context(), order.Payment{
		OrderNumber:   strings.TrimSpace(info.ServiceTradeNo),
		TransactionID: strings.TrimSpace(info.TradeNo),
		Channel:       channelEPay,
		PaidAt:        time.Now(),
		AmountFen:     &fen,
	})
	a.countNotify(channelEPay, result)
	if !ok {
		_, _ = w.Write([]byte("fail"))
		return
	}
	_, _ = w.Write([]byte("success"))
}

// handleStripeWebhook 处理 checkout.session.completed；client_reference_id 即订单号。
func (a *App) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload := middleware.RawBodyFrom(r.Context())
	if len(payload) == 0 {
		http.Error(w, "请求体为空", http.StatusBadRequest)
		return
	}

	secret := strings.TrimSpace(a.cfg.Stripe.WebhookSecret)
	event, err := stripeWebhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), secret, stripeWebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		a.countNotify(channelStripe, "bad_signature")
		http.Error(w, "验签失败", http.StatusBadRequest)
		return
	}
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		w.WriteHeader(http.StatusOK)
		return
	}
	if strings.TrimSpace(event.GetObjectValue("payment_status")) != "paid" {
		a.countNotify(channelStripe, "not_paid")
		w.WriteHeader(http.StatusOK)
		return
	}

	currency := strings.ToLower(strings.TrimSpace(a.cfg.Stripe.Currency))
	if currency == "" {
		currency = "cny"
	}
	if c := strings.ToLower(strings.TrimSpace(event.GetObjectValue("currency"))); c != "" && c != currency {
		a.countNotify(channelStripe, "bad_request")
		slog.Warn("Stripe 币种不匹配", "want", currency, "got", c)
		w.WriteHeader(http.StatusOK)
		return
	}
	amount, err := strconv.ParseInt(strings.TrimSpace(event.GetObjectValue("amount_total")), 10, 64)
	if err != nil || amount <= 0 {
		a.countNotify(channelStripe, "bad_request")
		w.WriteHeader(http.StatusOK)
		return
	}

	txID := strings.TrimSpace(event.GetObjectValue("payment_intent"))
	if txID == "" {
		txID = strings.TrimSpace(event.GetObjectValue("id"))
	}
	result, ok := a.applyPayment(r.Context(), order.Payment{
		OrderNumber:   strings.TrimSpace(event.GetObjectValue("client_reference_id")),
		TransactionID: txID,
		Channel:       channelStripe,
		PaidAt:        time.Unix(event.Created, 0),
		AmountFen:     &amount,
	})
	a.countNotify(channelStripe, result)
	if !ok {
		http.Error(w, "处理失败", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
