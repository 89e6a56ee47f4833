package wechatpay

import (
	"errors"
	"strconv"
)

var (
	ErrBadSignature = errors.New("支付通知签名校验失败")
	ErrNotPaid      = errors.New("支付通知不是成功状态")
)

// Notification 是支付结果通知中业务关心的字段。
type Notification struct {
	OutTradeNo    string
	TransactionID string
	TotalFee      int64
	OpenID        string
	TimeEnd       string
}

// ParseNotify 解析并验签支付结果通知。签名通过但支付未成功时返回 ErrNotPaid。
func ParseNotify(raw []byte, apiKey string) (Notification, error) {
	p, err := ParseXML(raw)
	if err != nil {
		return Notification{}, err
	}
	if !Verify(p, apiKey) {
		return Notification{}, ErrBadSignature
	}
	n := Notification{
		OutTradeNo:    p["out_trade_no"],
		TransactionID: p["transaction_id"],
		OpenID:        p["openid"],
		TimeEnd:       p["time_end"],
	}
	if p["return_code"] != "SUCCESS" || p["result_code"] != "SUCCESS" {
		return n, ErrNotPaid
	}
	if n.OutTradeNo == "" {
		return n, errors.New("支付通知缺少 out_trade_no")
	}
	fee, err := strconv.ParseInt(p["total_fee"], 10, 64)
	if err != nil || fee <= 0 {
		return n, errors.New("支付通知金额无效")
	}
	n.TotalFee = fee
	return n, nil
}
