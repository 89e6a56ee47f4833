package wechatpay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"petstudio/internal/upstream"
)

var ErrDisabled = errors.New("未配置微信支付商户信息")

type Options struct {
	AppID     string
	MchID     string
	APIKey    string
	NotifyURL string
	// BaseURL 默认 https://api.mch.weixin.qq.com。
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	exec *upstream.Executor
	opts Options
	now  func() time.Time
}

func New(exec *upstream.Executor, opts Options) *Client {
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = "https://api.mch.weixin.qq.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{exec: exec, opts: opts, now: time.Now}
}

func (c *Client) Enabled() bool {
	return c != nil && c.opts.AppID != "" && c.opts.MchID != "" && c.opts.APIKey != ""
}

func (c *Client) APIKey() string { return c.opts.APIKey }

type UnifiedOrder struct {
	OutTradeNo string
	TotalFee   int64
	Body       string
	OpenID     string
	ClientIP   string
}

// JSAPIParams 是小程序调起支付所需的参数。
type JSAPIParams struct {
	AppID     string `json:"appId"`
	TimeStamp string `json:"timeStamp"`
	NonceStr  string `json:"nonceStr"`
	Package   string `json:"package"`
	SignType  string `json:"signType"`
	PaySign   string `json:"paySign"`
}

// Error 是微信返回的业务失败。
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return "微信支付下单失败: " + e.Message
	}
	return fmt.Sprintf("微信支付下单失败（%s）: %s", e.Code, e.Message)
}

// PlaceOrder 调用统一下单并返回 JSAPI 支付参数。
func (c *Client) PlaceOrder(ctx context.Context, in UnifiedOrder) (JSAPIParams, error) {
	if !c.Enabled() {
		return JSAPIParams{}, ErrDisabled
	}
	if in.TotalFee <= 0 {
		return JSAPIParams{}, errors.New("支付金额必须大于 0")
	}
	ip := in.ClientIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	req := Params{
		"appid":            c.opts.AppID,
		"mch_id":           c.opts.MchID,
		"nonce_str":        nonce(),
		"body":             in.Body,
		"out_trade_no":     in.OutTradeNo,
		"total_fee":        strconv.FormatInt(in.TotalFee, 10),
		"spbill_create_ip": ip,
		"notify_url":       c.opts.NotifyURL,
		"trade_type":       "JSAPI",
		"openid":           in.OpenID,
	}
	req["sign"] = Sign(req, c.opts.APIKey)

	resp, err := c.exec.Do(ctx, upstream.Request{
		Method:  http.MethodPost,
		BaseURL: c.opts.BaseURL,
		Path:    "/pay/unifiedorder",
		Header:  http.Header{"Content-Type": {"application/xml"}},
		Body:    EncodeXML(req),
		Timeout: c.opts.Timeout,
		Target:  "wechatpay",
	})
	if err != nil {
		return JSAPIParams{}, err
	}
	out, err := ParseXML(resp.Body)
	if err != nil {
		return JSAPIParams{}, err
	}
	if out["return_code"] != "SUCCESS" {
		return JSAPIParams{}, &Error{Message: out["return_msg"]}
	}
	if out["result_code"] != "SUCCESS" {
		return JSAPIParams{}, &Error{Code: out["err_code"], Message: out["err_code_des"]}
	}
	if out["sign"] != "" && !Verify(out, c.opts.APIKey) {
		return JSAPIParams{}, errors.New("统一下单应答签名不匹配")
	}
	if out["prepay_id"] == "" {
		return JSAPIParams{}, &Error{Message: "应答缺少 prepay_id"}
	}
	return c.JSAPI(out["prepay_id"]), nil
}

// JSAPI 生成调起支付参数并签名。
func (c *Client) JSAPI(prepayID string) JSAPIParams {
	p := JSAPIParams{
		AppID:     c.opts.AppID,
		TimeStamp: strconv.FormatInt(c.now().Unix(), 10),
		NonceStr:  nonce(),
		Package:   "prepay_id=" + prepayID,
		SignType:  "MD5",
	}
	p.PaySign = Sign(Params{
		"appId":     p.AppID,
		"timeStamp": p.TimeStamp,
		"nonceStr":  p.NonceStr,
		"package":   p.Package,
		"signType":  p.SignType,
	}, c.opts.APIKey)
	return p
}

func nonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
