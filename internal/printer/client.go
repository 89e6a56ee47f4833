// Package printer 把高清图与订单信息推送给冲印系统。
package printer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"petstudio/internal/store"
	"petstudio/internal/upstream"
)

const defaultProductID = "P001"

var ErrDisabled = errors.New("未配置冲印系统地址")

type Options struct {
	// URL 冲印系统下单接口完整地址。
	URL      string
	ShopID   string
	ShopName string
	Timeout  time.Duration
	DPI      int
}

type Photo struct {
	FileName  string      `json:"file_name"`
	FileURL   string      `json:"file_url"`
	WidthCM   json.Number `json:"width_cm"`
	HeightCM  json.Number `json:"height_cm"`
	PixWidth  int         `json:"pix_width"`
	PixHeight int         `json:"pix_height"`
	DPI       int         `json:"dpi"`
}

type SubOrder struct {
	SubOrderID    string  `json:"sub_order_id"`
	ProductID     string  `json:"product_id"`
	ProductName   string  `json:"product_name"`
	CustomerName  string  `json:"customer_name"`
	CustomerPhone string  `json:"customer_phone"`
	ShopProductSN string  `json:"shop_product_sn"`
	Num           int     `json:"num"`
	Photos        []Photo `json:"photos"`
}

type Payload struct {
	OrderNo   string     `json:"order_no"`
	OrderTime string     `json:"order_time"`
	ShopID    string     `json:"shop_id"`
	ShopName  string     `json:"shop_name"`
	SubOrders []SubOrder `json:"sub_orders"`
}

// Job 是一次派发需要的订单上下文。
type Job struct {
	Order      store.Order
	Franchisee *store.FranchiseeAccount
	HDURL      string
	HDName     string
	PixWidth   int
	PixHeight  int
}

type Result struct {
	Success bool
	Message string
}

type Client struct {
	exec *upstream.Executor
	opts Options
}

func New(exec *upstream.Executor, opts Options) *Client {
	if opts.DPI <= 0 {
		opts.DPI = 300
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Client{exec: exec, opts: opts}
}

func (c *Client) Enabled() bool {
	return c != nil && strings.TrimSpace(c.opts.URL) != ""
}

func (c *Client) DPI() int { return c.opts.DPI }

// BuildPayload 组装派发报文；加盟商配置了专属影楼编号/名称时覆盖默认值。
func (c *Client) BuildPayload(job Job) Payload {
	o := job.Order
	shopID, shopName := c.opts.ShopID, c.opts.ShopName
	if f := job.Franchisee; f != nil {
		if strings.TrimSpace(f.ShopID) != "" {
			shopID = f.ShopID
		}
		if strings.TrimSpace(f.ShopName) != "" {
			shopName = f.ShopName
		}
	}
	productID := strings.TrimSpace(o.PrinterProductID)
	if productID == "" {
		productID = defaultProductID
	}
	name := o.ProductName
	if o.Size != "" {
		name = strings.TrimSpace(name + " " + o.Size)
	}
	return Payload{
		OrderNo:   o.OrderNumber,
		OrderTime: o.CreatedAt.Format("2006-01-02 15:04:05"),
		ShopID:    shopID,
		ShopName:  shopName,
		SubOrders: []SubOrder{{
			SubOrderID:    o.OrderNumber + "_1",
			ProductID:     productID,
			ProductName:   name,
			CustomerName:  o.CustomerName,
			CustomerPhone: o.CustomerPhone,
			ShopProductSN: o.OrderNumber,
			Num:           1,
			Photos: []Photo{{
				FileName:  job.HDName,
				FileURL:   job.HDURL,
				WidthCM:   cm(o.PrintWidthCM),
				HeightCM:  cm(o.PrintHeightCM),
				PixWidth:  job.PixWidth,
				PixHeight: job.PixHeight,
				DPI:       c.opts.DPI,
			}},
		}},
	}
}

// Dispatch 推送订单。网络错误与非 2xx 作为 error 返回；冲印系统的业务拒绝体现在 Result。
func (c *Client) Dispatch(ctx context.Context, job Job) (Result, error) {
	if !c.Enabled() {
		return Result{}, ErrDisabled
	}
	body, err := json.Marshal(c.BuildPayload(job))
	if err != nil {
		return Result{}, fmt.Errorf("编码派发报文失败: %w", err)
	}
	resp, err := c.exec.Do(ctx, upstream.Request{
		BaseURL: c.opts.URL,
		Body:    body,
		Header:  map[string][]string{"Accept": {"application/json"}},
		Timeout: c.opts.Timeout,
		Target:  "printer",
	})
	if err != nil {
		return Result{}, err
	}
	return parseResult(resp.Body)
}

func parseResult(body []byte) (Result, error) {
	if !gjson.ValidBytes(body) {
		return Result{}, errors.New("冲印系统响应不是 JSON")
	}
	root := gjson.ParseBytes(body)
	res := Result{Message: root.Get("message").String()}
	switch ok := root.Get("success"); {
	case ok.Exists():
		res.Success = ok.Bool()
	case root.Get("code").Exists():
		res.Success = root.Get("code").Int() == 0
	}
	if res.Message == "" {
		res.Message = root.Get("msg").String()
	}
	if res.Message == "" && res.Success {
		res.Message = "订单发送成功"
	}
	return res, nil
}

func cm(d decimal.NullDecimal) json.Number {
	if !d.Valid {
		return json.Number("0")
	}
	return json.Number(d.Decimal.StringFixed(2))
}
