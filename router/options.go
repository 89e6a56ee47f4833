package router

import (
	"net/http"

	"petstudio/internal/coupon"
	"petstudio/internal/franchisee"
	"petstudio/internal/imaging"
	"petstudio/internal/order"
	"petstudio/internal/promotion"
	"petstudio/internal/share"
	"petstudio/internal/store"
)

type Options struct {
	Store      *store.Store
	Orders     *order.Service
	Coupons    *coupon.Service
	Promotion  *promotion.Service
	Shares     *share.Service
	Franchisee *franchisee.Service

	// Folders 用于挂载 /media/<kind>/ 静态目录。
	Folders imaging.Folders

	// AdminToken 非空时允许 Bearer Token 访问管理接口。
	AdminToken string
	// LogisticsToken 物流回调共享密钥；为空时不挂载回调。
	LogisticsToken string

	UploadMaxBodyBytes int64

	// system
	Healthz http.HandlerFunc
	Metrics http.Handler

	// payments/webhooks
	WeChatPayNotify http.HandlerFunc
	EPayNotify      http.HandlerFunc
	StripeWebhook   http.HandlerFunc
}
