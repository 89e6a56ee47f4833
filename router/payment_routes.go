package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"petstudio/internal/middleware"
)

// setPaymentRoutes 支付回调走 net/http 中间件链，并缓存原始报文供验签使用。
func setPaymentRoutes(r *gin.Engine, opts Options) {
	wechat := notifyChain(opts.WeChatPayNotify)
	r.POST("/pay/notify", wechat)
	r.POST("/api/pay/wechat/notify", wechat)

	if opts.EPayNotify != nil {
		epayNotify := notifyChain(opts.EPayNotify)
		r.GET("/api/pay/epay/notify", epayNotify)
		r.POST("/api/pay/epay/notify", epayNotify)
	}
	if opts.StripeWebhook != nil {
		r.POST("/api/pay/stripe/webhook", notifyChain(opts.StripeWebhook))
	}
}

func notifyChain(h http.HandlerFunc) gin.HandlerFunc {
	if h == nil {
		return wrapHTTP(nil)
	}
	return wrapHTTP(middleware.Chain(h,
		middleware.RequestID,
		middleware.AccessLog,
		middleware.RawBody(1<<20),
	))
}
