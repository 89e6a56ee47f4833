package router

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

func SetRouter(r *gin.Engine, opts Options) {
	setSystemRoutes(r, opts)
	setPaymentRoutes(r, opts)
	setKioskRoutes(r, opts)

	// 小程序下单沿用原有的根路径。
	r.POST("/orders", apiChain(), orderCreateHandler(opts))

	api := r.Group("/api")
	api.Use(apiChain())
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	setOrderAPIRoutes(api, opts)
	setCouponAPIRoutes(api, opts)
	setPromotionAPIRoutes(api, opts)
	setFranchiseeAPIRoutes(api, opts)
	setAdminAPIRoutes(api, opts)
}
