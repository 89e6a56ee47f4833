package router

import (
	"strings"

	"github.com/gin-gonic/gin"

	"petstudio/internal/coupon"
	"petstudio/internal/identity"
)

func setCouponAPIRoutes(r gin.IRoutes, opts Options) {
	r.GET("/coupons/available", couponAvailableHandler(opts))
	r.POST("/coupons/claim", couponClaimHandler(opts))
	r.POST("/coupons/validate", couponValidateHandler(opts))
}

func couponAvailableHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		openid := strings.TrimSpace(c.Query("openid"))
		if openid == "" {
			respondInvalid(c, "缺少 openid")
			return
		}
		list, err := opts.Coupons.ListAvailable(c.Request.Context(), identity.UserID(openid))
		if err != nil {
			respondError(c, err)
			return
		}
		out := make([]couponView, 0, len(list))
		for _, a := range list {
			v := toCouponView(a.Coupon)
			v.Remaining = a.Remaining
			out = append(out, v)
		}
		respondOK(c, out)
	}
}

func couponClaimHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OpenID   string `json:"openid"`
			CouponID int64  `json:"couponId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.OpenID) == "" {
			respondInvalid(c, "缺少 openid")
			return
		}
		uc, err := opts.Coupons.Claim(c.Request.Context(), identity.UserID(req.OpenID), req.CouponID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, toUserCouponView(uc))
	}
}

// couponValidateHandler 校验结果总是 200；不可用时 valid=false 并给出原因。
func couponValidateHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OpenID string `json:"openid"`
			Code   string `json:"couponCode"`
			Amount string `json:"amount"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.OpenID) == "" {
			respondInvalid(c, "缺少 openid")
			return
		}
		amount, err := parseAmount(req.Amount)
		if err != nil {
			respondInvalid(c, err.Error())
			return
		}
		v, err := opts.Coupons.Validate(c.Request.Context(), identity.UserID(req.OpenID), req.Code, amount)
		if err != nil {
			respondError(c, err)
			return
		}
		data := gin.H{
			"valid":          v.OK,
			"originalAmount": money(amount),
			"discountAmount": money(v.Discount),
			"finalAmount":    money(v.FinalAmount),
		}
		if v.OK {
			data["coupon"] = toCouponView(v.Coupon)
		} else {
			data["reason"] = v.Reason
			data["message"] = coupon.ReasonMessage(v.Reason)
		}
		respondOK(c, data)
	}
}
