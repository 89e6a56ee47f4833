package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"petstudio/internal/identity"
)

func setPromotionAPIRoutes(r gin.IRoutes, opts Options) {
	r.POST("/promotion/register", promotionRegisterHandler(opts))
	r.POST("/promotion/track", promotionTrackHandler(opts))
	r.GET("/promotion/overview", promotionOverviewHandler(opts))
	r.GET("/promotion/commissions", promotionCommissionsHandler(opts))
	r.GET("/promotion/withdrawals", promotionWithdrawalsHandler(opts))
	r.POST("/promotion/withdrawals", promotionWithdrawHandler(opts))

	r.POST("/share/record", shareRecordHandler(opts))
}

func queryUserID(c *gin.Context) (string, bool) {
	openid := strings.TrimSpace(c.Query("openid"))
	if openid == "" {
		respondInvalid(c, "缺少 openid")
		return "", false
	}
	return identity.UserID(openid), true
}

func promotionRegisterHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindOpenID(c)
		if !ok {
			return
		}
		pu, err := opts.Promotion.Register(c.Request.Context(), req.OpenID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{
			"userId":        pu.UserID,
			"promotionCode": pu.PromotionCode,
			"eligible":      pu.EligibleForPromotion,
		})
	}
}

func promotionTrackHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			PromotionCode string `json:"promotionCode"`
			OpenID        string `json:"openid"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, "无效的参数")
			return
		}
		bound, err := opts.Promotion.Track(c.Request.Context(), req.PromotionCode, req.OpenID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"bound": bound})
	}
}

func promotionOverviewHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := queryUserID(c)
		if !ok {
			return
		}
		ov, err := opts.Promotion.Overview(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{
			"userId":         ov.User.UserID,
			"promotionCode":  ov.User.PromotionCode,
			"totalEarnings":  money(ov.User.TotalEarnings),
			"totalOrders":    ov.User.TotalOrders,
			"visits":         ov.Visits,
			"commissionRate": opts.Promotion.Rate().String(),
			"pending":        money(ov.Summary.Pending),
			"completed":      money(ov.Summary.Completed),
			"withdrawn":      money(ov.Summary.Withdrawn),
			"frozen":         money(ov.Summary.Frozen),
			"available":      money(ov.Summary.Available),
		})
	}
}

func promotionCommissionsHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := queryUserID(c)
		if !ok {
			return
		}
		list, err := opts.Promotion.Commissions(c.Request.Context(), userID, queryLimit(c, 50))
		if err != nil {
			respondError(c, err)
			return
		}
		out := make([]commissionView, 0, len(list))
		for _, cm := range list {
			out = append(out, toCommissionView(cm))
		}
		respondOK(c, out)
	}
}

func promotionWithdrawalsHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := queryUserID(c)
		if !ok {
			return
		}
		list, err := opts.Promotion.Withdrawals(c.Request.Context(), userID, queryLimit(c, 50))
		if err != nil {
			respondError(c, err)
			return
		}
		out := make([]withdrawalView, 0, len(list))
		for _, w := range list {
			out = append(out, toWithdrawalView(w))
		}
		respondOK(c, out)
	}
}

func promotionWithdrawHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OpenID string `json:"openid"`
			Amount string `json:"amount"`
			Notes  string `json:"notes"`
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
		w, err := opts.Promotion.ApplyWithdrawal(c.Request.Context(), identity.UserID(req.OpenID), amount, strings.TrimSpace(req.Notes))
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, toWithdrawalView(w))
	}
}

func shareRecordHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OpenID string `json:"openid"`
			WorkID string `json:"workId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.OpenID) == "" {
			respondInvalid(c, "缺少 openid")
			return
		}
		rec, err := opts.Shares.Record(c.Request.Context(), identity.UserID(req.OpenID), req.WorkID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":       true,
			"message":       "",
			"shareRecordId": rec.ID,
			"workId":        rec.WorkID,
		})
	}
}
