package router

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"petstudio/internal/apperr"
	"petstudio/internal/store"
)

func setFranchiseeAPIRoutes(r gin.IRoutes, opts Options) {
	r.POST("/franchisee/login", franchiseeLoginHandler(opts))
	r.POST("/franchisee/logout", franchiseeLogoutHandler())
	r.GET("/franchisee/quota", requireFranchiseeSession(opts), franchiseeQuotaHandler(opts))
	r.GET("/franchisee/qrcode/:qrCode", franchiseeQRCodeHandler(opts))
}

// franchiseeQRCodeHandler 供小程序扫码后展示门店；不返回额度。
func franchiseeQRCodeHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		qr := strings.TrimSpace(c.Param("qrCode"))
		if qr == "" {
			respondInvalid(c, "缺少二维码")
			return
		}
		acc, err := opts.Store.GetFranchiseeByQRCode(c.Request.Context(), qr)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				respondError(c, apperr.NotFound("加盟商二维码无效"))
				return
			}
			respondError(c, apperr.Internal("查询加盟商失败", err))
			return
		}
		respondOK(c, gin.H{
			"qrCode":    acc.QRCode,
			"storeName": acc.StoreName,
			"shopName":  acc.ShopName,
			"active":    acc.Status == store.FranchiseeStatusActive,
		})
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func franchiseeLoginHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
			respondInvalid(c, "用户名和密码不能为空")
			return
		}
		acc, err := opts.Franchisee.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := saveSessionInt64(c, sessionFranchiseeIDKey, acc.ID); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, toFranchiseeView(acc))
	}
}

func franchiseeLogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clearSession(c)
		respondOK(c, nil)
	}
}

func franchiseeQuotaHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, err := opts.Franchisee.Quota(c.Request.Context(), principal(c).FranchiseeID, queryLimit(c, 50))
		if err != nil {
			respondError(c, err)
			return
		}
		records := make([]rechargeView, 0, len(q.Records))
		for _, r := range q.Records {
			records = append(records, rechargeView{
				Type:           r.RechargeType,
				Amount:         money(r.Amount),
				RemainingAfter: money(r.RemainingAfter),
				OrderID:        r.OrderID,
				Operator:       r.Operator,
				Notes:          r.Notes,
				CreatedAt:      r.CreatedAt,
			})
		}
		respondOK(c, gin.H{"account": toFranchiseeView(q.Account), "records": records})
	}
}
