package router

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"petstudio/internal/apperr"
	"petstudio/internal/auth"
	"petstudio/internal/franchisee"
	"petstudio/internal/store"
)

func setAdminAPIRoutes(r gin.IRoutes, opts Options) {
	r.POST("/admin/login", adminLoginHandler(opts))
	r.POST("/admin/logout", adminLogoutHandler())

	admin := requireAdmin(opts)
	r.GET("/admin/orders/:orderNumber", admin, adminOrderGetHandler(opts))
	r.POST("/admin/orders/:orderNumber/confirm", admin, adminOrderConfirmHandler(opts))
	r.POST("/admin/orders/:orderNumber/cancel", admin, adminOrderCancelHandler(opts))
	r.POST("/admin/orders/:orderNumber/regenerate", admin, adminOrderRequeueHandler(opts.Orders.Regenerate))
	r.POST("/admin/orders/:orderNumber/hd", admin, adminOrderRequeueHandler(opts.Orders.TriggerHD))
	r.POST("/admin/orders/:orderNumber/print", admin, adminOrderRequeueHandler(opts.Orders.RetryPrint))
	r.POST("/admin/orders/:orderNumber/deliver", admin, adminOrderDeliverHandler(opts))
	r.GET("/admin/orders/:orderNumber/ai-tasks", admin, adminAITasksHandler(opts))
	r.POST("/admin/ai-tasks/:id/retry", admin, adminAITaskRetryHandler(opts))

	r.POST("/admin/franchisees", admin, adminFranchiseeCreateHandler(opts))
	r.POST("/admin/franchisees/:id/recharge", admin, adminFranchiseeRechargeHandler(opts))
	r.POST("/admin/franchisees/:id/status", admin, adminFranchiseeStatusHandler(opts))
	r.POST("/admin/machines", admin, adminMachineCreateHandler(opts))
	r.POST("/admin/coupons", admin, adminCouponCreateHandler(opts))
	r.POST("/admin/withdrawals/:id/review", admin, adminWithdrawalReviewHandler(opts))
	setAdminCatalogRoutes(r, opts, admin)

	if strings.TrimSpace(opts.LogisticsToken) != "" {
		r.POST("/logistics/callback", logisticsCallbackHandler(opts))
	}
}

func adminLoginHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
			respondInvalid(c, "用户名和密码不能为空")
			return
		}
		u, err := opts.Store.GetAdminUserByUsername(c.Request.Context(), strings.TrimSpace(req.Username))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				unauthorized(c, "用户名或密码错误")
				return
			}
			respondError(c, apperr.Internal("查询管理员失败", err))
			return
		}
		if u.Status != 1 || !auth.CheckPassword(u.PasswordHash, req.Password) {
			unauthorized(c, "用户名或密码错误")
			return
		}
		if err := saveSessionInt64(c, sessionAdminIDKey, u.ID); err != nil {
			respondError(c, apperr.Internal("保存会话失败", err))
			return
		}
		respondOK(c, gin.H{"id": u.ID, "username": u.Username})
	}
}

func adminLogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clearSession(c)
		respondOK(c, nil)
	}
}

// adminOrderGetHandler 在订单读模型之外附带佣金与所用优惠券。
func adminOrderGetHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		v, err := opts.Orders.Get(ctx, c.Param("orderNumber"), "")
		if err != nil {
			respondError(c, err)
			return
		}
		out := gin.H{"order": v}

		cm, err := opts.Store.GetCommissionByOrderNumber(ctx, v.OrderNumber)
		switch {
		case err == nil:
			out["commission"] = toCommissionView(cm)
		case !errors.Is(err, sql.ErrNoRows):
			respondError(c, apperr.Internal("查询佣金失败", err))
			return
		}

		o, err := opts.Store.GetOrderByNumber(ctx, v.OrderNumber)
		if err != nil {
			respondError(c, apperr.Internal("查询订单失败", err))
			return
		}
		if o.UserCouponID != nil {
			uc, err := opts.Store.GetUserCoupon(ctx, *o.UserCouponID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				respondError(c, apperr.Internal("查询优惠券失败", err))
				return
			}
			if err == nil {
				out["userCoupon"] = toUserCouponView(uc)
				if cp, err := opts.Store.GetCouponByID(ctx, uc.CouponID); err == nil {
					out["coupon"] = toCouponView(cp)
				}
			}
		}
		respondOK(c, out)
	}
}

func adminOrderConfirmHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := opts.Orders.Confirm(c.Request.Context(), c.Param("orderNumber"), "")
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"orderId": o.OrderNumber, "status": string(o.Status)})
	}
}

func adminOrderCancelHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&req)
		o, err := opts.Orders.Cancel(c.Request.Context(), c.Param("orderNumber"), "", principal(c).Operator(), req.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"orderId": o.OrderNumber, "status": string(o.Status)})
	}
}

// adminOrderRequeueHandler 把订单重新放入后台队列；队列满时 queued=false。
func adminOrderRequeueHandler(fn func(ctx context.Context, orderNumber string) (bool, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		queued, err := fn(c.Request.Context(), c.Param("orderNumber"))
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"queued": queued})
	}
}

func adminOrderDeliverHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Logistics string `json:"logistics"`
		}
		_ = c.ShouldBindJSON(&req)
		o, err := opts.Orders.Deliver(c.Request.Context(), c.Param("orderNumber"), req.Logistics)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"orderId": o.OrderNumber, "status": string(o.Status)})
	}
}

func adminAITasksHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		o, err := opts.Store.GetOrderByNumber(ctx, c.Param("orderNumber"))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				respondError(c, apperr.NotFound("订单不存在"))
				return
			}
			respondError(c, apperr.Internal("查询订单失败", err))
			return
		}
		tasks, err := opts.Store.ListAITasksByOrder(ctx, o.ID)
		if err != nil {
			respondError(c, apperr.Internal("查询 AI 任务失败", err))
			return
		}
		retries, err := opts.Store.SumRetryCount(ctx, o.ID)
		if err != nil {
			respondError(c, apperr.Internal("统计重试次数失败", err))
			return
		}
		out := make([]aiTaskView, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, toAITaskView(t))
		}
		respondOK(c, gin.H{"tasks": out, "retryTotal": retries})
	}
}

func adminAITaskRetryHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramInt64(c, "id")
		if !ok {
			respondInvalid(c, "任务 id 无效")
			return
		}
		t, err := opts.Orders.RetryAITask(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, toAITaskView(t))
	}
}

func adminFranchiseeCreateHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Username     string `json:"username"`
			Password     string `json:"password"`
			StoreName    string `json:"storeName"`
			QRCode       string `json:"qrCode"`
			ShopID       string `json:"shopId"`
			ShopName     string `json:"shopName"`
			InitialQuota string `json:"initialQuota"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, "无效的参数")
			return
		}
		quota := decimal.Zero
		if strings.TrimSpace(req.InitialQuota) != "" {
			q, err := parseAmount(req.InitialQuota)
			if err != nil {
				respondInvalid(c, err.Error())
				return
			}
			quota = q
		}
		acc, err := opts.Franchisee.Create(c.Request.Context(), franchisee.CreateInput{
			Username:     req.Username,
			Password:     req.Password,
			StoreName:    req.StoreName,
			QRCode:       req.QRCode,
			ShopID:       req.ShopID,
			ShopName:     req.ShopName,
			InitialQuota: quota,
			Operator:     principal(c).Operator(),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, toFranchiseeView(acc))
	}
}

func adminFranchiseeRechargeHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramInt64(c, "id")
		if !ok {
			respondInvalid(c, "加盟商 id 无效")
			return
		}
		var req struct {
			Type   string `json:"type"`
			Amount string `json:"amount"`
			Notes  string `json:"notes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, "无效的参数")
			return
		}
		// adjustment 允许负数，用于冲正。
		amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
		if err != nil || amount.Exponent() < -store.CNYScale {
			respondInvalid(c, "金额格式不合法")
			return
		}
		if amount.IsNegative() && req.Type != store.RechargeTypeAdjustment {
			respondInvalid(c, "只有 adjustment 允许负数金额")
			return
		}
		acc, err := opts.Franchisee.Recharge(c.Request.Context(), id, req.Type, amount, principal(c).Operator(), strings.TrimSpace(req.Notes))
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, toFranchiseeView(acc))
	}
}

func adminFranchiseeStatusHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramInt64(c, "id")
		if !ok {
			respondInvalid(c, "加盟商 id 无效")
			return
		}
		var req struct {
			Status string `json:"status"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, "无效的参数")
			return
		}
		switch req.Status {
		case store.FranchiseeStatusActive, store.FranchiseeStatusDisabled:
		default:
			respondInvalid(c, "不支持的状态")
			return
		}
		if err := opts.Store.SetFranchiseeStatus(c.Request.Context(), id, req.Status); err != nil {
			respondError(c, franchisee.MapError(err))
			return
		}
		respondOK(c, gin.H{"id": id, "status": req.Status})
	}
}

func adminMachineCreateHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			SerialNumber string `json:"serialNumber"`
			FranchiseeID *int64 `json:"franchiseeId"`
			Name         string `json:"name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SerialNumber) == "" {
			respondInvalid(c, "序列号不能为空")
			return
		}
		m, err := opts.Store.CreateSelfieMachine(c.Request.Context(), req.SerialNumber, req.FranchiseeID, strings.TrimSpace(req.Name))
		if err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				respondInvalid(c, "序列号已存在")
				return
			}
			respondError(c, apperr.Internal("创建自拍机失败", err))
			return
		}
		respondOK(c, gin.H{"id": m.ID, "serialNumber": m.SerialNumber, "franchiseeId": m.FranchiseeID, "status": m.Status})
	}
}

func adminCouponCreateHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Code         string    `json:"code"`
			Name         string    `json:"name"`
			Type         string    `json:"type"`
			Value        string    `json:"value"`
			MaxDiscount  string    `json:"maxDiscount"`
			MinAmount    string    `json:"minAmount"`
			StartTime    time.Time `json:"startTime"`
			EndTime      time.Time `json:"endTime"`
			TotalCount   int       `json:"totalCount"`
			PerUserLimit int       `json:"perUserLimit"`
			SourceType   string    `json:"sourceType"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, "无效的参数")
			return
		}
		cp := store.Coupon{
			Code:         req.Code,
			Name:         strings.TrimSpace(req.Name),
			Type:         req.Type,
			StartTime:    req.StartTime,
			EndTime:      req.EndTime,
			TotalCount:   req.TotalCount,
			PerUserLimit: req.PerUserLimit,
			SourceType:   req.SourceType,
		}
		var err error
		if req.Type != store.CouponTypeFree {
			if cp.Value, err = parseAmount(req.Value); err != nil {
				respondInvalid(c, err.Error())
				return
			}
		}
		if strings.TrimSpace(req.MinAmount) != "" {
			if cp.MinAmount, err = parseAmount(req.MinAmount); err != nil {
				respondInvalid(c, err.Error())
				return
			}
		}
		if strings.TrimSpace(req.MaxDiscount) != "" {
			d, err := parseAmount(req.MaxDiscount)
			if err != nil {
				respondInvalid(c, err.Error())
				return
			}
			cp.MaxDiscount = decimal.NewNullDecimal(d)
		}
		created, err := opts.Store.CreateCoupon(c.Request.Context(), cp)
		if err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				respondInvalid(c, "优惠券码已存在")
				return
			}
			respondInvalid(c, err.Error())
			return
		}
		respondOK(c, toCouponView(created))
	}
}

func adminWithdrawalReviewHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramInt64(c, "id")
		if !ok {
			respondInvalid(c, "提现 id 无效")
			return
		}
		var req struct {
			Status string `json:"status"`
			Notes  string `json:"notes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, "无效的参数")
			return
		}
		switch req.Status {
		case store.WithdrawalApproved, store.WithdrawalRejected, store.WithdrawalCompleted:
		default:
			respondInvalid(c, "不支持的审核状态")
			return
		}
		w, err := opts.Promotion.ReviewWithdrawal(c.Request.Context(), id, req.Status, strings.TrimSpace(req.Notes))
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, toWithdrawalView(w))
	}
}

// logisticsCallbackHandler 物流签收回调：shipped -> delivered。
func logisticsCallbackHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c)
		if tok == "" {
			tok = c.GetHeader("X-Logistics-Token")
		}
		if !auth.TokenEqual(opts.LogisticsToken, tok) {
			unauthorized(c, "回调 Token 无效")
			return
		}
		var req struct {
			OrderNumber string `json:"orderNumber"`
			Logistics   string `json:"logistics"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.OrderNumber) == "" {
			respondInvalid(c, "缺少订单号")
			return
		}
		o, err := opts.Orders.Deliver(c.Request.Context(), strings.TrimSpace(req.OrderNumber), req.Logistics)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"orderId": o.OrderNumber, "status": string(o.Status)})
	}
}
