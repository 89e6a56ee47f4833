package router

import (
	"time"

	"petstudio/internal/store"
)

type couponView struct {
	ID           int64     `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Value        string    `json:"value"`
	MaxDiscount  string    `json:"max_discount,omitempty"`
	MinAmount    string    `json:"min_amount"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	TotalCount   int       `json:"total_count"`
	PerUserLimit int       `json:"per_user_limit"`
	IssuedCount  int       `json:"issued_count"`
	UsedCount    int       `json:"used_count"`
	Status       string    `json:"status"`
	SourceType   string    `json:"source_type"`
	Remaining    int       `json:"remaining,omitempty"`
}

func toCouponView(c store.Coupon) couponView {
	v := couponView{
		ID:           c.ID,
		Code:         c.Code,
		Name:         c.Name,
		Type:         c.Type,
		Value:        money(c.Value),
		MinAmount:    money(c.MinAmount),
		StartTime:    c.StartTime,
		EndTime:      c.EndTime,
		TotalCount:   c.TotalCount,
		PerUserLimit: c.PerUserLimit,
		IssuedCount:  c.IssuedCount,
		UsedCount:    c.UsedCount,
		Status:       c.Status,
		SourceType:   c.SourceType,
	}
	if c.MaxDiscount.Valid {
		v.MaxDiscount = money(c.MaxDiscount.Decimal)
	}
	return v
}

type userCouponView struct {
	ID         int64      `json:"id"`
	CouponID   int64      `json:"coupon_id"`
	Status     string     `json:"status"`
	ClaimedAt  time.Time  `json:"claimed_at"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	ExpireTime time.Time  `json:"expire_time"`
	OrderID    *int64     `json:"order_id,omitempty"`
}

func toUserCouponView(uc store.UserCoupon) userCouponView {
	return userCouponView{
		ID:         uc.ID,
		CouponID:   uc.CouponID,
		Status:     uc.Status,
		ClaimedAt:  uc.ClaimedAt,
		UsedAt:     uc.UsedAt,
		ExpireTime: uc.ExpireTime,
		OrderID:    uc.OrderID,
	}
}

type commissionView struct {
	OrderNumber string     `json:"order_number"`
	Amount      string     `json:"amount"`
	Rate        string     `json:"rate"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toCommissionView(cm store.Commission) commissionView {
	return commissionView{
		OrderNumber: cm.OrderNumber,
		Amount:      money(cm.Amount),
		Rate:        cm.Rate.String(),
		Status:      cm.Status,
		CreatedAt:   cm.CreatedAt,
		CompletedAt: cm.CompletedAt,
	}
}

type withdrawalView struct {
	ID         int64      `json:"id"`
	Amount     string     `json:"amount"`
	Status     string     `json:"status"`
	Notes      string     `json:"notes,omitempty"`
	AppliedAt  time.Time  `json:"applied_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

func toWithdrawalView(w store.Withdrawal) withdrawalView {
	return withdrawalView{
		ID:         w.ID,
		Amount:     money(w.Amount),
		Status:     w.Status,
		Notes:      w.Notes,
		AppliedAt:  w.AppliedAt,
		ApprovedAt: w.ApprovedAt,
	}
}

type franchiseeView struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	StoreName      string `json:"store_name"`
	QRCode         string `json:"qr_code"`
	TotalQuota     string `json:"total_quota"`
	UsedQuota      string `json:"used_quota"`
	RemainingQuota string `json:"remaining_quota"`
	Status         string `json:"status"`
}

func toFranchiseeView(a store.FranchiseeAccount) franchiseeView {
	return franchiseeView{
		ID:             a.ID,
		Username:       a.Username,
		StoreName:      a.StoreName,
		QRCode:         a.QRCode,
		TotalQuota:     money(a.TotalQuota),
		UsedQuota:      money(a.UsedQuota),
		RemainingQuota: money(a.RemainingQuota),
		Status:         a.Status,
	}
}

type rechargeView struct {
	Type           string    `json:"type"`
	Amount         string    `json:"amount"`
	RemainingAfter string    `json:"remaining_after"`
	OrderID        *int64    `json:"order_id,omitempty"`
	Operator       string    `json:"operator"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type aiTaskView struct {
	ID             int64      `json:"id"`
	Attempt        int        `json:"attempt"`
	ProviderID     int64      `json:"provider_id"`
	TemplateID     int64      `json:"template_id"`
	ExternalTaskID string     `json:"external_task_id,omitempty"`
	Status         string     `json:"status"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	RetryCount     int        `json:"retry_count"`
	ProcessingLog  string     `json:"processing_log,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func toAITaskView(t store.AITask) aiTaskView {
	return aiTaskView{
		ID:             t.ID,
		Attempt:        t.Attempt,
		ProviderID:     t.ProviderID,
		TemplateID:     t.TemplateID,
		ExternalTaskID: t.ExternalTaskID,
		Status:         t.Status,
		ErrorKind:      t.ErrorKind,
		ErrorMessage:   t.ErrorMessage,
		RetryCount:     t.RetryCount,
		ProcessingLog:  t.ProcessingLog,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
	}
}
