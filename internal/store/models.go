package store

import (
	"time"

	"github.com/shopspring/decimal"

	"petstudio/internal/orderstate"
)

const (
	OrderSourceMiniProgram = "miniprogram"
	OrderSourceKiosk       = "kiosk"
	OrderSourceWeb         = "web"
)

type Order struct {
	ID                  int64
	OrderNumber         string
	Source              string
	OpenID              string
	UserID              string
	CustomerName        string
	CustomerPhone       string
	ProductName         string
	Size                string
	Quantity            int
	StyleName           string
	StyleCategoryID     *int64
	StyleImageID        *int64
	OriginalAmount      decimal.Decimal
	DiscountAmount      decimal.Decimal
	Price               decimal.Decimal
	CouponCode          string
	UserCouponID        *int64
	FranchiseeID        *int64
	FranchiseeDeduction decimal.Decimal
	MachineSerialNumber string
	ReferrerUserID      string
	PromotionCode       string
	ShareRecordID       *int64
	WorkID              string
	Status              orderstate.Status
	TransactionID       string
	OriginalImage       string
	RetouchedImage      string
	FinalImage          string
	FinalImageClean     string
	HDImage             string
	ShippingInfo        string
	LogisticsInfo       string
	NeedConfirmation    bool
	PrintWidthCM        decimal.NullDecimal
	PrintHeightCM       decimal.NullDecimal
	PrinterProductID    string
	DispatchStatus      string
	DispatchMessage     string
	IsDeleted           bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
	PaymentTime         *time.Time
	ProductionTime      *time.Time
	CompletedAt         *time.Time
	ShippedAt           *time.Time
	DeliveredAt         *time.Time
	CancelledAt         *time.Time
}

// Paid 表示订单已有支付凭证；免单订单同样写入 FREE_ 交易号与支付时间。
func (o Order) Paid() bool {
	return o.TransactionID != "" && o.PaymentTime != nil
}

type OrderImage struct {
	ID        int64
	OrderID   int64
	Path      string
	SortOrder int
	IsMain    bool
	CreatedAt time.Time
}

const (
	AITaskPending    = "pending"
	AITaskProcessing = "processing"
	AITaskSucceeded  = "succeeded"
	AITaskFailed     = "failed"
	AITaskExpired    = "expired"
)

// AI 任务错误分类。
const (
	ErrorKindTransient          = "transient"
	ErrorKindPermanent          = "permanent"
	ErrorKindExpired            = "expired"
	ErrorKindPossiblyDispatched = "possibly_dispatched"
	// ErrorKindLocal 表示本地读图或产物落盘失败，与服务商无关。
	ErrorKindLocal = "local"
)

type AITask struct {
	ID                      int64
	OrderID                 int64
	Attempt                 int
	StyleCategoryID         *int64
	StyleImageID            *int64
	InputImage              string
	ProviderID              int64
	TemplateID              int64
	ExternalTaskID          string
	Status                  string
	OutputImage             string
	ErrorKind               string
	ErrorMessage            string
	RetryCount              int
	ProcessingLog           string
	StartedAt               *time.Time
	CompletedAt             *time.Time
	EstimatedCompletionTime *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (t AITask) Terminal() bool {
	switch t.Status {
	case AITaskSucceeded, AITaskFailed, AITaskExpired:
		return true
	default:
		return false
	}
}

type APIProviderConfig struct {
	ID             int64
	Name           string
	APIType        string
	DomesticHost   string
	OverseasHost   string
	UseOverseas    bool
	DrawEndpoint   string
	ResultEndpoint string
	UploadEndpoint string
	APIKey         string
	IsSync         bool
	RetryEnabled   bool
	Priority       int
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Host 返回当前生效的服务地址：配置了海外地址且启用时优先海外。
func (p APIProviderConfig) Host() string {
	if p.UseOverseas && p.OverseasHost != "" {
		return p.OverseasHost
	}
	if p.DomesticHost != "" {
		return p.DomesticHost
	}
	return p.OverseasHost
}

type APITemplate struct {
	ID                  int64
	Name                string
	ProviderID          int64
	StyleCategoryID     *int64
	StyleImageID        *int64
	RequestBodyTemplate string
	Prompt              string
	AspectRatio         string
	WorkflowID          string
	NodeMapping         string
	EstimatedSeconds    int
	Priority            int
	IsActive            bool
	CreatedAt           time.Time
}

type StyleCategory struct {
	ID             int64
	Name           string
	Code           string
	IsPortrait     bool
	WatermarkText  string
	WatermarkAsset string
	IsActive       bool
	CreatedAt      time.Time
}

type StyleImage struct {
	ID         int64
	CategoryID int64
	Name       string
	IsActive   bool
	CreatedAt  time.Time
}

type ProductSize struct {
	ID               int64
	ProductID        int64
	ProductCode      string
	ProductName      string
	SizeCode         string
	SizeName         string
	Price            decimal.Decimal
	PrintWidthCM     decimal.NullDecimal
	PrintHeightCM    decimal.NullDecimal
	PrinterProductID string
}

const (
	CouponTypeCash    = "cash"
	CouponTypePercent = "percent"
	CouponTypeFree    = "free"

	CouponStatusActive  = "active"
	CouponStatusPaused  = "paused"
	CouponStatusExpired = "expired"

	CouponSourceSystem            = "system"
	CouponSourceShare             = "share"
	CouponSourceGroupon           = "groupon"
	CouponSourceThirdPartyGroupon = "third_party_groupon"

	UserCouponUnused  = "unused"
	UserCouponUsed    = "used"
	UserCouponExpired = "expired"
)

type Coupon struct {
	ID             int64
	Code           string
	Name           string
	Type           string
	Value          decimal.Decimal
	MaxDiscount    decimal.NullDecimal
	MinAmount      decimal.Decimal
	StartTime      time.Time
	EndTime        time.Time
	TotalCount     int
	PerUserLimit   int
	IssuedCount    int
	UsedCount      int
	Status         string
	SourceType     string
	GrouponOrderID string
	IsRandomCode   bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InWindow 判断 now 是否落在有效期内（含边界）。
func (c Coupon) InWindow(now time.Time) bool {
	return !now.Before(c.StartTime) && !now.After(c.EndTime)
}

type UserCoupon struct {
	ID         int64
	UserID     string
	CouponID   int64
	Status     string
	ClaimedAt  time.Time
	UsedAt     *time.Time
	ExpireTime time.Time
	OrderID    *int64
}

const (
	ShareRecordPending   = "pending"
	ShareRecordCompleted = "completed"
)

type ShareRecord struct {
	ID                 int64
	SharerUserID       string
	WorkID             string
	SharedUserID       string
	OrderID            *int64
	Status             string
	SharerUserCouponID *int64
	SharedUserCouponID *int64
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

type PromotionUser struct {
	ID                   int64
	UserID               string
	OpenID               string
	PromotionCode        string
	EligibleForPromotion bool
	TotalEarnings        decimal.Decimal
	TotalOrders          int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type PromotionTrack struct {
	ID             int64
	PromotionCode  string
	ReferrerUserID string
	VisitorUserID  string
	VisitorOpenID  string
	CreatedAt      time.Time
}

const (
	CommissionPending   = "pending"
	CommissionCompleted = "completed"
	CommissionCancelled = "cancelled"
)

type Commission struct {
	ID             int64
	OrderID        int64
	OrderNumber    string
	ReferrerUserID string
	BuyerUserID    string
	Amount         decimal.Decimal
	Rate           decimal.Decimal
	Status         string
	CreatedAt      time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
}

const (
	WithdrawalPending   = "pending"
	WithdrawalApproved  = "approved"
	WithdrawalRejected  = "rejected"
	WithdrawalCompleted = "completed"
)

type Withdrawal struct {
	ID         int64
	UserID     string
	Amount     decimal.Decimal
	Status     string
	Notes      string
	AppliedAt  time.Time
	ApprovedAt *time.Time
}

const (
	FranchiseeStatusActive   = "active"
	FranchiseeStatusDisabled = "disabled"

	RechargeTypeDebit      = "debit"
	RechargeTypeRefund     = "refund"
	RechargeTypeManual     = "manual"
	RechargeTypeAdjustment = "adjustment"
)

type FranchiseeAccount struct {
	ID             int64
	Username       string
	PasswordHash   []byte
	StoreName      string
	QRCode         string
	ShopID         string
	ShopName       string
	TotalQuota     decimal.Decimal
	UsedQuota      decimal.Decimal
	RemainingQuota decimal.Decimal
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type FranchiseeRecharge struct {
	ID             int64
	FranchiseeID   int64
	RechargeType   string
	Amount         decimal.Decimal
	RemainingAfter decimal.Decimal
	OrderID        *int64
	Operator       string
	Notes          string
	CreatedAt      time.Time
}

type SelfieMachine struct {
	ID           int64
	SerialNumber string
	FranchiseeID *int64
	Name         string
	Status       string
	CreatedAt    time.Time
}

type AdminUser struct {
	ID           int64
	Username     string
	PasswordHash []byte
	Status       int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
