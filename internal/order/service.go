// Package order 是订单生命周期的门面：小程序下单与支付、自拍机校验与上传、
// 后台确认/取消/送达，以及把图片处理步骤提交给 pipeline。
//
// 状态与金额的一致性由 store 的事务保证；这里负责入参校验、定价、归因，
// 以及把 store 的哨兵错误翻译为 apperr。
package order

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/sjson"

	"petstudio/internal/apperr"
	"petstudio/internal/coupon"
	"petstudio/internal/identity"
	"petstudio/internal/imaging"
	"petstudio/internal/keylock"
	"petstudio/internal/obs"
	"petstudio/internal/orderstate"
	"petstudio/internal/promotion"
	"petstudio/internal/share"
	"petstudio/internal/store"
	"petstudio/internal/wechatpay"
)

// Jobs 接收订单的后台图片处理步骤。
type Jobs interface {
	Enqueue(orderID int64, kind string) (bool, error)
}

// Payer 发起渠道预下单。
type Payer interface {
	Enabled() bool
	PlaceOrder(ctx context.Context, in wechatpay.UnifiedOrder) (wechatpay.JSAPIParams, error)
}

// AIRetrier 对失败的 AI 任务做人工重试。
type AIRetrier interface {
	ManualRetry(ctx context.Context, taskID int64) (store.AITask, error)
}

type Deps struct {
	Store     *store.Store
	Coupons   *coupon.Service
	Promotion *promotion.Service
	Shares    *share.Service
	Media     *imaging.Media
	Jobs      Jobs
	Payer     Payer
	AI        AIRetrier
	Locks     keylock.Locker
	Metrics   *obs.Metrics
}

type Options struct {
	// PaymentBody 是微信支付的商品描述。
	PaymentBody string
	Now         func() time.Time
}

type Service struct {
	st      *store.Store
	coupons *coupon.Service
	promo   *promotion.Service
	shares  *share.Service
	media   *imaging.Media
	jobs    Jobs
	payer   Payer
	ai      AIRetrier
	locks   keylock.Locker
	metrics *obs.Metrics
	opts    Options
}

func New(d Deps, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if strings.TrimSpace(opts.PaymentBody) == "" {
		opts.PaymentBody = "宠物写真"
	}
	locks := d.Locks
	if locks == nil {
		locks = keylock.NewLocal()
	}
	return &Service{
		st:      d.Store,
		coupons: d.Coupons,
		promo:   d.Promotion,
		shares:  d.Shares,
		media:   d.Media,
		jobs:    d.Jobs,
		payer:   d.Payer,
		ai:      d.AI,
		locks:   locks,
		metrics: d.Metrics,
		opts:    opts,
	}
}

// Shipping 是收货信息，原样保存为 JSON。
type Shipping struct {
	Receiver    string `json:"receiver"`
	Phone       string `json:"phone"`
	FullAddress string `json:"fullAddress"`
	Remark      string `json:"remark"`
}

type CreateInput struct {
	CustomerName          string              `json:"customerName"`
	CustomerPhone         string              `json:"customerPhone"`
	StyleName             string              `json:"styleName"`
	ProductName           string              `json:"productName"`
	Quantity              int                 `json:"quantity"`
	TotalPrice            decimal.NullDecimal `json:"totalPrice"`
	SelectedSpec          string              `json:"selectedSpec"`
	OpenID                string              `json:"openid"`
	ReferrerUserID        string              `json:"referrerUserId"`
	ReferrerPromotionCode string              `json:"referrerPromotionCode"`
	FranchiseeQRCode      string              `json:"franchiseeQrCode"`
	UploadedImages        []string            `json:"uploadedImages"`
	CouponCode            string              `json:"couponCode"`
	ShareRecordID         int64               `json:"shareRecordId"`
	WorkID                string              `json:"workId"`
	Shipping              *Shipping           `json:"shippingInfo"`

	ClientIP string `json:"-"`
}

type CreateResult struct {
	Order         store.Order
	IsZeroPayment bool
	// Payment 为 nil 表示未发起预下单（0 元订单、未配置支付或预下单失败）。
	Payment      *wechatpay.JSAPIParams
	PaymentError string
}

func (in CreateInput) validate() error {
	switch {
	case strings.TrimSpace(in.CustomerName) == "":
		return apperr.InvalidInput("缺少客户姓名")
	case strings.TrimSpace(in.CustomerPhone) == "":
		return apperr.InvalidInput("缺少联系电话")
	case strings.TrimSpace(in.StyleName) == "":
		return apperr.InvalidInput("缺少风格")
	case strings.TrimSpace(in.ProductName) == "":
		return apperr.InvalidInput("缺少产品")
	case strings.TrimSpace(in.SelectedSpec) == "":
		return apperr.InvalidInput("缺少规格")
	case strings.TrimSpace(in.OpenID) == "":
		return apperr.InvalidInput("缺少 openid")
	case in.Quantity <= 0:
		return apperr.InvalidInput("数量必须大于 0")
	case !in.TotalPrice.Valid:
		return apperr.InvalidInput("缺少订单金额")
	case in.TotalPrice.Decimal.IsNegative():
		return apperr.InvalidInput("金额不能为负数")
	}
	return nil
}

// Create 创建小程序订单。
//
// 定价优先取产品规格价 × 数量，找不到规格时使用客户端金额；优惠券只做校验并绑定到订单，
// 支付落账时才核销。最终金额为 0 时订单在创建事务内直接支付。
func (s *Service) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	if err := in.validate(); err != nil {
		return CreateResult{}, err
	}
	openid := strings.TrimSpace(in.OpenID)
	userID := identity.UserID(openid)

	o := store.Order{
		Source:           store.OrderSourceMiniProgram,
		OpenID:           openid,
		UserID:           userID,
		CustomerName:     strings.TrimSpace(in.CustomerName),
		CustomerPhone:    strings.TrimSpace(in.CustomerPhone),
		ProductName:      strings.TrimSpace(in.ProductName),
		Size:             strings.TrimSpace(in.SelectedSpec),
		Quantity:         in.Quantity,
		StyleName:        strings.TrimSpace(in.StyleName),
		WorkID:           strings.TrimSpace(in.WorkID),
		NeedConfirmation: true,
	}

	amount := in.TotalPrice.Decimal.Round(store.CNYScale)
	ps, err := s.st.FindProductSize(ctx, o.ProductName, o.Size)
	switch {
	case err == nil:
		amount = ps.Price.Mul(decimal.NewFromInt(int64(in.Quantity))).Round(store.CNYScale)
		o.PrintWidthCM = ps.PrintWidthCM
		o.PrintHeightCM = ps.PrintHeightCM
		o.PrinterProductID = ps.PrinterProductID
	case errors.Is(err, sql.ErrNoRows):
		slog.Debug("未找到产品规格，使用客户端金额", "product", o.ProductName, "size", o.Size)
	default:
		return CreateResult{}, apperr.Internal("查询产品规格失败", err)
	}
	o.OriginalAmount = amount
	o.DiscountAmount = decimal.Zero
	o.Price = amount

	catID, imgID, err := s.st.ResolveStyle(ctx, o.StyleName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return CreateResult{}, apperr.Internal("查询风格失败", err)
	}
	o.StyleCategoryID, o.StyleImageID = catID, imgID

	if code := strings.TrimSpace(in.CouponCode); code != "" {
		v, err := s.coupons.Validate(ctx, userID, code, amount)
		if err != nil {
			return CreateResult{}, apperr.Internal("校验优惠券失败", err)
		}
		if !v.OK {
			return CreateResult{}, apperr.InsufficientFunds(v.Reason, coupon.ReasonMessage(v.Reason))
		}
		ucID := v.UserCouponID
		o.CouponCode = v.Coupon.Code
		o.UserCouponID = &ucID
		o.DiscountAmount = v.Discount
		o.Price = v.FinalAmount
	}

	o.ReferrerUserID, o.PromotionCode = s.promo.ResolveReferrer(ctx, userID, in.ReferrerUserID, in.ReferrerPromotionCode)
	if in.ShareRecordID > 0 {
		id := in.ShareRecordID
		o.ShareRecordID = &id
	}
	if in.Shipping != nil {
		o.ShippingInfo = shippingJSON(*in.Shipping)
	}

	images, err := s.checkUploaded(in.UploadedImages)
	if err != nil {
		return CreateResult{}, err
	}

	zero := !o.Price.IsPositive()
	qr := strings.TrimSpace(in.FranchiseeQRCode)
	var created store.Order
	for attempt := 0; attempt < 3; attempt++ {
		now := s.opts.Now()
		o.OrderNumber = identity.MiniProgramOrderNumber(now)
		created, err = s.st.CreateOrder(ctx, store.CreateOrderInput{
			Order:               o,
			FranchiseeQRCode:    qr,
			FranchiseeDeduction: o.Price,
			Images:              images,
			ZeroPayment:         zero,
			FreeTransactionID:   identity.FreeTransactionID(o.OrderNumber, now),
			CommissionRate:      s.promo.Rate(),
		})
		if !errors.Is(err, store.ErrDuplicate) {
			break
		}
		slog.Warn("订单号冲突，重新生成", "order_number", o.OrderNumber)
	}
	if err != nil {
		return CreateResult{}, mapCreateError(err)
	}

	slog.Info("订单已创建", "order_number", created.OrderNumber, "user_id", userID, "price", created.Price.StringFixed(2),
		"coupon", created.CouponCode, "referrer", created.ReferrerUserID, "franchisee_qr", qr, "zero_payment", zero)
	s.countCreated(created.Source)

	if s.shares != nil && (in.ShareRecordID > 0 || created.WorkID != "") {
		if _, _, err := s.shares.Reward(ctx, created, in.ShareRecordID, created.WorkID); err != nil {
			slog.Warn("发放分享奖励失败", "order_number", created.OrderNumber, "err", err)
		}
	}

	res := CreateResult{Order: created, IsZeroPayment: zero}
	if zero {
		s.countPaid("free")
		res.Order = s.startIfReady(ctx, created)
		return res, nil
	}
	if s.payer != nil && s.payer.Enabled() {
		params, err := s.placeOrder(ctx, created, in.ClientIP)
		if err != nil {
			// 订单保留为 unpaid，客户端可稍后调用支付接口重试。
			slog.Warn("微信预下单失败", "order_number", created.OrderNumber, "err", err)
			res.PaymentError = err.Error()
		} else {
			res.Payment = &params
		}
	}
	return res, nil
}

// Pay 为已创建的未支付订单重新发起预下单。
func (s *Service) Pay(ctx context.Context, orderNumber string, openid string, clientIP string) (wechatpay.JSAPIParams, error) {
	if s.payer == nil || !s.payer.Enabled() {
		return wechatpay.JSAPIParams{}, apperr.New(apperr.KindExternalPermanent, "未配置微信支付")
	}
	o, err := s.get(ctx, orderNumber)
	if err != nil {
		return wechatpay.JSAPIParams{}, err
	}
	if strings.TrimSpace(openid) == "" || o.OpenID != strings.TrimSpace(openid) {
		return wechatpay.JSAPIParams{}, apperr.NotFound("订单不存在")
	}
	if o.TransactionID != "" || o.Status != orderstate.Unpaid {
		return wechatpay.JSAPIParams{}, apperr.InvalidTransition("订单当前状态不需要支付")
	}
	if !o.Price.IsPositive() {
		return wechatpay.JSAPIParams{}, apperr.InvalidTransition("0 元订单无需支付")
	}
	return s.placeOrder(ctx, o, clientIP)
}

func (s *Service) placeOrder(ctx context.Context, o store.Order, clientIP string) (wechatpay.JSAPIParams, error) {
	params, err := s.payer.PlaceOrder(ctx, wechatpay.UnifiedOrder{
		OutTradeNo: o.OrderNumber,
		TotalFee:   store.FenFromCNY(o.Price),
		Body:       s.opts.PaymentBody,
		OpenID:     o.OpenID,
		ClientIP:   clientIP,
	})
	if err != nil {
		var we *wechatpay.Error
		if errors.Is(err, wechatpay.ErrDisabled) || errors.As(err, &we) {
			return wechatpay.JSAPIParams{}, apperr.Wrap(apperr.KindExternalPermanent, "微信支付下单失败", err)
		}
		return wechatpay.JSAPIParams{}, apperr.Wrap(apperr.KindExternalTransient, "微信支付暂时不可用", err)
	}
	return params, nil
}

// checkUploaded 只接受已经落在上传目录里的文件名。
func (s *Service) checkUploaded(names []string) ([]string, error) {
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if s.media == nil || !s.media.Folders().Exists(imaging.KindUpload, n) {
			return nil, apperr.InvalidInput("上传的图片不存在：" + n)
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Service) get(ctx context.Context, orderNumber string) (store.Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return store.Order{}, apperr.InvalidInput("缺少订单号")
	}
	o, err := s.st.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Order{}, apperr.NotFound("订单不存在")
		}
		return store.Order{}, apperr.Internal("读取订单失败", err)
	}
	if o.IsDeleted {
		return store.Order{}, apperr.NotFound("订单不存在")
	}
	return o, nil
}

func shippingJSON(sh Shipping) string {
	out := "{}"
	out, _ = sjson.Set(out, "receiver", strings.TrimSpace(sh.Receiver))
	out, _ = sjson.Set(out, "phone", strings.TrimSpace(sh.Phone))
	out, _ = sjson.Set(out, "fullAddress", strings.TrimSpace(sh.FullAddress))
	out, _ = sjson.Set(out, "remark", strings.TrimSpace(sh.Remark))
	return out
}

func mapCreateError(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return apperr.NotFound("加盟商二维码无效")
	case errors.Is(err, store.ErrInsufficientQuota):
		return apperr.InsufficientFunds("insufficient_quota", "加盟商额度不足")
	case errors.Is(err, store.ErrFranchiseeInactive):
		return apperr.InsufficientFunds("franchisee_inactive", "加盟商账号已停用")
	case errors.Is(err, store.ErrDuplicate):
		return apperr.Wrap(apperr.KindDuplicateOperation, "订单号冲突，请重试", err)
	case errors.Is(err, store.ErrCouponHeld):
		return apperr.InsufficientFunds(coupon.ReasonInUse, coupon.ReasonMessage(coupon.ReasonInUse))
	case errors.Is(err, store.ErrCouponNotOwned):
		return apperr.InsufficientFunds(coupon.ReasonNotOwned, coupon.ReasonMessage(coupon.ReasonNotOwned))
	case errors.Is(err, store.ErrUserCouponNotUnused):
		return apperr.InsufficientFunds(coupon.ReasonAlreadyUsed, coupon.ReasonMessage(coupon.ReasonAlreadyUsed))
	default:
		return apperr.Internal("创建订单失败", err)
	}
}

func (s *Service) countCreated(source string) {
	if s.metrics != nil {
		s.metrics.OrdersCreated.WithLabelValues(source).Inc()
	}
}

func (s *Service) countPaid(channel string) {
	if s.metrics != nil {
		s.metrics.OrdersPaid.WithLabelValues(channel).Inc()
	}
}
