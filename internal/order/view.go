package order

import (
	"context"
	"strings"
	"time"

	"petstudio/internal/apperr"
	"petstudio/internal/imaging"
	"petstudio/internal/orderstate"
	"petstudio/internal/store"
)

// View 是订单对客户端的只读视图；图片以 URL 形式给出。
type View struct {
	OrderNumber      string     `json:"order_number"`
	OrderID          int64      `json:"order_id"`
	Status           string     `json:"status"`
	Source           string     `json:"source"`
	CustomerName     string     `json:"customer_name"`
	CustomerPhone    string     `json:"customer_phone"`
	ProductName      string     `json:"product_name"`
	Size             string     `json:"size"`
	Quantity         int        `json:"quantity"`
	StyleName        string     `json:"style_name"`
	OriginalAmount   string     `json:"original_amount"`
	DiscountAmount   string     `json:"discount_amount"`
	Price            string     `json:"price"`
	CouponCode       string     `json:"coupon_code,omitempty"`
	IsPaid           bool       `json:"is_paid"`
	NeedConfirmation bool       `json:"need_confirmation"`
	Photos           []string   `json:"photos"`
	FinalImageURL    string     `json:"final_image_url,omitempty"`
	CleanImageURL    string     `json:"clean_image_url,omitempty"`
	HDImageURL       string     `json:"hd_image_url,omitempty"`
	DispatchStatus   string     `json:"dispatch_status"`
	LogisticsInfo    string     `json:"logistics_info,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	PaymentTime      *time.Time `json:"payment_time,omitempty"`
	ProductionTime   *time.Time `json:"production_time,omitempty"`
	ShippedAt        *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
}

// Get 返回订单视图。openid 非空时校验归属；无水印图与 HD 图在确认生产后才可见。
func (s *Service) Get(ctx context.Context, orderNumber string, openid string) (View, error) {
	o, err := s.owned(ctx, orderNumber, openid)
	if err != nil {
		return View{}, err
	}
	imgs, err := s.st.ListOrderImages(ctx, o.ID)
	if err != nil {
		return View{}, apperr.Internal("读取订单图片失败", err)
	}
	return s.view(o, imgs, strings.TrimSpace(openid) == ""), nil
}

func (s *Service) view(o store.Order, imgs []store.OrderImage, admin bool) View {
	v := View{
		OrderNumber:      o.OrderNumber,
		OrderID:          o.ID,
		Status:           string(o.Status),
		Source:           o.Source,
		CustomerName:     o.CustomerName,
		CustomerPhone:    o.CustomerPhone,
		ProductName:      o.ProductName,
		Size:             o.Size,
		Quantity:         o.Quantity,
		StyleName:        o.StyleName,
		OriginalAmount:   o.OriginalAmount.StringFixed(2),
		DiscountAmount:   o.DiscountAmount.StringFixed(2),
		Price:            o.Price.StringFixed(2),
		CouponCode:       o.CouponCode,
		IsPaid:           o.Paid(),
		NeedConfirmation: o.NeedConfirmation,
		Photos:           make([]string, 0, len(imgs)),
		DispatchStatus:   o.DispatchStatus,
		LogisticsInfo:    o.LogisticsInfo,
		CreatedAt:        o.CreatedAt,
		PaymentTime:      o.PaymentTime,
		ProductionTime:   o.ProductionTime,
		ShippedAt:        o.ShippedAt,
		DeliveredAt:      o.DeliveredAt,
	}
	for _, img := range imgs {
		v.Photos = append(v.Photos, s.photoURL(img.Path))
	}
	if s.media == nil {
		return v
	}
	v.FinalImageURL = s.media.URL(imaging.KindFinal, o.FinalImage)
	if admin || orderstate.CleanImageVisible(o.Status) {
		v.CleanImageURL = s.media.URL(imaging.KindFinal, o.FinalImageClean)
		v.HDImageURL = s.media.URL(imaging.KindHD, o.HDImage)
	}
	return v
}
