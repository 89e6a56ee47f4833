package order

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"petstudio/internal/apperr"
	"petstudio/internal/imaging"
	"petstudio/internal/orderstate"
	"petstudio/internal/pipeline"
	"petstudio/internal/store"
)

const (
	machineActive = "active"
	maxPhotos     = 9
)

var photoExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".webp": true}

// KioskOrder 是自拍机核验订单时看到的订单信息。
type KioskOrder struct {
	OrderID       string     `json:"order_id"`
	OrderIDDB     int64      `json:"order_id_db"`
	CustomerName  string     `json:"customer_name"`
	CustomerPhone string     `json:"customer_phone"`
	ProductName   string     `json:"product_name"`
	Status        string     `json:"status"`
	IsPaid        bool       `json:"is_paid"`
	HasPhotos     bool       `json:"has_photos"`
	Amount        string     `json:"amount"`
	Photos        []string   `json:"photos"`
	CreatedAt     time.Time  `json:"created_at"`
	PaymentTime   *time.Time `json:"payment_time"`
}

func alreadyShot() error {
	return &apperr.Error{Kind: apperr.KindInvalidInput, SubKind: "already_shot", Message: "该订单已经拍摄过，不能重复拍摄"}
}

func machineRejected(msg string) error {
	return &apperr.Error{Kind: apperr.KindInvalidInput, SubKind: "machine_unauthorized", Message: msg}
}

// verifyMachine 要求自拍机已登记且启用；订单属于加盟商时自拍机也必须属于该加盟商。
func (s *Service) verifyMachine(ctx context.Context, o store.Order, serial string) error {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return apperr.InvalidInput("缺少自拍机序列号")
	}
	m, err := s.st.GetSelfieMachine(ctx, serial)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return machineRejected("自拍机未登记")
		}
		return apperr.Internal("查询自拍机失败", err)
	}
	if m.Status != machineActive {
		return machineRejected("自拍机已停用")
	}
	if o.FranchiseeID != nil && (m.FranchiseeID == nil || *m.FranchiseeID != *o.FranchiseeID) {
		return machineRejected("自拍机不属于该订单的门店")
	}
	return nil
}

// Check 供自拍机核验订单。订单已有照片时同时返回订单信息与 already_shot 错误。
func (s *Service) Check(ctx context.Context, orderNumber string, serial string) (KioskOrder, error) {
	o, err := s.get(ctx, orderNumber)
	if err != nil {
		return KioskOrder{}, err
	}
	if err := s.verifyMachine(ctx, o, serial); err != nil {
		return KioskOrder{}, err
	}
	if o.Status == orderstate.Cancelled {
		return KioskOrder{}, apperr.InvalidTransition("订单已取消")
	}
	imgs, err := s.st.ListOrderImages(ctx, o.ID)
	if err != nil {
		return KioskOrder{}, apperr.Internal("读取订单图片失败", err)
	}
	view := KioskOrder{
		OrderID:       o.OrderNumber,
		OrderIDDB:     o.ID,
		CustomerName:  o.CustomerName,
		CustomerPhone: o.CustomerPhone,
		ProductName:   o.ProductName,
		Status:        string(o.Status),
		IsPaid:        o.Paid(),
		HasPhotos:     len(imgs) > 0,
		Amount:        o.Price.StringFixed(2),
		Photos:        make([]string, 0, len(imgs)),
		CreatedAt:     o.CreatedAt,
		PaymentTime:   o.PaymentTime,
	}
	for _, img := range imgs {
		view.Photos = append(view.Photos, s.photoURL(img.Path))
	}
	if view.HasPhotos {
		return view, alreadyShot()
	}
	return view, nil
}

// Photo 是一张待保存的顾客照片。
type Photo struct {
	Name string
	Data []byte
}

type UploadInput struct {
	OrderNumber   string
	MachineSerial string
	// Kiosk 为 false 时是小程序补传：要求订单已支付且 openid 一致。
	Kiosk  bool
	OpenID string
	Photos []Photo
}

type UploadResult struct {
	Order  store.Order
	Photos []string
	Queued bool
}

// Upload 保存照片、订单进入 shooting 并提交 AI 生成。自拍机允许先拍后付。
func (s *Service) Upload(ctx context.Context, in UploadInput) (UploadResult, error) {
	if len(in.Photos) == 0 {
		return UploadResult{}, apperr.InvalidInput("没有上传照片")
	}
	if len(in.Photos) > maxPhotos {
		return UploadResult{}, apperr.InvalidInput("照片数量过多")
	}
	for _, p := range in.Photos {
		if !photoExts[strings.ToLower(filepath.Ext(p.Name))] {
			return UploadResult{}, apperr.InvalidInput("不支持的图片格式：" + p.Name)
		}
		if len(p.Data) == 0 {
			return UploadResult{}, apperr.InvalidInput("照片内容为空：" + p.Name)
		}
	}

	o, err := s.get(ctx, in.OrderNumber)
	if err != nil {
		return UploadResult{}, err
	}
	if in.Kiosk {
		if err := s.verifyMachine(ctx, o, in.MachineSerial); err != nil {
			return UploadResult{}, err
		}
		imgs, err := s.st.ListOrderImages(ctx, o.ID)
		if err != nil {
			return UploadResult{}, apperr.Internal("读取订单图片失败", err)
		}
		if len(imgs) > 0 && o.Status != orderstate.Shooting {
			return UploadResult{}, alreadyShot()
		}
	} else {
		if strings.TrimSpace(in.OpenID) == "" || o.OpenID != strings.TrimSpace(in.OpenID) {
			return UploadResult{}, apperr.NotFound("订单不存在")
		}
		if o.TransactionID == "" {
			return UploadResult{}, apperr.InvalidTransition("订单未支付，不能上传照片")
		}
	}
	if !orderstate.AcceptsUpload(o.Status) {
		return UploadResult{}, apperr.InvalidTransition("订单当前状态不能上传照片")
	}

	names := make([]string, 0, len(in.Photos))
	for _, p := range in.Photos {
		name, err := s.media.SaveUpload(p.Data, o.OrderNumber)
		if err != nil {
			s.removeUploads(names)
			return UploadResult{}, apperr.Wrap(apperr.KindInvalidInput, "照片无法识别："+p.Name, err)
		}
		names = append(names, name)
	}

	shooting, err := s.st.SetOrderShooting(ctx, o.ID, names)
	if err != nil {
		s.removeUploads(names)
		if errors.Is(err, orderstate.ErrInvalidTransition) {
			return UploadResult{}, apperr.Wrap(apperr.KindInvalidTransition, "订单当前状态不能上传照片", err)
		}
		return UploadResult{}, apperr.Internal("保存订单照片失败", err)
	}
	slog.Info("订单照片已上传", "order_number", o.OrderNumber, "count", len(names), "kiosk", in.Kiosk, "machine", in.MachineSerial)

	res := UploadResult{Order: shooting, Queued: s.enqueue(shooting, pipeline.JobGenerate)}
	for _, n := range names {
		res.Photos = append(res.Photos, s.photoURL(n))
	}
	return res, nil
}

func (s *Service) photoURL(name string) string {
	if s.media == nil {
		return name
	}
	return s.media.URL(imaging.KindUpload, name)
}

func (s *Service) removeUploads(names []string) {
	for _, n := range names {
		p, err := s.media.Folders().Path(imaging.KindUpload, n)
		if err != nil {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("清理上传照片失败", "name", n, "err", err)
		}
	}
}
