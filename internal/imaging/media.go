package imaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"petstudio/internal/aiprovider"
	"petstudio/internal/aitask"
	"petstudio/internal/store"
)

// StyleLookup 读取风格上配置的水印。
type StyleLookup interface {
	GetStyleCategory(ctx context.Context, id int64) (store.StyleCategory, error)
}

type MediaOptions struct {
	Folders Folders
	// BaseURL 对外地址，用于拼接 /media/<kind>/<name>。
	BaseURL              string
	CompressThreshold    int64
	DefaultWatermarkText string
	Watermarker          *Watermarker
	Styles               StyleLookup
}

// Media 是订单图片的落盘入口，同时实现 aitask.Media。
type Media struct {
	folders   Folders
	baseURL   string
	threshold int64
	wmText    string
	wm        *Watermarker
	styles    StyleLookup
}

var _ aitask.Media = (*Media)(nil)

func NewMedia(opts MediaOptions) (*Media, error) {
	if err := opts.Folders.Ensure(); err != nil {
		return nil, err
	}
	wm := opts.Watermarker
	if wm == nil {
		var err error
		if wm, err = NewWatermarker(nil); err != nil {
			return nil, err
		}
	}
	return &Media{
		folders:   opts.Folders,
		baseURL:   strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		threshold: opts.CompressThreshold,
		wmText:    strings.TrimSpace(opts.DefaultWatermarkText),
		wm:        wm,
		styles:    opts.Styles,
	}, nil
}

func (m *Media) Folders() Folders { return m.folders }

// URL 用配置的对外地址拼接图片 URL；name 为空时返回空串。
func (m *Media) URL(kind string, name string) string {
	return MediaURL(m.baseURL, kind, name)
}

func MediaURL(baseURL string, kind string, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	segs := strings.Split(strings.ReplaceAll(name, "\\", "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.TrimRight(baseURL, "/") + "/media/" + kind + "/" + strings.Join(segs, "/")
}

// SaveUpload 保存一张顾客照片（超过阈值先压缩），返回相对文件名。
func (m *Media) SaveUpload(raw []byte, tag string) (string, error) {
	data, ext, err := Compress(raw, m.threshold)
	if err != nil {
		return "", err
	}
	name := NewName(tag, ext)
	if err := m.folders.Write(KindUpload, name, data); err != nil {
		return "", err
	}
	return name, nil
}

// SaveRetouched 保存美颜结果到上传目录的保留子目录。
func (m *Media) SaveRetouched(raw []byte, tag string) (string, error) {
	_, format, err := Decode(raw)
	if err != nil {
		return "", err
	}
	name := path.Join(RetouchedSubdir, NewName(tag, ExtFor(format)))
	if err := m.folders.Write(KindUpload, name, raw); err != nil {
		return "", err
	}
	return name, nil
}

// Input 读取上传目录中的输入图，同时给出对外 URL 供按地址取图的服务商使用。
func (m *Media) Input(ctx context.Context, name string) (aiprovider.Input, error) {
	raw, err := m.folders.Read(KindUpload, name)
	if err != nil {
		return aiprovider.Input{}, err
	}
	return aiprovider.Input{
		ImageURL:  m.URL(KindUpload, name),
		Image:     raw,
		ImageName: path.Base(name),
	}, nil
}

// SaveResult 把 AI 原始输出保存为无水印图，再生成带水印的成品图。
// 加水印失败不影响订单：成品图退化为无水印图的副本。
func (m *Media) SaveResult(ctx context.Context, o store.Order, raw []byte) (aitask.Artifacts, error) {
	img, format, err := Decode(raw)
	if err != nil {
		return aitask.Artifacts{}, err
	}
	ext := ExtFor(format)
	clean := raw
	if format != "png" && format != "jpeg" {
		if clean, err = Encode(img, ext, hdQuality); err != nil {
			return aitask.Artifacts{}, err
		}
	}
	cleanName := NewName(o.OrderNumber+"_clean", ext)
	if err := m.folders.Write(KindFinal, cleanName, clean); err != nil {
		return aitask.Artifacts{}, err
	}

	finalName := NewName(o.OrderNumber+"_final", ext)
	marked, err := m.watermark(ctx, o, img, ext)
	if err != nil {
		slog.Warn("加水印失败，成品图使用无水印图", "order_number", o.OrderNumber, "err", err)
		marked = clean
	}
	if err := m.folders.Write(KindFinal, finalName, marked); err != nil {
		return aitask.Artifacts{}, err
	}
	return aitask.Artifacts{Output: cleanName, Final: finalName, FinalClean: cleanName}, nil
}

func (m *Media) watermark(ctx context.Context, o store.Order, img image.Image, ext string) ([]byte, error) {
	text := m.wmText
	var asset image.Image
	if o.StyleCategoryID != nil && m.styles != nil {
		style, err := m.styles.GetStyleCategory(ctx, *o.StyleCategoryID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if strings.TrimSpace(style.WatermarkText) != "" {
			text = style.WatermarkText
		}
		if name := strings.TrimSpace(style.WatermarkAsset); name != "" {
			raw, err := m.folders.Read(KindWatermark, name)
			if err != nil {
				return nil, err
			}
			if asset, _, err = Decode(raw); err != nil {
				return nil, fmt.Errorf("水印图无效: %w", err)
			}
		}
	}
	out, err := m.wm.Apply(img, text, asset)
	if err != nil {
		return nil, err
	}
	return Encode(out, ext, hdQuality)
}

// SaveHD 把无水印图本地放大到打印像素，返回 HD 文件名与像素尺寸。
func (m *Media) SaveHD(o store.Order, dpi int) (string, int, int, error) {
	if !o.PrintWidthCM.Valid || !o.PrintHeightCM.Valid {
		return "", 0, 0, errors.New("订单缺少打印尺寸")
	}
	w, h, err := PrintPixels(o.PrintWidthCM.Decimal, o.PrintHeightCM.Decimal, dpi)
	if err != nil {
		return "", 0, 0, err
	}
	raw, err := m.folders.Read(KindFinal, o.FinalImageClean)
	if err != nil {
		return "", 0, 0, err
	}
	out, err := ResizeForPrint(raw, w, h)
	if err != nil {
		return "", 0, 0, err
	}
	name := NewName(o.OrderNumber+"_hd", ".jpg")
	if err := m.folders.Write(KindHD, name, out); err != nil {
		return "", 0, 0, err
	}
	return name, w, h, nil
}

// WriteHD 保存放大服务商返回的 HD 图。
func (m *Media) WriteHD(o store.Order, raw []byte) (string, error) {
	_, format, err := Decode(raw)
	if err != nil {
		return "", err
	}
	name := NewName(o.OrderNumber+"_hd", ExtFor(format))
	if err := m.folders.Write(KindHD, name, raw); err != nil {
		return "", err
	}
	return name, nil
}
