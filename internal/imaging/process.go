package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	_ "image/gif"

	"github.com/shopspring/decimal"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// CompressMaxEdge 压缩时长边上限。
	CompressMaxEdge = 2048
	CompressQuality = 85
	hdQuality       = 95
)

var ErrNotImage = errors.New("不是有效的图片")

var cmPerInch = decimal.RequireFromString("2.54")

func Decode(raw []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	return img, format, nil
}

// ExtFor 返回保存用的扩展名；只有 png 保持原格式，其余统一为 jpg。
func ExtFor(format string) string {
	if format == "png" {
		return ".png"
	}
	return ".jpg"
}

// Encode 按扩展名编码。
func Encode(img image.Image, ext string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch ext {
	case ".png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("编码 PNG 失败: %w", err)
		}
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("编码 JPEG 失败: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Compress 超过阈值时缩小到长边 CompressMaxEdge 并以 JPEG 重新编码；未超过时原样返回。
func Compress(raw []byte, threshold int64) ([]byte, string, error) {
	img, format, err := Decode(raw)
	if err != nil {
		return nil, "", err
	}
	if threshold <= 0 || int64(len(raw)) <= threshold {
		return raw, ExtFor(format), nil
	}
	out, err := Encode(FitWithin(img, CompressMaxEdge), ".jpg", CompressQuality)
	if err != nil {
		return nil, "", err
	}
	// 个别小尺寸 PNG 转 JPEG 反而更大，保留原图。
	if len(out) >= len(raw) {
		return raw, ExtFor(format), nil
	}
	return out, ".jpg", nil
}

// FitWithin 等比缩小到长边不超过 maxEdge；已满足时返回原图。
func FitWithin(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return img
	}
	if w >= h {
		h = h * maxEdge / w
		w = maxEdge
	} else {
		w = w * maxEdge / h
		h = maxEdge
	}
	return Resize(img, max(w, 1), max(h, 1))
}

func Resize(img image.Image, w int, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// PrintPixels 把打印尺寸（厘米）换算成像素：cm * dpi / 2.54，四舍五入。
func PrintPixels(widthCM decimal.Decimal, heightCM decimal.Decimal, dpi int) (int, int, error) {
	if dpi <= 0 {
		dpi = 300
	}
	if !widthCM.IsPositive() || !heightCM.IsPositive() {
		return 0, 0, errors.New("打印尺寸必须大于 0")
	}
	d := decimal.NewFromInt(int64(dpi))
	w := widthCM.Mul(d).Div(cmPerInch).Round(0).IntPart()
	h := heightCM.Mul(d).Div(cmPerInch).Round(0).IntPart()
	if w <= 0 || h <= 0 || w > 20000 || h > 20000 {
		return 0, 0, fmt.Errorf("打印像素超出范围: %dx%d", w, h)
	}
	return int(w), int(h), nil
}

// ResizeForPrint 居中裁剪到目标宽高比后缩放到打印像素，输出 JPEG。
func ResizeForPrint(raw []byte, w int, h int) ([]byte, error) {
	img, _, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Encode(Resize(cropToAspect(img, w, h), w, h), ".jpg", hdQuality)
}

func cropToAspect(img image.Image, w int, h int) image.Image {
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if sw == 0 || sh == 0 || w == 0 || h == 0 {
		return img
	}
	cw, ch := sw, sw*h/w
	if ch > sh {
		cw, ch = sh*w/h, sh
	}
	if cw == sw && ch == sh {
		return img
	}
	x0 := b.Min.X + (sw-cw)/2
	y0 := b.Min.Y + (sh-ch)/2
	dst := image.NewRGBA(image.Rect(0, 0, cw, ch))
	draw.Draw(dst, dst.Bounds(), img, image.Point{X: x0, Y: y0}, draw.Src)
	return dst
}
