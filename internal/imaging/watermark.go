package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

var ErrEmptyWatermark = errors.New("水印文字与水印图都为空")

// Watermarker 绘制平铺文字水印或角标图片水印。
type Watermarker struct {
	font *truetype.Font
}

// NewWatermarker 使用内置 Go Regular 字体；fontTTF 非空时改用指定字体（需要中文水印时配置）。
func NewWatermarker(fontTTF []byte) (*Watermarker, error) {
	if len(fontTTF) == 0 {
		fontTTF = goregular.TTF
	}
	f, err := truetype.Parse(fontTTF)
	if err != nil {
		return nil, fmt.Errorf("解析水印字体失败: %w", err)
	}
	return &Watermarker{font: f}, nil
}

func (w *Watermarker) face(size float64) font.Face {
	return truetype.NewFace(w.font, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
}

// Apply 优先使用图片水印，没有时绘制文字水印。
func (w *Watermarker) Apply(img image.Image, text string, asset image.Image) (image.Image, error) {
	if asset != nil {
		return w.Asset(img, asset), nil
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyWatermark
	}
	return w.Text(img, text), nil
}

// Text 以 -30 度斜向平铺半透明文字。
func (w *Watermarker) Text(img image.Image, text string) image.Image {
	b := img.Bounds()
	width, height := float64(b.Dx()), float64(b.Dy())

	dc := gg.NewContext(b.Dx(), b.Dy())
	dc.DrawImage(img, -b.Min.X, -b.Min.Y)

	size := math.Max(12, math.Min(width, height)/18)
	dc.SetFontFace(w.face(size))
	tw, th := dc.MeasureString(text)
	stepX := tw + size*3
	stepY := th + size*4

	dc.Push()
	dc.RotateAbout(gg.Radians(-30), width/2, height/2)
	dc.SetColor(color.NRGBA{R: 255, G: 255, B: 255, A: 96})
	diag := math.Hypot(width, height)
	for y := height/2 - diag; y < height/2+diag; y += stepY {
		row := int(math.Round((y - (height/2 - diag)) / stepY))
		offset := 0.0
		if row%2 == 1 {
			offset = stepX / 2
		}
		for x := width/2 - diag + offset; x < width/2+diag; x += stepX {
			dc.DrawString(text, x, y)
		}
	}
	dc.Pop()
	return dc.Image()
}

// Asset 把水印图缩放到短边的 1/4 后贴在右下角。
func (w *Watermarker) Asset(img image.Image, asset image.Image) image.Image {
	b := img.Bounds()
	dc := gg.NewContext(b.Dx(), b.Dy())
	dc.DrawImage(img, -b.Min.X, -b.Min.Y)

	target := min(b.Dx(), b.Dy()) / 4
	ab := asset.Bounds()
	if target > 0 && ab.Dx() > 0 && ab.Dy() > 0 && max(ab.Dx(), ab.Dy()) > target {
		if ab.Dx() >= ab.Dy() {
			asset = Resize(asset, target, max(1, ab.Dy()*target/ab.Dx()))
		} else {
			asset = Resize(asset, max(1, ab.Dx()*target/ab.Dy()), target)
		}
		ab = asset.Bounds()
	}
	margin := min(b.Dx(), b.Dy()) / 40
	dc.DrawImage(asset, b.Dx()-ab.Dx()-margin, b.Dy()-ab.Dy()-margin)
	return dc.Image()
}
