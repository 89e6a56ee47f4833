package imaging

import (
	"bytes"
	"context"
	"database/sql"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"petstudio/internal/store"
)

func testFolders(t *testing.T) Folders {
	t.Helper()
	root := t.TempDir()
	f := Folders{
		Upload:    filepath.Join(root, "upload"),
		Final:     filepath.Join(root, "final"),
		HD:        filepath.Join(root, "hd"),
		Watermark: filepath.Join(root, "watermark"),
	}
	if err := f.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return f
}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func noisyJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(1))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(r.Intn(256))
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	return buf.Bytes()
}

type styleStub map[int64]store.StyleCategory

func (s styleStub) GetStyleCategory(_ context.Context, id int64) (store.StyleCategory, error) {
	c, ok := s[id]
	if !ok {
		return store.StyleCategory{}, sql.ErrNoRows
	}
	return c, nil
}

func TestFoldersPath_RejectsTraversal(t *testing.T) {
	f := testFolders(t)
	for _, name := range []string{"", "../x.jpg", "/etc/passwd", "a/../../x.jpg", ".."} {
		if _, err := f.Path(KindUpload, name); err == nil {
			t.Fatalf("Path(%q) expected error", name)
		}
	}
	p, err := f.Path(KindUpload, "retouched/a.jpg")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if !strings.HasPrefix(p, f.Upload) {
		t.Fatalf("path=%q not under %q", p, f.Upload)
	}
	if _, err := f.Path("nope", "a.jpg"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestFoldersWriteAndExists(t *testing.T) {
	f := testFolders(t)
	if f.Exists(KindFinal, "a.png") {
		t.Fatalf("expected missing file")
	}
	if err := f.Write(KindFinal, "a.png", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !f.Exists(KindFinal, "a.png") {
		t.Fatalf("expected file to exist")
	}
	if err := f.Write(KindFinal, "empty.png", nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if f.Exists(KindFinal, "empty.png") {
		t.Fatalf("empty file must not count as existing")
	}
	entries, err := os.ReadDir(f.Final)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestNewName_UniqueAndSanitized(t *testing.T) {
	a := NewName("MP2026/../x", ".jpg")
	b := NewName("MP2026/../x", "jpg")
	if a == b {
		t.Fatalf("names must be unique")
	}
	if strings.Contains(a, "/") || strings.Contains(a, "..") {
		t.Fatalf("name not sanitized: %q", a)
	}
	if !strings.HasSuffix(a, "_MP2026x.jpg") || !strings.HasSuffix(b, ".jpg") {
		t.Fatalf("unexpected names: %q %q", a, b)
	}
}

func TestCompress(t *testing.T) {
	small := solidPNG(t, 10, 10, color.White)
	out, ext, err := Compress(small, 1<<20)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if ext != ".png" || !bytes.Equal(out, small) {
		t.Fatalf("small image should be kept, ext=%s", ext)
	}

	big := noisyJPEG(t, 2600, 1300)
	out, ext, err = Compress(big, 1024)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if ext != ".jpg" || len(out) >= len(big) {
		t.Fatalf("expected smaller jpeg, ext=%s size=%d orig=%d", ext, len(out), len(big))
	}
	img, _, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != CompressMaxEdge || b.Dy() != 1024 {
		t.Fatalf("bounds=%v", b)
	}

	if _, _, err := Compress([]byte("not an image"), 1); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPrintPixels(t *testing.T) {
	w, h, err := PrintPixels(decimal.RequireFromString("15.24"), decimal.RequireFromString("10.16"), 300)
	if err != nil {
		t.Fatalf("PrintPixels: %v", err)
	}
	if w != 1800 || h != 1200 {
		t.Fatalf("got %dx%d, want 1800x1200", w, h)
	}
	if _, _, err := PrintPixels(decimal.Zero, decimal.NewFromInt(10), 300); err == nil {
		t.Fatalf("expected error for zero width")
	}
}

func TestResizeForPrint_CropsToAspect(t *testing.T) {
	raw := solidPNG(t, 400, 200, color.Black)
	out, err := ResizeForPrint(raw, 300, 300)
	if err != nil {
		t.Fatalf("ResizeForPrint: %v", err)
	}
	img, format, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if format != "jpeg" || img.Bounds().Dx() != 300 || img.Bounds().Dy() != 300 {
		t.Fatalf("format=%s bounds=%v", format, img.Bounds())
	}
}

func TestWatermarker_TextChangesPixels(t *testing.T) {
	wm, err := NewWatermarker(nil)
	if err != nil {
		t.Fatalf("NewWatermarker: %v", err)
	}
	src, _, _ := Decode(solidPNG(t, 200, 200, color.Black))
	out := wm.Text(src, "PET STUDIO")
	if out.Bounds() != src.Bounds() {
		t.Fatalf("bounds changed: %v", out.Bounds())
	}
	changed := false
	for y := 0; y < 200 && !changed; y++ {
		for x := 0; x < 200; x++ {
			if r, _, _, _ := out.At(x, y).RGBA(); r != 0 {
				changed = true
				break
			}
		}
	}
	if !changed {
		t.Fatalf("expected watermark pixels")
	}
	if _, err := wm.Apply(src, " ", nil); err == nil {
		t.Fatalf("expected empty watermark error")
	}
}

func TestWatermarker_AssetBottomRight(t *testing.T) {
	wm, _ := NewWatermarker(nil)
	src, _, _ := Decode(solidPNG(t, 400, 400, color.Black))
	asset, _, _ := Decode(solidPNG(t, 500, 500, color.White))
	out := wm.Asset(src, asset)
	if r, _, _, _ := out.At(5, 5).RGBA(); r != 0 {
		t.Fatalf("top-left should stay untouched")
	}
	if r, _, _, _ := out.At(400-20, 400-20).RGBA(); r == 0 {
		t.Fatalf("bottom-right should carry the asset")
	}
}

func TestMedia_SaveResultAndInput(t *testing.T) {
	f := testFolders(t)
	catID := int64(7)
	m, err := NewMedia(MediaOptions{
		Folders:              f,
		BaseURL:              "https://pet.example.com/",
		DefaultWatermarkText: "PET",
		Styles:               styleStub{catID: {ID: catID, WatermarkText: "STYLE"}},
	})
	if err != nil {
		t.Fatalf("NewMedia: %v", err)
	}

	name, err := m.SaveUpload(solidPNG(t, 32, 32, color.White), "MP1")
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	in, err := m.Input(context.Background(), name)
	if err != nil {
		t.Fatalf("Input: %v", err)
	}
	if in.ImageURL != "https://pet.example.com/media/upload/"+name || len(in.Image) == 0 || in.ImageName != name {
		t.Fatalf("unexpected input: url=%q name=%q", in.ImageURL, in.ImageName)
	}

	o := store.Order{OrderNumber: "MP1", StyleCategoryID: &catID}
	arts, err := m.SaveResult(context.Background(), o, solidPNG(t, 120, 120, color.Black))
	if err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if arts.Output != arts.FinalClean || arts.Final == arts.FinalClean {
		t.Fatalf("unexpected artifacts: %+v", arts)
	}
	if !f.Exists(KindFinal, arts.Final) || !f.Exists(KindFinal, arts.FinalClean) {
		t.Fatalf("artifacts not written: %+v", arts)
	}
	clean, _ := f.Read(KindFinal, arts.FinalClean)
	final, _ := f.Read(KindFinal, arts.Final)
	if bytes.Equal(clean, final) {
		t.Fatalf("final image should be watermarked")
	}
}

func TestMedia_WatermarkFailureFallsBackToClean(t *testing.T) {
	f := testFolders(t)
	catID := int64(3)
	m, err := NewMedia(MediaOptions{
		Folders: f,
		Styles:  styleStub{catID: {ID: catID, WatermarkAsset: "missing.png"}},
	})
	if err != nil {
		t.Fatalf("NewMedia: %v", err)
	}
	o := store.Order{OrderNumber: "MP2", StyleCategoryID: &catID}
	arts, err := m.SaveResult(context.Background(), o, solidPNG(t, 64, 64, color.Black))
	if err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	clean, _ := f.Read(KindFinal, arts.FinalClean)
	final, _ := f.Read(KindFinal, arts.Final)
	if !bytes.Equal(clean, final) {
		t.Fatalf("final should duplicate clean when watermark fails")
	}
}

func TestMedia_SaveHD(t *testing.T) {
	f := testFolders(t)
	m, err := NewMedia(MediaOptions{Folders: f, DefaultWatermarkText: "PET"})
	if err != nil {
		t.Fatalf("NewMedia: %v", err)
	}
	if err := f.Write(KindFinal, "clean.png", solidPNG(t, 100, 150, color.White)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	o := store.Order{
		OrderNumber:     "MP3",
		FinalImageClean: "clean.png",
		PrintWidthCM:    decimal.NewNullDecimal(decimal.RequireFromString("2.54")),
		PrintHeightCM:   decimal.NewNullDecimal(decimal.RequireFromString("5.08")),
	}
	name, w, h, err := m.SaveHD(o, 300)
	if err != nil {
		t.Fatalf("SaveHD: %v", err)
	}
	if w != 300 || h != 600 || !f.Exists(KindHD, name) {
		t.Fatalf("name=%q size=%dx%d", name, w, h)
	}
	o.PrintWidthCM = decimal.NullDecimal{}
	if _, _, _, err := m.SaveHD(o, 300); err == nil {
		t.Fatalf("expected missing print size error")
	}
}
