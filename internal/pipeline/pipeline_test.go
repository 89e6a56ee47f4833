package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"petstudio/internal/aiprovider"
	"petstudio/internal/imaging"
	"petstudio/internal/orderstate"
	"petstudio/internal/printer"
	"petstudio/internal/store"
	"petstudio/internal/store/storetest"
	"petstudio/internal/upstream"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

type fakeGenerator struct {
	mu      sync.Mutex
	inputs  []string
	release chan struct{}
}

func (g *fakeGenerator) Start(ctx context.Context, orderID int64, input string) (store.AITask, error) {
	g.mu.Lock()
	g.inputs = append(g.inputs, input)
	g.mu.Unlock()
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return store.AITask{}, ctx.Err()
		}
	}
	return store.AITask{OrderID: orderID}, nil
}

func (g *fakeGenerator) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.inputs...)
}

type fakePrinter struct {
	srv     *httptest.Server
	mu      sync.Mutex
	bodies  [][]byte
	success bool
}

func newFakePrinter(t *testing.T, success bool) *fakePrinter {
	fp := &fakePrinter{success: success}
	fp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		fp.mu.Lock()
		fp.bodies = append(fp.bodies, buf.Bytes())
		ok := fp.success
		fp.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if ok {
			_, _ = w.Write([]byte(`{"success":true,"message":"ok"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"message":"影楼编号错误"}`))
	}))
	t.Cleanup(fp.srv.Close)
	return fp
}

type fixture struct {
	st    *store.Store
	media *imaging.Media
	exec  *upstream.Executor
	gen   *fakeGenerator
	catID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, _ := storetest.Open(t)
	root := t.TempDir()
	media, err := imaging.NewMedia(imaging.MediaOptions{
		Folders: imaging.Folders{
			Upload:    filepath.Join(root, "upload"),
			Final:     filepath.Join(root, "final"),
			HD:        filepath.Join(root, "hd"),
			Watermark: filepath.Join(root, "watermark"),
		},
		BaseURL:              "https://pet.example.com",
		DefaultWatermarkText: "PET",
	})
	if err != nil {
		t.Fatalf("NewMedia: %v", err)
	}
	catID, err := st.CreateStyleCategory(context.Background(), store.StyleCategory{Name: "人像", Code: "portrait", IsPortrait: true, IsActive: true})
	if err != nil {
		t.Fatalf("CreateStyleCategory: %v", err)
	}
	return &fixture{st: st, media: media, exec: upstream.NewExecutor(upstream.Options{}), gen: &fakeGenerator{}, catID: catID}
}

func (f *fixture) pipeline(pc *printer.Client, opts Options) *Pipeline {
	return New(f.st, f.gen, f.media, f.exec, pc, nil, opts)
}

// pendingOrder 造一笔 AI 已完成、等待确认的订单。
func (f *fixture) pendingOrder(t *testing.T, number string, needConfirm bool, printSize bool) store.Order {
	t.Helper()
	o := f.newOrder(number, needConfirm, printSize)
	return f.generate(t, storetest.ShootingOrder(t, f.st, o, "in.png"))
}

// unpaidPendingOrder 造一笔自助机先拍后付、已出图但尚未支付的订单。
func (f *fixture) unpaidPendingOrder(t *testing.T, number string) store.Order {
	t.Helper()
	ctx := context.Background()
	o := f.newOrder(number, false, true)
	o.Source = store.OrderSourceKiosk
	created, err := f.st.CreateOrder(ctx, store.CreateOrderInput{Order: o})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	shooting, err := f.st.SetOrderShooting(ctx, created.ID, []string{"in.png"})
	if err != nil {
		t.Fatalf("SetOrderShooting: %v", err)
	}
	return f.generate(t, shooting)
}

func (f *fixture) newOrder(number string, needConfirm bool, printSize bool) store.Order {
	o := storetest.NewOrder(number, "openid-"+number, "99.00")
	o.StyleCategoryID = &f.catID
	o.NeedConfirmation = needConfirm
	o.PrinterProductID = "P100"
	if printSize {
		o.PrintWidthCM = decimal.NewNullDecimal(decimal.RequireFromString("2.54"))
		o.PrintHeightCM = decimal.NewNullDecimal(decimal.RequireFromString("2.54"))
	}
	return o
}

// generate 为 shooting 订单写入一次成功的 AI 任务，使其进入 pending。
func (f *fixture) generate(t *testing.T, shooting store.Order) store.Order {
	t.Helper()
	ctx := context.Background()
	number := shooting.OrderNumber
	provID, err := f.st.CreateProvider(ctx, store.APIProviderConfig{Name: "p-" + number, APIType: aiprovider.TypeNanoBanana, DomesticHost: "http://127.0.0.1:1", DrawEndpoint: "/draw", ResultEndpoint: "/result", RetryEnabled: true, IsActive: true})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	tplID, err := f.st.CreateTemplate(ctx, store.APITemplate{Name: "t", ProviderID: provID, StyleCategoryID: &f.catID, IsActive: true})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	task, err := f.st.StartAITask(ctx, store.StartAITaskInput{OrderID: shooting.ID, ProviderID: provID, TemplateID: tplID, InputImage: "in.png", ProcessingLog: "[]"})
	if err != nil {
		t.Fatalf("StartAITask: %v", err)
	}
	for _, name := range []string{number + "_clean.png", number + "_final.png"} {
		if err := f.media.Folders().Write(imaging.KindFinal, name, pngBytes(t, 50, 50)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if _, err := f.st.CompleteAITask(ctx, store.CompleteAITaskInput{
		TaskID:          task.ID,
		OutputImage:     number + "_clean.png",
		FinalImage:      number + "_final.png",
		FinalImageClean: number + "_clean.png",
		ProcessingLog:   "[]",
	}); err != nil {
		t.Fatalf("CompleteAITask: %v", err)
	}
	out, err := f.st.GetOrderByID(ctx, shooting.ID)
	if err != nil {
		t.Fatalf("GetOrderByID: %v", err)
	}
	if out.Status != orderstate.Pending {
		t.Fatalf("status=%s, want pending", out.Status)
	}
	return out
}

func TestEnqueue_PerOrderGuard(t *testing.T) {
	f := newFixture(t)
	f.gen.release = make(chan struct{})
	p := f.pipeline(nil, Options{Workers: 2})

	o := storetest.ShootingOrder(t, f.st, storetest.NewOrder("MP1", "o1", "10.00"), "a.png")
	if ok, err := p.Enqueue(o.ID, JobGenerate); !ok || err != nil {
		t.Fatalf("first enqueue: ok=%v err=%v", ok, err)
	}
	if ok, _ := p.Enqueue(o.ID, JobGenerate); ok {
		t.Fatalf("duplicate generate should be suppressed")
	}
	if !p.Busy(o.ID) {
		t.Fatalf("order should be busy")
	}
	waitCalls(t, f.gen, 1)
	close(f.gen.release)
	p.wg.Wait()

	if calls := f.gen.calls(); len(calls) != 1 || calls[0] != "a.png" {
		t.Fatalf("generator calls=%v", calls)
	}
	if p.Busy(o.ID) {
		t.Fatalf("order should be idle")
	}
}

func TestEnqueue_QueueFullAndClosed(t *testing.T) {
	f := newFixture(t)
	f.gen.release = make(chan struct{})
	p := f.pipeline(nil, Options{Workers: 1, QueueSize: 1})

	var ids []int64
	for _, n := range []string{"MPQ1", "MPQ2", "MPQ3"} {
		o := storetest.ShootingOrder(t, f.st, storetest.NewOrder(n, "o-"+n, "10.00"), "a.png")
		ids = append(ids, o.ID)
	}
	if ok, err := p.Enqueue(ids[0], JobGenerate); !ok || err != nil {
		t.Fatalf("enqueue 1: ok=%v err=%v", ok, err)
	}
	// 第一个任务占住唯一的 worker 后，第二个任务进入等待，队列已满。
	waitCalls(t, f.gen, 1)
	if ok, err := p.Enqueue(ids[1], JobGenerate); !ok || err != nil {
		t.Fatalf("enqueue 2: ok=%v err=%v", ok, err)
	}
	if _, err := p.Enqueue(ids[2], JobGenerate); err == nil {
		t.Fatalf("expected queue full error")
	}
	close(f.gen.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.Enqueue(ids[2], JobGenerate); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func waitCalls(t *testing.T, g *fakeGenerator, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(g.calls()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("generator not called %d times", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGenerate_RetouchesPortraitStyle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var gotPrompt string
	retouch := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotPrompt = r.FormValue("prompt")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString(pngBytes(t, 8, 8)) + `"}]}`))
	}))
	defer retouch.Close()
	provID, err := f.st.CreateProvider(ctx, store.APIProviderConfig{Name: "retouch", APIType: aiprovider.TypeNanoBananaEdits, DomesticHost: retouch.URL, DrawEndpoint: "/v1/images/edits", IsSync: true, IsActive: true})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}

	name, err := f.media.SaveUpload(pngBytes(t, 16, 16), "MP2")
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	o := storetest.NewOrder("MP2", "o2", "10.00")
	o.StyleCategoryID = &f.catID
	o = storetest.ShootingOrder(t, f.st, o, name)

	p := f.pipeline(nil, Options{Workers: 1, RetouchProviderID: provID, RetouchPrompt: "美颜", PreferRetouched: true})
	if err := p.generate(ctx, o.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}
	calls := f.gen.calls()
	if len(calls) != 1 || filepath.Dir(calls[0]) != imaging.RetouchedSubdir {
		t.Fatalf("generator input=%v, want retouched image", calls)
	}
	if gotPrompt != "美颜" {
		t.Fatalf("prompt=%q", gotPrompt)
	}
	got, _ := f.st.GetOrderByID(ctx, o.ID)
	if got.RetouchedImage != calls[0] || !f.media.Folders().Exists(imaging.KindUpload, got.RetouchedImage) {
		t.Fatalf("retouched image=%q", got.RetouchedImage)
	}

	// 非 shooting 订单直接跳过。
	if err := p.generate(ctx, o.ID); err != nil {
		t.Fatalf("generate again: %v", err)
	}
}

func TestGenerate_RetouchUsesProviderToolTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var gotPrompt string
	retouch := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotPrompt = r.FormValue("prompt")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString(pngBytes(t, 8, 8)) + `"}]}`))
	}))
	defer retouch.Close()
	provID, err := f.st.CreateProvider(ctx, store.APIProviderConfig{Name: "retouch", APIType: aiprovider.TypeNanoBananaEdits, DomesticHost: retouch.URL, DrawEndpoint: "/v1/images/edits", IsSync: true, IsActive: true})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	// 绑定风格的同名模板不是工具模板。
	if _, err := f.st.CreateTemplate(ctx, store.APITemplate{Name: ToolTemplateRetouch, ProviderID: provID, StyleCategoryID: &f.catID, Prompt: "风格模板", IsActive: true}); err != nil {
		t.Fatalf("CreateTemplate(style): %v", err)
	}
	if _, err := f.st.CreateTemplate(ctx, store.APITemplate{Name: ToolTemplateRetouch, ProviderID: provID, Prompt: "模板美颜", IsActive: true}); err != nil {
		t.Fatalf("CreateTemplate(tool): %v", err)
	}

	name, _ := f.media.SaveUpload(pngBytes(t, 16, 16), "MP2T")
	o := storetest.NewOrder("MP2T", "o2t", "10.00")
	o.StyleCategoryID = &f.catID
	o = storetest.ShootingOrder(t, f.st, o, name)

	p := f.pipeline(nil, Options{Workers: 1, RetouchProviderID: provID, RetouchPrompt: "美颜", PreferRetouched: true})
	if err := p.generate(ctx, o.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gotPrompt != "模板美颜" {
		t.Fatalf("prompt=%q, want the tool template prompt", gotPrompt)
	}
	if calls := f.gen.calls(); len(calls) != 1 || filepath.Dir(calls[0]) != imaging.RetouchedSubdir {
		t.Fatalf("generator input=%v, want retouched image", calls)
	}
}

func TestGenerate_RetouchFailureFallsBackToOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	provID, err := f.st.CreateProvider(ctx, store.APIProviderConfig{Name: "retouch", APIType: aiprovider.TypeNanoBananaEdits, DomesticHost: "http://127.0.0.1:1", DrawEndpoint: "/edits", IsSync: true, IsActive: true})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	name, _ := f.media.SaveUpload(pngBytes(t, 16, 16), "MP3")
	o := storetest.NewOrder("MP3", "o3", "10.00")
	o.StyleCategoryID = &f.catID
	o = storetest.ShootingOrder(t, f.st, o, name)

	p := f.pipeline(nil, Options{Workers: 1, RetouchProviderID: provID, PreferRetouched: true})
	if err := p.generate(ctx, o.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if calls := f.gen.calls(); len(calls) != 1 || calls[0] != name {
		t.Fatalf("generator input=%v, want original", calls)
	}
}

func TestAfterGenerated_AutoConfirmProducesAndShips(t *testing.T) {
	f := newFixture(t)
	fp := newFakePrinter(t, true)
	pc := printer.New(f.exec, printer.Options{URL: fp.srv.URL + "/order", ShopID: "S1", ShopName: "门店"})
	p := f.pipeline(pc, Options{Workers: 2})
	o := f.pendingOrder(t, "MP4", false, true)

	p.AfterGenerated(context.Background(), o.ID)
	p.wg.Wait()

	got, _ := f.st.GetOrderByID(context.Background(), o.ID)
	if got.Status != orderstate.Shipped || got.DispatchStatus != orderstate.DispatchSentSuccess {
		t.Fatalf("status=%s dispatch=%s", got.Status, got.DispatchStatus)
	}
	if !f.media.Folders().Exists(imaging.KindHD, got.HDImage) {
		t.Fatalf("hd image missing: %q", got.HDImage)
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.bodies) != 1 {
		t.Fatalf("printer calls=%d", len(fp.bodies))
	}
	body := fp.bodies[0]
	if gjson.GetBytes(body, "sub_orders.0.shop_product_sn").String() != "MP4" ||
		gjson.GetBytes(body, "sub_orders.0.photos.0.pix_width").Int() != 300 ||
		gjson.GetBytes(body, "shop_id").String() != "S1" {
		t.Fatalf("unexpected payload: %s", body)
	}
}

func TestAfterGenerated_RespectsNeedConfirmation(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, Options{Workers: 1})
	o := f.pendingOrder(t, "MP5", true, true)

	p.AfterGenerated(context.Background(), o.ID)
	p.wg.Wait()
	got, _ := f.st.GetOrderByID(context.Background(), o.ID)
	if got.Status != orderstate.Pending {
		t.Fatalf("status=%s, want pending", got.Status)
	}

	p = f.pipeline(nil, Options{Workers: 1, AutoConfirm: true})
	p.AfterGenerated(context.Background(), o.ID)
	p.wg.Wait()
	got, _ = f.st.GetOrderByID(context.Background(), o.ID)
	if got.Status != orderstate.HDReady {
		t.Fatalf("status=%s, want hd_ready without printer", got.Status)
	}
}

func TestAfterGenerated_UnpaidKioskOrderWaitsForPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pipeline(nil, Options{Workers: 1, AutoConfirm: true})
	o := f.unpaidPendingOrder(t, "MPK1")

	p.AfterGenerated(ctx, o.ID)
	p.wg.Wait()
	got, _ := f.st.GetOrderByID(ctx, o.ID)
	if got.Status != orderstate.Pending || got.HDImage != "" {
		t.Fatalf("unpaid order advanced: status=%s hd=%q", got.Status, got.HDImage)
	}

	if _, _, err := f.st.ApplyPayment(ctx, store.ApplyPaymentInput{OrderNumber: o.OrderNumber, TransactionID: "T-MPK1"}); err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if _, err := p.Enqueue(o.ID, JobConfirm); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p.wg.Wait()
	got, _ = f.st.GetOrderByID(ctx, o.ID)
	if got.Status != orderstate.HDReady || got.TransactionID != "T-MPK1" {
		t.Fatalf("status=%s transaction_id=%q, want hd_ready after payment", got.Status, got.TransactionID)
	}
}

func TestProduce_DigitalOrderCompletes(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, Options{Workers: 1})
	o := f.pendingOrder(t, "MP6", true, false)
	if _, err := f.st.ConfirmOrder(context.Background(), o.ID); err != nil {
		t.Fatalf("ConfirmOrder: %v", err)
	}
	if err := p.produce(context.Background(), o.ID); err != nil {
		t.Fatalf("produce: %v", err)
	}
	got, _ := f.st.GetOrderByID(context.Background(), o.ID)
	if got.Status != orderstate.Completed || got.HDImage != "" {
		t.Fatalf("status=%s hd=%q", got.Status, got.HDImage)
	}
}

func TestProduce_PrintRejectedKeepsHDReady(t *testing.T) {
	f := newFixture(t)
	fp := newFakePrinter(t, false)
	pc := printer.New(f.exec, printer.Options{URL: fp.srv.URL})
	p := f.pipeline(pc, Options{Workers: 1})
	o := f.pendingOrder(t, "MP7", true, true)
	if _, err := f.st.ConfirmOrder(context.Background(), o.ID); err != nil {
		t.Fatalf("ConfirmOrder: %v", err)
	}
	if err := p.produce(context.Background(), o.ID); err != nil {
		t.Fatalf("produce: %v", err)
	}
	got, _ := f.st.GetOrderByID(context.Background(), o.ID)
	if got.Status != orderstate.HDReady || got.DispatchStatus != orderstate.DispatchSentFailed || got.DispatchMessage != "影楼编号错误" {
		t.Fatalf("status=%s dispatch=%s msg=%q", got.Status, got.DispatchStatus, got.DispatchMessage)
	}
	hd := got.HDImage

	// 重新派发复用已有的高清图。
	fp.mu.Lock()
	fp.success = true
	fp.mu.Unlock()
	if err := p.produce(context.Background(), o.ID); err != nil {
		t.Fatalf("produce again: %v", err)
	}
	got, _ = f.st.GetOrderByID(context.Background(), o.ID)
	if got.Status != orderstate.Shipped || got.HDImage != hd {
		t.Fatalf("status=%s hd=%q (was %q)", got.Status, got.HDImage, hd)
	}
}
