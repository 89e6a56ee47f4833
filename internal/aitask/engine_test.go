package aitask

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"petstudio/internal/aiprovider"
	"petstudio/internal/orderstate"
	"petstudio/internal/scheduler"
	"petstudio/internal/store"
	"petstudio/internal/store/storetest"
	"petstudio/internal/upstream"
)

type fakeMedia struct {
	mu    sync.Mutex
	saved [][]byte
	// failInput/failSave 为剩余的失败次数，负数表示一直失败。
	failInput int
	failSave  int
}

func (m *fakeMedia) Input(_ context.Context, path string) (aiprovider.Input, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInput != 0 {
		m.failInput--
		return aiprovider.Input{}, errors.New("input missing")
	}
	return aiprovider.Input{ImageURL: "https://cdn.example.com/" + path, Image: []byte("JPEG"), ImageName: path}, nil
}

func (m *fakeMedia) SaveResult(_ context.Context, o store.Order, raw []byte) (Artifacts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != 0 {
		m.failSave--
		return Artifacts{}, errors.New("disk full")
	}
	m.saved = append(m.saved, raw)
	return Artifacts{Output: "out_" + o.OrderNumber + ".png", Final: "final_" + o.OrderNumber + ".jpg", FinalClean: "clean_" + o.OrderNumber + ".png"}, nil
}

// fakeVendor 模拟两个异步服务商：a 在轮询时失败，b 在轮询时成功。
type fakeVendor struct {
	srv       *httptest.Server
	mu        sync.Mutex
	drawCount map[string]int
	aPoll     string
	aDraw     func(w http.ResponseWriter)
}

func newFakeVendor(t *testing.T) *fakeVendor {
	t.Helper()
	v := &fakeVendor{drawCount: map[string]int{}, aPoll: `{"code":0,"data":{"status":"failed","error":"policy"}}`}
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		v.mu.Lock()
		defer v.mu.Unlock()
		switch r.URL.Path {
		case "/a/draw":
			v.drawCount["a"]++
			if v.aDraw != nil {
				v.aDraw(w)
				return
			}
			_, _ = io.WriteString(w, `{"code":0,"data":{"id":"A1"}}`)
		case "/a/result":
			_, _ = io.WriteString(w, v.aPoll)
		case "/b/draw":
			v.drawCount["b"]++
			_, _ = io.WriteString(w, `{"code":0,"data":{"id":"B1"}}`)
		case "/b/result":
			_, _ = io.WriteString(w, `{"code":0,"data":{"status":"succeeded","url":"`+v.srv.URL+`/img.png"}}`)
		case "/sync/edits":
			v.drawCount["sync"]++
			_, _ = io.WriteString(w, `{"data":[{"url":"`+v.srv.URL+`/img.png"}]}`)
		case "/img.png":
			_, _ = w.Write([]byte("PNGDATA"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVendor) draws(name string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.drawCount[name]
}

type fixture struct {
	st       *store.Store
	engine   *Engine
	media    *fakeMedia
	vendor   *fakeVendor
	category int64
	provA    int64
	provB    int64
}

func newFixture(t *testing.T, retryCap int) *fixture {
	t.Helper()
	st, now := storetest.Open(t)
	ctx := context.Background()
	v := newFakeVendor(t)

	cat, err := st.CreateStyleCategory(ctx, store.StyleCategory{Name: "油画", Code: "oil", IsActive: true})
	if err != nil {
		t.Fatalf("CreateStyleCategory: %v", err)
	}
	mkProvider := func(name string, prefix string, priority int) int64 {
		id, err := st.CreateProvider(ctx, store.APIProviderConfig{
			Name: name, APIType: aiprovider.TypeNanoBanana, DomesticHost: v.srv.URL,
			DrawEndpoint: "/" + prefix + "/draw", ResultEndpoint: "/" + prefix + "/result",
			APIKey: "key-" + prefix, RetryEnabled: true, Priority: priority, IsActive: true,
		})
		if err != nil {
			t.Fatalf("CreateProvider: %v", err)
		}
		if _, err := st.CreateTemplate(ctx, store.APITemplate{Name: name, ProviderID: id, StyleCategoryID: &cat, Prompt: "oil painting", IsActive: true}); err != nil {
			t.Fatalf("CreateTemplate: %v", err)
		}
		return id
	}
	a := mkProvider("A", "a", 10)
	b := mkProvider("B", "b", 5)

	media := &fakeMedia{}
	e := New(st, scheduler.New(st, time.Minute), upstream.NewExecutor(upstream.Options{AllowPrivateFetch: true}), media, nil, nil, Options{
		RetryCap:     retryCap,
		DrawTimeout:  5 * time.Second,
		PollTimeout:  5 * time.Second,
		FetchTimeout: 5 * time.Second,
		ExpiryMargin: 5 * time.Minute,
	})
	e.now = func() time.Time { return *now }
	return &fixture{st: st, engine: e, media: media, vendor: v, category: cat, provA: a, provB: b}
}

func (f *fixture) shootingOrder(t *testing.T, number string) store.Order {
	t.Helper()
	o := storetest.NewOrder(number, "openid-"+number, "99")
	o.StyleCategoryID = &f.category
	return storetest.ShootingOrder(t, f.st, o, "upload/"+number+".jpg")
}

func TestEngine_FailoverToSecondProviderThenSucceeds(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	o := f.shootingOrder(t, "MPFAILOVER1")

	var confirmed []int64
	f.engine.opts.OnSucceeded = func(_ context.Context, id int64) { confirmed = append(confirmed, id) }

	first, err := f.engine.Start(ctx, o.ID, o.OriginalImage)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first.Status != store.AITaskProcessing || first.ProviderID != f.provA || first.ExternalTaskID != "A1" {
		t.Fatalf("unexpected first task: %+v", first)
	}

	// 第一轮：A 返回失败，切到 B 并下发。
	if _, err := f.engine.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce(1): %v", err)
	}
	tasks, err := f.st.ListAITasksByOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("ListAITasksByOrder: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Status != store.AITaskFailed || tasks[0].ErrorKind != store.ErrorKindPermanent {
		t.Fatalf("task A should be failed(permanent): %+v", tasks[0])
	}
	if tasks[1].ProviderID != f.provB || tasks[1].Status != store.AITaskProcessing || tasks[1].RetryCount != 1 {
		t.Fatalf("task B should be processing with retry_count=1: %+v", tasks[1])
	}

	// 第二轮：B 成功。
	if _, err := f.engine.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce(2): %v", err)
	}
	got, err := f.st.GetOrderByID(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrderByID: %v", err)
	}
	if got.Status != orderstate.Pending || got.FinalImage == "" || got.FinalImageClean == "" {
		t.Fatalf("order should be pending with artifacts: %+v", got)
	}
	b, err := f.st.GetAITask(ctx, tasks[1].ID)
	if err != nil {
		t.Fatalf("GetAITask: %v", err)
	}
	if b.Status != store.AITaskSucceeded {
		t.Fatalf("task B status=%s", b.Status)
	}
	ids := map[int64]bool{}
	gjson.Get(b.ProcessingLog, "#.provider_id").ForEach(func(_, v gjson.Result) bool {
		ids[v.Int()] = true
		return true
	})
	if !ids[f.provA] || !ids[f.provB] {
		t.Fatalf("processing log should list both providers: %s", b.ProcessingLog)
	}
	if sum, _ := f.st.SumRetryCount(ctx, o.ID); sum != 1 {
		t.Fatalf("retry sum=%d want 1", sum)
	}
	if len(f.media.saved) != 1 || string(f.media.saved[0]) != "PNGDATA" {
		t.Fatalf("unexpected saved artifacts: %q", f.media.saved)
	}
	if len(confirmed) != 1 || confirmed[0] != o.ID {
		t.Fatalf("OnSucceeded not called: %v", confirmed)
	}
}

func TestEngine_RetryCapStopsFailover(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	o := f.shootingOrder(t, "MPCAP1")

	if _, err := f.engine.Start(ctx, o.ID, o.OriginalImage); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.engine.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	tasks, _ := f.st.ListAITasksByOrder(ctx, o.ID)
	if len(tasks) != 1 || tasks[0].Status != store.AITaskFailed {
		t.Fatalf("expected single failed task, got %+v", tasks)
	}
	if !strings.Contains(tasks[0].ErrorMessage, "重试上限") {
		t.Fatalf("error message should mention retry cap: %q", tasks[0].ErrorMessage)
	}
	if f.vendor.draws("b") != 0 {
		t.Fatalf("provider B must not be called")
	}
}

func TestEngine_ExpiredTaskFailsOver(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	o := f.shootingOrder(t, "MPEXP1")
	f.vendor.mu.Lock()
	f.vendor.aPoll = `{"code":0,"data":{"status":"running"}}`
	f.vendor.mu.Unlock()

	first, err := f.engine.Start(ctx, o.ID, o.OriginalImage)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	later := first.EstimatedCompletionTime.Add(10 * time.Minute)
	f.engine.now = func() time.Time { return later }

	if _, err := f.engine.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	a, _ := f.st.GetAITask(ctx, first.ID)
	if a.Status != store.AITaskExpired || a.ErrorKind != store.ErrorKindExpired {
		t.Fatalf("task A should be expired: %+v", a)
	}
	if f.vendor.draws("b") != 1 {
		t.Fatalf("expected failover dispatch to B")
	}
}

func TestEngine_PossiblyDispatchedNeedsManualRetry(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	o := f.shootingOrder(t, "MPPD1")
	f.vendor.mu.Lock()
	f.vendor.aDraw = func(w http.ResponseWriter) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("hijack unsupported")
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}
	f.vendor.mu.Unlock()

	task, err := f.engine.Start(ctx, o.ID, o.OriginalImage)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if task.Status != store.AITaskFailed || task.ErrorKind != store.ErrorKindPossiblyDispatched {
		t.Fatalf("expected failed(possibly_dispatched), got %+v", task)
	}
	if f.vendor.draws("a") != 1 || f.vendor.draws("b") != 0 {
		t.Fatalf("possibly dispatched task must not be retried automatically (a=%d b=%d)", f.vendor.draws("a"), f.vendor.draws("b"))
	}

	next, err := f.engine.ManualRetry(ctx, task.ID)
	if err != nil {
		t.Fatalf("ManualRetry: %v", err)
	}
	if next.ProviderID != f.provB || next.Status != store.AITaskProcessing || next.RetryCount != 0 {
		t.Fatalf("manual retry should dispatch to B without consuming retry budget: %+v", next)
	}
	if _, err := f.engine.ManualRetry(ctx, task.ID); err != ErrNotRetryable {
		t.Fatalf("second manual retry of the same task should be rejected, got %v", err)
	}
}

func TestEngine_InputFailureFailsOver(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	o := f.shootingOrder(t, "MPINPUT1")
	f.media.failInput = 1

	first, err := f.engine.Start(ctx, o.ID, o.OriginalImage)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first.Status != store.AITaskFailed || first.ErrorKind != store.ErrorKindLocal {
		t.Fatalf("first task should be failed(local): %+v", first)
	}
	if f.vendor.draws("a") != 0 || f.vendor.draws("b") != 1 {
		t.Fatalf("expected failover dispatch to B (a=%d b=%d)", f.vendor.draws("a"), f.vendor.draws("b"))
	}
	tasks, _ := f.st.ListAITasksByOrder(ctx, o.ID)
	if len(tasks) != 2 || tasks[1].Status != store.AITaskProcessing || tasks[1].ExternalTaskID != "B1" {
		t.Fatalf("task B should be dispatched: %+v", tasks)
	}
}

func TestEngine_SaveFailureFailsOverThenSucceeds(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	o := f.shootingOrder(t, "MPSAVE1")
	f.vendor.mu.Lock()
	f.vendor.aPoll = `{"code":0,"data":{"status":"succeeded","url":"` + f.vendor.srv.URL + `/img.png"}}`
	f.vendor.mu.Unlock()
	f.media.failSave = 1

	first, err := f.engine.Start(ctx, o.ID, o.OriginalImage)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// A 出图成功但落盘失败，切到 B。
	if _, err := f.engine.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce(1): %v", err)
	}
	a, _ := f.st.GetAITask(ctx, first.ID)
	if a.Status != store.AITaskFailed || a.ErrorKind != store.ErrorKindLocal {
		t.Fatalf("task A should be failed(local): %+v", a)
	}
	if f.vendor.draws("b") != 1 {
		t.Fatalf("expected failover dispatch to B")
	}
	if _, err := f.engine.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce(2): %v", err)
	}
	got, _ := f.st.GetOrderByID(ctx, o.ID)
	if got.Status != orderstate.Pending || got.FinalImage == "" {
		t.Fatalf("order should be pending with artifacts: %+v", got)
	}
}

func TestEngine_SaveFailureAtRetryCapNeedsManualRetry(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	o := f.shootingOrder(t, "MPSAVE2")
	f.vendor.mu.Lock()
	f.vendor.aPoll = `{"code":0,"data":{"status":"succeeded","url":"` + f.vendor.srv.URL + `/img.png"}}`
	f.vendor.mu.Unlock()
	f.media.failSave = 1

	first, err := f.engine.Start(ctx, o.ID, o.OriginalImage)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.engine.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	a, _ := f.st.GetAITask(ctx, first.ID)
	if a.Status != store.AITaskFailed || a.ErrorKind != store.ErrorKindLocal || !strings.Contains(a.ErrorMessage, "重试上限") {
		t.Fatalf("task A should be failed(local) at retry cap: %+v", a)
	}
	got, _ := f.st.GetOrderByID(ctx, o.ID)
	if got.Status != orderstate.Processing {
		t.Fatalf("order should stay processing for manual retry, got %s", got.Status)
	}

	next, err := f.engine.ManualRetry(ctx, first.ID)
	if err != nil {
		t.Fatalf("ManualRetry: %v", err)
	}
	if next.ProviderID != f.provB || next.Status != store.AITaskProcessing {
		t.Fatalf("manual retry should dispatch to B: %+v", next)
	}
	if _, err := f.engine.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce(2): %v", err)
	}
	got, _ = f.st.GetOrderByID(ctx, o.ID)
	if got.Status != orderstate.Pending {
		t.Fatalf("order status=%s want pending", got.Status)
	}
}

func TestEngine_SyncProviderCompletesInline(t *testing.T) {
	st, now := storetest.Open(t)
	ctx := context.Background()
	v := newFakeVendor(t)

	cat, _ := st.CreateStyleCategory(ctx, store.StyleCategory{Name: "水彩", Code: "wc", IsActive: true})
	pid, err := st.CreateProvider(ctx, store.APIProviderConfig{
		Name: "edits", APIType: aiprovider.TypeNanoBananaEdits, DomesticHost: v.srv.URL, DrawEndpoint: "/sync/edits",
		IsSync: true, IsActive: true,
	})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if _, err := st.CreateTemplate(ctx, store.APITemplate{Name: "edits", ProviderID: pid, StyleCategoryID: &cat, Prompt: "watercolor", IsActive: true}); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	o := storetest.NewOrder("MPSYNC1", "openid-sync", "49")
	o.StyleCategoryID = &cat
	o = storetest.ShootingOrder(t, st, o, "upload/sync.jpg")

	e := New(st, scheduler.New(st, time.Minute), upstream.NewExecutor(upstream.Options{AllowPrivateFetch: true}), &fakeMedia{}, nil, nil, Options{RetryCap: 3})
	e.now = func() time.Time { return *now }
	task, err := e.Start(ctx, o.ID, o.OriginalImage)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if task.Status != store.AITaskSucceeded {
		t.Fatalf("sync task should succeed inline: %+v", task)
	}
	got, _ := st.GetOrderByID(ctx, o.ID)
	if got.Status != orderstate.Pending {
		t.Fatalf("order status=%s want pending", got.Status)
	}
}

func TestEngine_StartRequiresShootingOrder(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	o := f.shootingOrder(t, "MPSTATE1")
	if _, err := f.engine.Start(ctx, o.ID, o.OriginalImage); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.engine.Start(ctx, o.ID, o.OriginalImage); err == nil {
		t.Fatalf("second Start on a processing order should fail")
	}
}
