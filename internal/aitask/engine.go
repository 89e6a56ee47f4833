// Package aitask 驱动 AI 生成任务：选择服务商、下发、轮询、跨服务商重试与人工重试。
//
// 同一订单的下发、轮询与重试通过 keylock 串行化；任务状态以数据库为准，进程重启后由轮询器接续。
package aitask

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"petstudio/internal/aiprovider"
	"petstudio/internal/keylock"
	"petstudio/internal/obs"
	"petstudio/internal/orderstate"
	"petstudio/internal/scheduler"
	"petstudio/internal/store"
	"petstudio/internal/upstream"
)

var (
	ErrNotRetryable = errors.New("任务不是可人工重试的状态")
	ErrNoProvider   = errors.New("风格没有可用的 AI 服务商")
)

// Artifacts 是一次成功生成落盘后的相对文件名。
type Artifacts struct {
	Output     string
	Final      string
	FinalClean string
}

// Media 负责任务输入图的读取与产物落盘。
type Media interface {
	Input(ctx context.Context, path string) (aiprovider.Input, error)
	SaveResult(ctx context.Context, order store.Order, raw []byte) (Artifacts, error)
}

type Options struct {
	RetryCap         int
	DrawTimeout      time.Duration
	PollTimeout      time.Duration
	FetchTimeout     time.Duration
	TransientBackoff time.Duration
	ExpiryMargin     time.Duration
	// DefaultEstimate 模板未配置预计耗时时使用。
	DefaultEstimate time.Duration
	PollActive      time.Duration
	PollIdle        time.Duration
	PollBatch       int
	PollConcurrency int
	// OnSucceeded 在订单进入 pending 后调用（自动确认等后续步骤）。
	OnSucceeded func(ctx context.Context, orderID int64)
}

type Engine struct {
	st      *store.Store
	sched   *scheduler.Scheduler
	exec    *upstream.Executor
	media   Media
	locks   keylock.Locker
	metrics *obs.Metrics
	opts    Options

	wake chan struct{}
	now  func() time.Time
}

func New(st *store.Store, sched *scheduler.Scheduler, exec *upstream.Executor, media Media, locks keylock.Locker, metrics *obs.Metrics, opts Options) *Engine {
	if opts.DefaultEstimate <= 0 {
		opts.DefaultEstimate = 2 * time.Minute
	}
	if opts.PollActive <= 0 {
		opts.PollActive = 5 * time.Second
	}
	if opts.PollIdle < opts.PollActive {
		opts.PollIdle = opts.PollActive
	}
	if opts.PollBatch <= 0 {
		opts.PollBatch = 50
	}
	if opts.PollConcurrency <= 0 {
		opts.PollConcurrency = 8
	}
	if locks == nil {
		locks = keylock.NewLocal()
	}
	return &Engine{
		st:      st,
		sched:   sched,
		exec:    exec,
		media:   media,
		locks:   locks,
		metrics: metrics,
		opts:    opts,
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

func lockKey(orderID int64) string {
	return "aitask:order:" + strconv.FormatInt(orderID, 10)
}

// Start 为订单创建第一个生成任务并下发。订单须处于 shooting。
func (e *Engine) Start(ctx context.Context, orderID int64, inputPath string) (store.AITask, error) {
	unlock, err := e.locks.Lock(ctx, lockKey(orderID))
	if err != nil {
		return store.AITask{}, err
	}
	defer unlock()

	o, err := e.st.GetOrderByID(ctx, orderID)
	if err != nil {
		return store.AITask{}, err
	}
	if o.Status != orderstate.Shooting {
		return store.AITask{}, fmt.Errorf("%w: 订单状态 %s 不能开始生成", orderstate.ErrInvalidTransition, o.Status)
	}
	cand, err := e.sched.Select(ctx, o.StyleCategoryID, o.StyleImageID, nil)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoCandidate) {
			return store.AITask{}, ErrNoProvider
		}
		return store.AITask{}, err
	}
	log := appendLog("[]", logEntry{Attempt: 0, Phase: phaseSelect, ProviderID: cand.Provider.ID, TemplateID: cand.Template.ID}, e.now())
	task, err := e.st.StartAITask(ctx, store.StartAITaskInput{
		OrderID:         o.ID,
		ProviderID:      cand.Provider.ID,
		TemplateID:      cand.Template.ID,
		StyleCategoryID: o.StyleCategoryID,
		StyleImageID:    o.StyleImageID,
		InputImage:      inputPath,
		ProcessingLog:   log,
	})
	if err != nil {
		return store.AITask{}, err
	}
	if err := e.dispatch(ctx, task, cand); err != nil {
		return store.AITask{}, err
	}
	return e.st.GetAITask(ctx, task.ID)
}

// ManualRetry 重新下发一个等待人工处理的失败任务：possibly_dispatched（运营确认服务商未产出后），
// 或自动重试用尽后仍停在本地读写失败的任务。
//
// 优先选择未尝试过的服务商；都已尝试过时允许回到原服务商。人工重试不计入自动重试次数。
func (e *Engine) ManualRetry(ctx context.Context, taskID int64) (store.AITask, error) {
	t, err := e.st.GetAITask(ctx, taskID)
	if err != nil {
		return store.AITask{}, err
	}
	unlock, err := e.locks.Lock(ctx, lockKey(t.OrderID))
	if err != nil {
		return store.AITask{}, err
	}
	defer unlock()

	if t, err = e.st.GetAITask(ctx, taskID); err != nil {
		return store.AITask{}, err
	}
	if t.Status != store.AITaskFailed || !manualRetryable(t.ErrorKind) {
		return store.AITask{}, ErrNotRetryable
	}
	siblings, err := e.st.ListAITasksByOrder(ctx, t.OrderID)
	if err != nil {
		return store.AITask{}, err
	}
	for _, s := range siblings {
		if s.Attempt > t.Attempt {
			// 已有更新的 attempt，只能针对最新一次重试。
			return store.AITask{}, ErrNotRetryable
		}
	}
	cand, err := e.sched.Select(ctx, t.StyleCategoryID, t.StyleImageID, triedProviders(t.ProcessingLog))
	if errors.Is(err, scheduler.ErrNoCandidate) {
		cand, err = e.sched.Select(ctx, t.StyleCategoryID, t.StyleImageID, nil)
	}
	if err != nil {
		if errors.Is(err, scheduler.ErrNoCandidate) {
			return store.AITask{}, ErrNoProvider
		}
		return store.AITask{}, err
	}
	log := appendLog(t.ProcessingLog, logEntry{Attempt: t.Attempt + 1, Phase: phaseManual, ProviderID: cand.Provider.ID, TemplateID: cand.Template.ID}, e.now())
	next, err := e.st.StartAITask(ctx, store.StartAITaskInput{
		OrderID:         t.OrderID,
		ProviderID:      cand.Provider.ID,
		TemplateID:      cand.Template.ID,
		StyleCategoryID: t.StyleCategoryID,
		StyleImageID:    t.StyleImageID,
		InputImage:      t.InputImage,
		ProcessingLog:   log,
	})
	if err != nil {
		return store.AITask{}, err
	}
	slog.Info("人工重试生成任务", "order_id", t.OrderID, "prev_task_id", t.ID, "task_id", next.ID, "provider_id", cand.Provider.ID)
	if err := e.dispatch(ctx, next, cand); err != nil {
		return store.AITask{}, err
	}
	return e.st.GetAITask(ctx, next.ID)
}

// dispatch 下发任务；失败时按重试策略依次切换服务商，直到下发成功、任务结束或没有可用服务商。
func (e *Engine) dispatch(ctx context.Context, task store.AITask, cand store.TemplateCandidate) error {
	for {
		kind, msg, err := e.draw(ctx, &task, cand)
		if err != nil {
			return err
		}
		if kind == "" {
			return nil
		}
		next, nextCand, ok, err := e.failover(ctx, task, store.AITaskFailed, kind, msg)
		if err != nil || !ok {
			return err
		}
		task, cand = next, nextCand
	}
}

// draw 执行一次下发。返回非空 kind 表示需要进入重试策略；任务已被结束时 kind 为空。
func (e *Engine) draw(ctx context.Context, task *store.AITask, cand store.TemplateCandidate) (string, string, error) {
	p, tpl := cand.Provider, cand.Template
	adapter, err := aiprovider.For(p.APIType)
	if err != nil {
		e.report(p.ID, store.ErrorKindPermanent)
		return store.ErrorKindPermanent, err.Error(), nil
	}
	in, err := e.media.Input(ctx, task.InputImage)
	if err != nil {
		msg := "读取输入图失败: " + err.Error()
		task.ProcessingLog = appendLog(task.ProcessingLog, logEntry{Attempt: task.Attempt, Phase: phaseDraw, ProviderID: p.ID, TemplateID: tpl.ID, ErrorKind: store.ErrorKindLocal, Message: msg}, e.now())
		slog.Warn("AI 任务读取输入图失败", "order_id", task.OrderID, "task_id", task.ID, "err", err)
		return store.ErrorKindLocal, msg, nil
	}
	in.Prompt = tpl.Prompt
	in.AspectRatio = tpl.AspectRatio

	req, err := adapter.BuildDraw(p, tpl, in)
	if err != nil {
		task.ProcessingLog = appendLog(task.ProcessingLog, logEntry{Attempt: task.Attempt, Phase: phaseDraw, ProviderID: p.ID, TemplateID: tpl.ID, ErrorKind: store.ErrorKindPermanent, Message: err.Error()}, e.now())
		e.report(p.ID, store.ErrorKindPermanent)
		return store.ErrorKindPermanent, err.Error(), nil
	}
	req.Timeout = e.opts.DrawTimeout
	reqDigest := digest(req.Body)

	var resp upstream.Response
	for try := 0; ; try++ {
		resp, err = e.exec.Do(ctx, req)
		if err == nil || upstream.KindOf(err) != upstream.KindTransient || try >= 1 {
			break
		}
		task.ProcessingLog = appendLog(task.ProcessingLog, logEntry{Attempt: task.Attempt, Phase: phaseDraw, ProviderID: p.ID, TemplateID: tpl.ID, RequestDigest: reqDigest, StatusCode: statusOf(err), ErrorKind: store.ErrorKindTransient, Message: err.Error()}, e.now())
		if !sleepCtx(ctx, e.opts.TransientBackoff) {
			return "", "", ctx.Err()
		}
	}
	if err == nil {
		var dr aiprovider.DrawResult
		dr, err = adapter.ParseDraw(resp.Body)
		if err == nil {
			return e.accepted(ctx, task, cand, adapter, dr, reqDigest, resp.StatusCode)
		}
	}

	kind := upstream.KindOf(err)
	e.countDispatch(p.APIType, kind)
	task.ProcessingLog = appendLog(task.ProcessingLog, logEntry{Attempt: task.Attempt, Phase: phaseDraw, ProviderID: p.ID, TemplateID: tpl.ID, RequestDigest: reqDigest, StatusCode: statusOf(err), ErrorKind: kind, Message: err.Error()}, e.now())
	e.report(p.ID, kind)
	if kind == store.ErrorKindPossiblyDispatched {
		// 请求可能已被服务商受理，自动重试会重复出图，留给人工处理。
		slog.Warn("AI 下发结果未知，等待人工处理", "order_id", task.OrderID, "task_id", task.ID, "provider_id", p.ID, "err", err)
		e.fail(ctx, *task, store.AITaskFailed, kind, err.Error())
		return "", "", nil
	}
	slog.Warn("AI 下发失败", "order_id", task.OrderID, "task_id", task.ID, "provider_id", p.ID, "kind", kind, "err", err)
	return kind, err.Error(), nil
}

func (e *Engine) accepted(ctx context.Context, task *store.AITask, cand store.TemplateCandidate, adapter aiprovider.Adapter, dr aiprovider.DrawResult, reqDigest string, status int) (string, string, error) {
	p, tpl := cand.Provider, cand.Template
	e.countDispatch(p.APIType, "ok")
	if dr.Done() {
		task.ProcessingLog = appendLog(task.ProcessingLog, logEntry{Attempt: task.Attempt, Phase: phaseDraw, ProviderID: p.ID, TemplateID: tpl.ID, RequestDigest: reqDigest, StatusCode: status}, e.now())
		return e.finish(ctx, *task, p, dr.ImageURL, dr.ImageData)
	}
	if !adapter.Async() || p.IsSync {
		msg := "同步接口未返回图片"
		task.ProcessingLog = appendLog(task.ProcessingLog, logEntry{Attempt: task.Attempt, Phase: phaseDraw, ProviderID: p.ID, TemplateID: tpl.ID, RequestDigest: reqDigest, StatusCode: status, ErrorKind: store.ErrorKindPermanent, Message: msg}, e.now())
		e.report(p.ID, store.ErrorKindPermanent)
		return store.ErrorKindPermanent, msg, nil
	}

	estimate := e.opts.DefaultEstimate
	if tpl.EstimatedSeconds > 0 {
		estimate = time.Duration(tpl.EstimatedSeconds) * time.Second
	}
	task.ProcessingLog = appendLog(task.ProcessingLog, logEntry{Attempt: task.Attempt, Phase: phaseDispatched, ProviderID: p.ID, TemplateID: tpl.ID, RequestDigest: reqDigest, StatusCode: status, ExternalID: dr.TaskID}, e.now())
	if err := e.st.MarkTaskDispatched(ctx, task.ID, dr.TaskID, e.now().Add(estimate), task.ProcessingLog); err != nil {
		if errors.Is(err, store.ErrTaskNotActive) {
			return "", "", nil
		}
		return "", "", err
	}
	slog.Info("AI 任务已下发", "order_id", task.OrderID, "task_id", task.ID, "provider_id", p.ID, "external_id", dr.TaskID)
	e.kick()
	return "", "", nil
}

// finish 下载（或直接使用）产物、落盘并把订单推进到 pending。下载失败按返回的 kind 进入重试策略。
func (e *Engine) finish(ctx context.Context, task store.AITask, p store.APIProviderConfig, url string, data []byte) (string, string, error) {
	if len(data) == 0 {
		raw, err := e.exec.Fetch(ctx, url, e.opts.FetchTimeout)
		if err != nil {
			kind := upstream.KindOf(err)
			if kind == store.ErrorKindPossiblyDispatched {
				kind = store.ErrorKindTransient
			}
			e.report(p.ID, kind)
			return kind, "下载产物失败: " + err.Error(), nil
		}
		data = raw
	}
	o, err := e.st.GetOrderByID(ctx, task.OrderID)
	if err != nil {
		return "", "", err
	}
	arts, err := e.media.SaveResult(ctx, o, data)
	if err != nil {
		// 落盘失败不计入服务商健康度，交给重试策略。
		slog.Warn("AI 产物落盘失败", "order_id", task.OrderID, "task_id", task.ID, "err", err)
		return store.ErrorKindLocal, "保存产物失败: " + err.Error(), nil
	}
	log := appendLog(task.ProcessingLog, logEntry{Attempt: task.Attempt, Phase: phaseSucceeded, ProviderID: p.ID, TemplateID: task.TemplateID}, e.now())
	advanced, err := e.st.CompleteAITask(ctx, store.CompleteAITaskInput{
		TaskID:          task.ID,
		OutputImage:     arts.Output,
		FinalImage:      arts.Final,
		FinalImageClean: arts.FinalClean,
		ProcessingLog:   log,
	})
	if err != nil {
		if errors.Is(err, store.ErrTaskNotActive) {
			return "", "", nil
		}
		return "", "", err
	}
	e.sched.Report(p.ID, scheduler.Result{Success: true})
	slog.Info("AI 生成完成", "order_id", task.OrderID, "task_id", task.ID, "provider_id", p.ID, "advanced", advanced)
	if advanced && e.opts.OnSucceeded != nil {
		e.opts.OnSucceeded(ctx, task.OrderID)
	}
	return "", "", nil
}

// failover 结束当前任务并为下一个服务商创建 attempt；ok=false 表示任务已终结不再重试。
func (e *Engine) failover(ctx context.Context, task store.AITask, status string, kind string, msg string) (store.AITask, store.TemplateCandidate, bool, error) {
	retryEnabled := false
	if prov, err := e.st.GetProvider(ctx, task.ProviderID); err == nil {
		retryEnabled = prov.RetryEnabled
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.AITask{}, store.TemplateCandidate{}, false, err
	}
	if !retryEnabled {
		e.fail(ctx, task, status, kind, msg)
		return store.AITask{}, store.TemplateCandidate{}, false, nil
	}

	tried := triedProviders(task.ProcessingLog)
	tried[task.ProviderID] = struct{}{}
	cand, err := e.sched.Select(ctx, task.StyleCategoryID, task.StyleImageID, tried)
	if errors.Is(err, scheduler.ErrNoCandidate) {
		e.fail(ctx, task, status, kind, msg+"；没有可切换的服务商")
		return store.AITask{}, store.TemplateCandidate{}, false, nil
	}
	if err != nil {
		return store.AITask{}, store.TemplateCandidate{}, false, err
	}

	log := appendLog(task.ProcessingLog, logEntry{Attempt: task.Attempt + 1, Phase: phaseFailover, ProviderID: cand.Provider.ID, TemplateID: cand.Template.ID, ErrorKind: kind, Message: msg}, e.now())
	next, err := e.st.FailoverAITask(ctx, store.FailoverInput{
		PrevTaskID:    task.ID,
		PrevStatus:    status,
		ErrorKind:     kind,
		ErrorMessage:  msg,
		ProviderID:    cand.Provider.ID,
		TemplateID:    cand.Template.ID,
		ProcessingLog: log,
		RetryCap:      e.opts.RetryCap,
	})
	switch {
	case errors.Is(err, store.ErrRetryCapReached):
		e.fail(ctx, task, status, kind, msg+"；已达到重试上限")
		return store.AITask{}, store.TemplateCandidate{}, false, nil
	case errors.Is(err, store.ErrTaskNotActive), errors.Is(err, orderstate.ErrInvalidTransition):
		return store.AITask{}, store.TemplateCandidate{}, false, nil
	case err != nil:
		return store.AITask{}, store.TemplateCandidate{}, false, err
	}
	if e.metrics != nil {
		e.metrics.AIFailover.Inc()
	}
	slog.Info("AI 任务切换服务商", "order_id", task.OrderID, "prev_task_id", task.ID, "task_id", next.ID,
		"from_provider", task.ProviderID, "to_provider", cand.Provider.ID, "kind", kind)
	return next, cand, true, nil
}

func (e *Engine) fail(ctx context.Context, task store.AITask, status string, kind string, msg string) {
	log := appendLog(task.ProcessingLog, logEntry{Attempt: task.Attempt, Phase: phaseFailed, ProviderID: task.ProviderID, TemplateID: task.TemplateID, ErrorKind: kind, Message: msg}, e.now())
	if err := e.st.FailAITask(ctx, task.ID, status, kind, msg, log); err != nil && !errors.Is(err, store.ErrTaskNotActive) {
		slog.Error("结束生成任务失败", "task_id", task.ID, "err", err)
		return
	}
	slog.Warn("AI 任务失败", "order_id", task.OrderID, "task_id", task.ID, "status", status, "kind", kind, "message", msg)
}

// manualRetryable 判断失败任务是否停在 processing 等人工重试。
func manualRetryable(kind string) bool {
	return kind == store.ErrorKindPossiblyDispatched || kind == store.ErrorKindLocal
}

func (e *Engine) report(providerID int64, kind string) {
	e.sched.Report(providerID, scheduler.Result{ErrorKind: kind})
}

func (e *Engine) countDispatch(apiType string, result string) {
	if e.metrics != nil {
		e.metrics.AIDispatch.WithLabelValues(apiType, result).Inc()
	}
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func statusOf(err error) int {
	var ue *upstream.Error
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
