package aitask

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"petstudio/internal/aiprovider"
	"petstudio/internal/store"
	"petstudio/internal/upstream"
)

// Run 是唯一的轮询循环：有活跃任务时按 PollActive 节奏，空闲时退到 PollIdle；下发成功会立即唤醒一次。
func (e *Engine) Run(ctx context.Context) {
	interval := e.opts.PollIdle
	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}

		n, err := e.PollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("轮询 AI 任务失败", "err", err)
		}
		e.sched.Sweep(e.now())
		if n > 0 {
			interval = e.opts.PollActive
		} else {
			interval = e.opts.PollIdle
		}
	}
}

// PollOnce 轮询一批未结束的任务，返回本轮处理的任务数。
func (e *Engine) PollOnce(ctx context.Context) (int, error) {
	tasks, err := e.st.ListActiveAITasks(ctx, e.opts.PollBatch)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.PollConcurrency)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			e.pollTask(gctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return len(tasks), ctx.Err()
}

func (e *Engine) pollTask(ctx context.Context, t store.AITask) {
	unlock, err := e.locks.Lock(ctx, lockKey(t.OrderID))
	if err != nil {
		return
	}
	defer unlock()

	t, err = e.st.GetAITask(ctx, t.ID)
	if err != nil || t.Terminal() {
		return
	}
	now := e.now()

	if t.Status == store.AITaskPending {
		// 下发途中进程退出：无法确认服务商是否已受理。
		if t.ExternalTaskID == "" && t.StartedAt != nil && now.Sub(*t.StartedAt) > e.opts.ExpiryMargin {
			e.fail(ctx, t, store.AITaskFailed, store.ErrorKindPossiblyDispatched, "下发结果未知（进程中断）")
		}
		return
	}

	if t.EstimatedCompletionTime != nil && now.After(t.EstimatedCompletionTime.Add(e.opts.ExpiryMargin)) {
		e.countPoll("", store.ErrorKindExpired)
		e.report(t.ProviderID, store.ErrorKindExpired)
		e.retry(ctx, t, store.AITaskExpired, store.ErrorKindExpired, "任务超过预计完成时间")
		return
	}

	p, err := e.st.GetProvider(ctx, t.ProviderID)
	if err != nil {
		slog.Warn("读取服务商失败", "task_id", t.ID, "provider_id", t.ProviderID, "err", err)
		return
	}
	tpl, err := e.st.GetTemplate(ctx, t.TemplateID)
	if err != nil {
		slog.Warn("读取模板失败", "task_id", t.ID, "template_id", t.TemplateID, "err", err)
		return
	}
	adapter, err := aiprovider.For(p.APIType)
	if err != nil {
		e.retry(ctx, t, store.AITaskFailed, store.ErrorKindPermanent, err.Error())
		return
	}
	req, err := adapter.BuildPoll(p, tpl, t.ExternalTaskID)
	if err != nil {
		e.retry(ctx, t, store.AITaskFailed, store.ErrorKindPermanent, err.Error())
		return
	}
	req.Timeout = e.opts.PollTimeout

	// 轮询是只读调用：网络或状态码错误留到下一轮，超时由预计完成时间兜底。
	resp, err := e.exec.Do(ctx, req)
	if err != nil {
		e.countPoll(p.APIType, "error")
		slog.Debug("轮询请求失败", "task_id", t.ID, "kind", upstream.KindOf(err), "err", err)
		return
	}
	res, err := adapter.ParsePoll(resp.Body)
	if err != nil {
		e.countPoll(p.APIType, "error")
		slog.Debug("解析轮询响应失败", "task_id", t.ID, "err", err)
		return
	}
	e.countPoll(p.APIType, string(res.Status))

	switch res.Status {
	case aiprovider.PollRunning:
		return
	case aiprovider.PollSucceeded:
		t.ProcessingLog = appendLog(t.ProcessingLog, logEntry{Attempt: t.Attempt, Phase: phasePoll, ProviderID: p.ID, TemplateID: tpl.ID, ExternalID: t.ExternalTaskID}, now)
		kind, msg, err := e.finish(ctx, t, p, res.ImageURL, res.ImageData)
		if err != nil {
			slog.Error("处理生成结果失败", "task_id", t.ID, "err", err)
			return
		}
		if kind != "" {
			e.retry(ctx, t, store.AITaskFailed, kind, msg)
		}
	case aiprovider.PollFailed:
		kind := res.ErrorKind
		if kind == "" {
			kind = store.ErrorKindPermanent
		}
		e.report(p.ID, kind)
		e.retry(ctx, t, store.AITaskFailed, kind, res.Message)
	case aiprovider.PollExpired:
		e.report(p.ID, store.ErrorKindExpired)
		e.retry(ctx, t, store.AITaskExpired, store.ErrorKindExpired, res.Message)
	}
}

// retry 走重试策略；切换成功后立即下发新任务。
func (e *Engine) retry(ctx context.Context, t store.AITask, status string, kind string, msg string) {
	t.ProcessingLog = appendLog(t.ProcessingLog, logEntry{Attempt: t.Attempt, Phase: phasePoll, ProviderID: t.ProviderID, TemplateID: t.TemplateID, ExternalID: t.ExternalTaskID, ErrorKind: kind, Message: msg}, e.now())
	next, cand, ok, err := e.failover(ctx, t, status, kind, msg)
	if err != nil {
		slog.Error("AI 任务重试失败", "task_id", t.ID, "err", err)
		return
	}
	if !ok {
		return
	}
	if err := e.dispatch(ctx, next, cand); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("AI 任务重新下发失败", "task_id", next.ID, "err", err)
	}
}

func (e *Engine) countPoll(apiType string, result string) {
	if e.metrics != nil {
		e.metrics.AIPoll.WithLabelValues(apiType, result).Inc()
	}
}
