// Package pipeline 在有界的后台工作池里执行订单的图片处理：美颜、AI 生成、确认后的高清放大与打印派发。
//
// 任务以订单内部 id 为身份：同一订单同时只有一个任务在跑，运行期间再次提交的其它步骤排在它之后。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"petstudio/internal/imaging"
	"petstudio/internal/obs"
	"petstudio/internal/printer"
	"petstudio/internal/store"
	"petstudio/internal/upstream"
)

// 任务种类。
const (
	JobGenerate = "generate"
	JobProduce  = "produce"
	JobPrint    = "print"
	// JobConfirm 用于先拍后付的订单：支付到账后按自动确认规则确认并生产。
	JobConfirm  = "confirm"
)

var ErrClosed = errors.New("图片处理队列已关闭")

// Generator 为订单启动 AI 生成。
type Generator interface {
	Start(ctx context.Context, orderID int64, inputPath string) (store.AITask, error)
}

type Options struct {
	Workers   int
	QueueSize int

	AutoConfirm     bool
	PreferRetouched bool

	RetouchProviderID int64
	UpscaleProviderID int64
	RetouchPrompt     string
	UpscalePrompt     string

	DrawTimeout  time.Duration
	FetchTimeout time.Duration
	DPI          int
}

type Pipeline struct {
	st      *store.Store
	gen     Generator
	media   *imaging.Media
	exec    *upstream.Executor
	printer *printer.Client
	metrics *obs.Metrics
	opts    Options

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[int64]string
	follow  map[int64]string
	pending int
	closed  bool
}

func New(st *store.Store, gen Generator, media *imaging.Media, exec *upstream.Executor, pc *printer.Client, metrics *obs.Metrics, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 16
	}
	if opts.DPI <= 0 {
		opts.DPI = 300
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		st:      st,
		gen:     gen,
		media:   media,
		exec:    exec,
		printer: pc,
		metrics: metrics,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[int64]string),
		follow:  make(map[int64]string),
	}
}

// SetGenerator 在组装阶段注入生成器（生成器的完成回调又依赖 Pipeline）。
func (p *Pipeline) SetGenerator(gen Generator) { p.gen = gen }

// Enqueue 提交订单任务。订单已有同类任务在跑或排队时返回 false；
// 正在跑其它步骤时，新步骤在当前任务结束后执行。
func (p *Pipeline) Enqueue(orderID int64, kind string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, ErrClosed
	}
	if cur, ok := p.active[orderID]; ok {
		if cur == kind || p.follow[orderID] == kind {
			return false, nil
		}
		p.follow[orderID] = kind
		return true, nil
	}
	if p.pending >= p.opts.QueueSize {
		slog.Warn("图片处理队列已满", "order_id", orderID, "kind", kind, "pending", p.pending)
		return false, fmt.Errorf("图片处理队列已满（%d）", p.pending)
	}
	p.active[orderID] = kind
	p.addPendingLocked(1)
	p.wg.Add(1)
	go p.run(orderID, kind)
	return true, nil
}

// Close 停止接收新任务，取消进行中的任务并等待退出。
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Busy 报告订单是否有任务在跑或排队。
func (p *Pipeline) Busy(orderID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[orderID]
	return ok
}

func (p *Pipeline) addPendingLocked(n int) {
	p.pending += n
	if p.metrics != nil {
		p.metrics.PipelineQueue.Set(float64(p.pending))
	}
}

func (p *Pipeline) run(orderID int64, kind string) {
	defer p.wg.Done()
	for {
		err := p.sem.Acquire(p.ctx, 1)
		p.mu.Lock()
		p.addPendingLocked(-1)
		p.mu.Unlock()
		if err != nil {
			p.mu.Lock()
			delete(p.active, orderID)
			delete(p.follow, orderID)
			p.mu.Unlock()
			return
		}

		p.execute(orderID, kind)
		p.sem.Release(1)

		p.mu.Lock()
		next, ok := p.follow[orderID]
		delete(p.follow, orderID)
		if !ok || p.closed {
			delete(p.active, orderID)
			p.mu.Unlock()
			return
		}
		p.active[orderID] = next
		p.addPendingLocked(1)
		p.mu.Unlock()
		kind = next
	}
}

func (p *Pipeline) execute(orderID int64, kind string) {
	start := time.Now()
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			slog.Error("图片处理任务 panic", "order_id", orderID, "kind", kind, "panic", r, "stack", string(debug.Stack()))
		}
		if p.metrics != nil {
			p.metrics.PipelineJobs.WithLabelValues(kind, result).Inc()
		}
	}()

	var err error
	switch kind {
	case JobGenerate:
		err = p.generate(p.ctx, orderID)
	case JobProduce:
		err = p.produce(p.ctx, orderID)
	case JobPrint:
		err = p.dispatchPrint(p.ctx, orderID)
	case JobConfirm:
		if p.autoConfirm(p.ctx, orderID) {
			err = p.produce(p.ctx, orderID)
		}
	default:
		err = fmt.Errorf("未知的任务类型: %s", kind)
	}
	if err != nil {
		result = "error"
		if errors.Is(err, context.Canceled) {
			slog.Info("图片处理任务已取消", "order_id", orderID, "kind", kind)
			return
		}
		slog.Error("图片处理任务失败", "order_id", orderID, "kind", kind, "err", err, "elapsed_ms", time.Since(start).Milliseconds())
		return
	}
	slog.Debug("图片处理任务完成", "order_id", orderID, "kind", kind, "elapsed_ms", time.Since(start).Milliseconds())
}
