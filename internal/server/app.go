// Package server 组装 HTTP 路由、依赖与后台任务，使 main 保持简单可读。
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"petstudio/internal/aitask"
	"petstudio/internal/auth"
	"petstudio/internal/config"
	"petstudio/internal/coupon"
	"petstudio/internal/franchisee"
	"petstudio/internal/imaging"
	"petstudio/internal/keylock"
	"petstudio/internal/obs"
	"petstudio/internal/order"
	"petstudio/internal/pipeline"
	"petstudio/internal/printer"
	"petstudio/internal/promotion"
	"petstudio/internal/scheduler"
	"petstudio/internal/security"
	"petstudio/internal/share"
	"petstudio/internal/store"
	"petstudio/internal/upstream"
	"petstudio/internal/version"
	"petstudio/internal/wechatpay"
	"petstudio/router"
)

const SessionCookieName = "petstudio_session"

type AppOptions struct {
	Config  config.Config
	DB      *sql.DB
	Dialect store.Dialect
	Version version.BuildInfo
}

type App struct {
	cfg      config.Config
	db       *sql.DB
	store    *store.Store
	metrics  *obs.Metrics
	redis    *redis.Client
	pipeline *pipeline.Pipeline
	ai       *aitask.Engine
	coupons  *coupon.Service
	orders   *order.Service
	wechat   *wechatpay.Client
	version  version.BuildInfo
	engine   *gin.Engine

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(opts AppOptions) (*App, error) {
	cfg := opts.Config
	st := store.New(opts.DB)
	if opts.Dialect != "" {
		st.SetDialect(opts.Dialect)
	}

	if err := ensureBootstrapAdmin(context.Background(), st, cfg.Security); err != nil {
		return nil, err
	}

	metrics := obs.NewMetrics()
	exec := upstream.NewExecutor(upstream.Options{
		DialTimeout:       seconds(cfg.AI.DrawConnectTimeoutSeconds),
		AllowPrivateFetch: cfg.Security.AllowPrivateFetch,
		UserAgent:         opts.Version.UserAgent(),
		Observe: func(target string, d time.Duration) {
			metrics.UpstreamLatency.WithLabelValues(target).Observe(d.Seconds())
		},
	})

	var locks keylock.Locker = keylock.NewLocal()
	var rdb *redis.Client
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locks = keylock.NewRedis(rdb, "petstudio:lock:", 2*time.Minute)
		slog.Info("使用 Redis 分布式锁", "addr", addr)
	}

	folders := imaging.Folders{
		Upload:    cfg.Storage.UploadDir,
		Final:     cfg.Storage.FinalDir,
		HD:        cfg.Storage.HDDir,
		Watermark: cfg.Storage.WatermarkDir,
	}
	if err := folders.Ensure(); err != nil {
		return nil, err
	}
	wm, err := imaging.NewWatermarker(nil)
	if err != nil {
		return nil, err
	}
	media, err := imaging.NewMedia(imaging.MediaOptions{
		Folders:              folders,
		BaseURL:              cfg.PublicBaseURL(),
		CompressThreshold:    cfg.Pipeline.CompressThresholdBytes,
		DefaultWatermarkText: cfg.Pipeline.DefaultWatermarkText,
		Watermarker:          wm,
		Styles:               st,
	})
	if err != nil {
		return nil, err
	}

	pc := printer.New(exec, printer.Options{
		URL:      cfg.Print.BaseURL,
		ShopID:   cfg.Print.ShopID,
		ShopName: cfg.Print.ShopName,
		Timeout:  seconds(cfg.Print.TimeoutSeconds),
		DPI:      cfg.Print.DPI,
	})
	wechat := wechatpay.New(exec, wechatpay.Options{
		AppID:     cfg.WeChat.AppID,
		MchID:     cfg.WeChat.MchID,
		APIKey:    cfg.WeChat.APIKey,
		NotifyURL: cfg.WeChat.NotifyURL,
		BaseURL:   cfg.WeChat.BaseURL,
		Timeout:   seconds(cfg.WeChat.TimeoutSeconds),
	})

	coupons := coupon.New(st, nil)
	promo := promotion.New(st, cfg.Promotion.CommissionRate)
	shares := share.New(st, share.Options{
		SharerReward: cfg.Share.SharerRewardAmount,
		SharedReward: cfg.Share.SharedRewardAmount,
		ValidFor:     time.Duration(cfg.Share.ValidDays) * 24 * time.Hour,
	})
	fr := franchisee.New(st)

	// 流水线与 AI 引擎互相引用：先建流水线，再回填生成器。
	pl := pipeline.New(st, nil, media, exec, pc, metrics, pipeline.Options{
		Workers:           cfg.Pipeline.TaskQueueWorkers,
		QueueSize:         cfg.Pipeline.QueueSize,
		AutoConfirm:       cfg.Pipeline.AutoConfirm,
		PreferRetouched:   cfg.Pipeline.PreferRetouched,
		RetouchProviderID: cfg.AI.RetouchProviderID,
		UpscaleProviderID: cfg.AI.UpscaleProviderID,
		RetouchPrompt:     cfg.AI.RetouchPrompt,
		UpscalePrompt:     cfg.AI.UpscalePrompt,
		DrawTimeout:       seconds(cfg.AI.DrawTimeoutSeconds),
		FetchTimeout:      seconds(cfg.AI.PollTimeoutSeconds),
		DPI:               cfg.Print.DPI,
	})
	sched := scheduler.New(st, seconds(cfg.AI.CooldownSeconds))
	engine := aitask.New(st, sched, exec, media, locks, metrics, aitask.Options{
		RetryCap:         cfg.AI.RetryCap,
		DrawTimeout:      seconds(cfg.AI.DrawTimeoutSeconds),
		PollTimeout:      seconds(cfg.AI.PollTimeoutSeconds),
		FetchTimeout:     seconds(cfg.AI.PollTimeoutSeconds),
		TransientBackoff: seconds(cfg.AI.TransientBackoffSeconds),
		ExpiryMargin:     seconds(cfg.AI.ExpiryMarginSeconds),
		PollActive:       seconds(cfg.AI.PollActiveSeconds),
		PollIdle:         seconds(cfg.AI.PollIdleSeconds),
		PollBatch:        cfg.AI.PollBatch,
		OnSucceeded:      pl.AfterGenerated,
	})
	pl.SetGenerator(engine)

	orders := order.New(order.Deps{
		Store:     st,
		Coupons:   coupons,
		Promotion: promo,
		Shares:    shares,
		Media:     media,
		Jobs:      pl,
		Payer:     wechat,
		AI:        engine,
		Locks:     locks,
		Metrics:   metrics,
	}, order.Options{})

	app := &App{
		cfg:      cfg,
		db:       opts.DB,
		store:    st,
		metrics:  metrics,
		redis:    rdb,
		pipeline: pl,
		ai:       engine,
		coupons:  coupons,
		orders:   orders,
		wechat:   wechat,
		version:  opts.Version,
	}

	if cfg.Env != config.EnvLocal {
		gin.SetMode(gin.ReleaseMode)
	}
	eng := gin.New()
	eng.Use(gin.Recovery())
	if err := setTrustedProxies(eng, cfg.Security); err != nil {
		return nil, err
	}

	sessionSecret := strings.TrimSpace(cfg.Security.SecretKey)
	if sessionSecret == "" {
		sessionSecret = randomSecret(32)
		slog.Warn("未配置 SECRET_KEY，会话密钥随机生成，重启后需重新登录")
	}
	sessionStore := cookie.NewStore([]byte(sessionSecret))
	sessionStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   7 * 24 * 3600,
		HttpOnly: true,
		Secure:   cfg.Env == config.EnvProduction && !cfg.Security.DisableSecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	eng.Use(sessions.Sessions(SessionCookieName, sessionStore))

	routerOpts := router.Options{
		Store:              st,
		Orders:             orders,
		Coupons:            coupons,
		Promotion:          promo,
		Shares:             shares,
		Franchisee:         fr,
		Folders:            folders,
		AdminToken:         cfg.Security.AdminToken,
		LogisticsToken:     cfg.Security.LogisticsToken,
		UploadMaxBodyBytes: cfg.Server.UploadMaxBodyBytes,

		Healthz: app.handleHealthz,
		Metrics: metrics.Handler(),

		WeChatPayNotify: app.handleWeChatPayNotify,
	}
	if cfg.EPay.Enabled() {
		routerOpts.EPayNotify = app.handleEPayNotify
	}
	if strings.TrimSpace(cfg.Stripe.WebhookSecret) != "" {
		routerOpts.StripeWebhook = app.handleStripeWebhook
	}
	router.SetRouter(eng, routerOpts)
	app.engine = eng
	return app, nil
}

// setTrustedProxies 只有显式开启时才让 gin 采信 X-Forwarded-For。
func setTrustedProxies(eng *gin.Engine, sec config.SecurityConfig) error {
	if !sec.TrustProxyHeaders {
		return eng.SetTrustedProxies(nil)
	}
	prefixes, err := security.ParseTrustedProxies(sec.TrustedProxyCIDRs)
	if err != nil {
		return err
	}
	cidrs := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		cidrs = append(cidrs, p.String())
	}
	return eng.SetTrustedProxies(cidrs)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func randomSecret(n int) string {
	tok, err := auth.NewRandomToken("", n)
	if err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return tok
}

func (a *App) Handler() http.Handler {
	return a.engine
}

// Start 启动后台循环：AI 任务轮询、优惠券过期。
func (a *App) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.ai.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.coupons.RunExpiry(ctx, 10*time.Minute)
	}()
}

// Close 停止后台循环并等待流水线里的任务跑完。
func (a *App) Close(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	var errs []error
	if err := a.pipeline.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type resp struct {
		OK      bool   `json:"ok"`
		Env     string `json:"env"`
		Version string `json:"version"`
		Date    string `json:"date"`

		DBOK    bool `json:"db_ok"`
		RedisOK bool `json:"redis_ok,omitempty"`

		WeChatPay bool `json:"wechat_pay"`
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := a.store.Ping(ctx) == nil

	out := resp{
		OK:        dbOK,
		Env:       a.cfg.Env,
		Version:   a.version.String(),
		Date:      a.version.Date,
		DBOK:      dbOK,
		WeChatPay: a.wechat.Enabled(),
	}
	if a.redis != nil {
		out.RedisOK = a.redis.Ping(ctx).Err() == nil
		out.OK = out.OK && out.RedisOK
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if !out.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(out)
}
