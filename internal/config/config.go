// Package config 负责读取并合并服务配置（环境变量为主，可选读取 YAML 配置），避免在业务代码里散落解析逻辑。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	EnvLocal      = "local"
	EnvProduction = "production"
)

type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	DB        DBConfig        `yaml:"db"`
	Security  SecurityConfig  `yaml:"security"`
	Storage   StorageConfig   `yaml:"storage"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	AI        AIConfig        `yaml:"ai"`
	Promotion PromotionConfig `yaml:"promotion"`
	Share     ShareConfig     `yaml:"share"`
	WeChat    WeChatConfig    `yaml:"wechat"`
	Print     PrintConfig     `yaml:"print"`
	Redis     RedisConfig     `yaml:"redis"`
	EPay      EPayConfig      `yaml:"epay"`
	Stripe    StripeConfig    `yaml:"stripe"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`

	// LocalBaseURL / ProductionBaseURL 由 SERVER_ENV 选择，用于拼接图片 URL 与回调地址。
	LocalBaseURL      string `yaml:"local_base_url"`
	ProductionBaseURL string `yaml:"production_base_url"`

	ReadHeaderTimeoutSeconds int `yaml:"read_header_timeout_seconds"`
	ReadTimeoutSeconds       int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int `yaml:"idle_timeout_seconds"`
	MaxHeaderBytes           int `yaml:"max_header_bytes"`

	// UploadMaxBodyBytes 限制照片上传请求体大小。
	UploadMaxBodyBytes int64 `yaml:"upload_max_body_bytes"`
}

type DBConfig struct {
	// URL 支持 sqlite://path、mysql://dsn 或直接写 MySQL DSN。
	URL string `yaml:"url"`
	// ConnectWaitSeconds 启动时等待 MySQL 就绪的秒数（容器编排下数据库可能晚于服务启动）。
	ConnectWaitSeconds int `yaml:"connect_wait_seconds"`
}

type SecurityConfig struct {
	// SecretKey 用于会话 cookie 签名；生产环境必填。
	SecretKey string `yaml:"secret_key"`
	// AdminToken 非空时允许使用 Bearer Token 调用管理接口。
	AdminToken string `yaml:"admin_token"`
	// LogisticsToken 物流回调共享密钥。
	LogisticsToken string `yaml:"logistics_token"`
	// 库里还没有管理员时用这组账号初始化一个。
	BootstrapAdminUsername string `yaml:"bootstrap_admin_username"`
	BootstrapAdminPassword string `yaml:"bootstrap_admin_password"`

	DisableSecureCookies bool     `yaml:"disable_secure_cookies"`
	TrustProxyHeaders    bool     `yaml:"trust_proxy_headers"`
	TrustedProxyCIDRs    []string `yaml:"trusted_proxy_cidrs"`
	// AllowPrivateFetch 允许下载内网地址上的 AI 产物（仅本地联调）。
	AllowPrivateFetch bool `yaml:"allow_private_fetch"`
}

type StorageConfig struct {
	UploadDir    string `yaml:"upload_dir"`
	FinalDir     string `yaml:"final_dir"`
	HDDir        string `yaml:"hd_dir"`
	WatermarkDir string `yaml:"watermark_dir"`
}

type PipelineConfig struct {
	TaskQueueWorkers       int    `yaml:"task_queue_workers"`
	QueueSize              int    `yaml:"queue_size"`
	CompressThresholdBytes int64  `yaml:"compress_threshold_bytes"`
	AutoConfirm            bool   `yaml:"auto_confirm"`
	PreferRetouched        bool   `yaml:"prefer_retouched"`
	DefaultWatermarkText   string `yaml:"default_watermark_text"`
}

type AIConfig struct {
	RetryCap int `yaml:"retry_cap"`

	PollActiveSeconds   int `yaml:"poll_active_seconds"`
	PollIdleSeconds     int `yaml:"poll_idle_seconds"`
	PollBatch           int `yaml:"poll_batch"`
	ExpiryMarginSeconds int `yaml:"expiry_margin_seconds"`

	DrawConnectTimeoutSeconds int `yaml:"draw_connect_timeout_seconds"`
	DrawTimeoutSeconds        int `yaml:"draw_timeout_seconds"`
	PollTimeoutSeconds        int `yaml:"poll_timeout_seconds"`

	// TransientBackoffSeconds 同一服务商瞬时错误重试前的等待。
	TransientBackoffSeconds int `yaml:"transient_backoff_seconds"`
	// CooldownSeconds 服务商连续失败后降低优先级的时长。
	CooldownSeconds int `yaml:"cooldown_seconds"`

	// RetouchProviderID / UpscaleProviderID 为 0 表示不启用。
	RetouchProviderID int64  `yaml:"retouch_provider_id"`
	UpscaleProviderID int64  `yaml:"upscale_provider_id"`
	RetouchPrompt     string `yaml:"retouch_prompt"`
	UpscalePrompt     string `yaml:"upscale_prompt"`
}

type PromotionConfig struct {
	CommissionRate decimal.Decimal `yaml:"commission_rate"`
}

type ShareConfig struct {
	SharerRewardAmount decimal.Decimal `yaml:"sharer_reward_amount"`
	SharedRewardAmount decimal.Decimal `yaml:"shared_reward_amount"`
	ValidDays          int             `yaml:"valid_days"`
}

type WeChatConfig struct {
	AppID     string `yaml:"app_id"`
	MchID     string `yaml:"mch_id"`
	APIKey    string `yaml:"api_key"`
	NotifyURL string `yaml:"notify_url"`
	BaseURL   string `yaml:"base_url"`

	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	TimeoutSeconds        int `yaml:"timeout_seconds"`
}

// Enabled 商户号与密钥齐全时才发起统一下单。
func (c WeChatConfig) Enabled() bool {
	return strings.TrimSpace(c.AppID) != "" && strings.TrimSpace(c.MchID) != "" && strings.TrimSpace(c.APIKey) != ""
}

type PrintConfig struct {
	BaseURL        string `yaml:"base_url"`
	ShopID         string `yaml:"shop_id"`
	ShopName       string `yaml:"shop_name"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	DPI            int    `yaml:"dpi"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EPayConfig struct {
	Gateway   string `yaml:"gateway"`
	PartnerID string `yaml:"partner_id"`
	Key       string `yaml:"key"`
}

func (c EPayConfig) Enabled() bool {
	return strings.TrimSpace(c.Gateway) != "" && strings.TrimSpace(c.PartnerID) != "" && strings.TrimSpace(c.Key) != ""
}

type StripeConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
	Currency      string `yaml:"currency"`
}

// PublicBaseURL 返回当前环境对外可访问的地址。
func (c Config) PublicBaseURL() string {
	if c.Env == EnvProduction {
		return c.Server.ProductionBaseURL
	}
	return c.Server.LocalBaseURL
}

// Load 依次应用：默认值 -> YAML 文件（path 为空时读取 PETSTUDIO_CONFIG）-> 环境变量 -> 校验。
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv("PETSTUDIO_CONFIG")
	}
	if strings.TrimSpace(path) != "" {
		if err := loadYAMLFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)
	return normalizeAndValidate(cfg)
}

// LoadFromEnv 仅从默认值与环境变量构建配置。
func LoadFromEnv() (Config, error) {
	return Load("")
}

func loadYAMLFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取配置文件失败（%s）: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败（%s）: %w", path, err)
	}
	return nil
}

func normalizeAndValidate(cfg Config) (Config, error) {
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	switch cfg.Env {
	case "", "dev", "development":
		cfg.Env = EnvLocal
	case EnvLocal, EnvProduction:
	default:
		return Config{}, fmt.Errorf("SERVER_ENV 仅支持 %s/%s", EnvLocal, EnvProduction)
	}

	cfg.DB.URL = strings.TrimSpace(cfg.DB.URL)
	if cfg.DB.URL == "" {
		return Config{}, errors.New("DATABASE_URL 不能为空")
	}

	cfg.Security.SecretKey = strings.TrimSpace(cfg.Security.SecretKey)
	if cfg.Env == EnvProduction && cfg.Security.SecretKey == "" {
		return Config{}, errors.New("生产环境必须配置 SECRET_KEY")
	}

	var err error
	if cfg.Server.LocalBaseURL, err = NormalizeHTTPBaseURL(cfg.Server.LocalBaseURL, "server.local_base_url"); err != nil {
		return Config{}, err
	}
	if cfg.Server.ProductionBaseURL, err = NormalizeHTTPBaseURL(cfg.Server.ProductionBaseURL, "server.production_base_url"); err != nil {
		return Config{}, err
	}
	if cfg.Print.BaseURL, err = NormalizeHTTPBaseURL(cfg.Print.BaseURL, "print.base_url"); err != nil {
		return Config{}, err
	}
	if cfg.WeChat.BaseURL, err = NormalizeHTTPBaseURL(cfg.WeChat.BaseURL, "wechat.base_url"); err != nil {
		return Config{}, err
	}
	if cfg.Env == EnvProduction && cfg.Server.ProductionBaseURL == "" {
		return Config{}, errors.New("生产环境必须配置 server.production_base_url")
	}

	for _, dir := range []*string{&cfg.Storage.UploadDir, &cfg.Storage.FinalDir, &cfg.Storage.HDDir, &cfg.Storage.WatermarkDir} {
		*dir = strings.TrimSpace(*dir)
		if *dir == "" {
			return Config{}, errors.New("storage 目录不能为空")
		}
	}

	if cfg.Pipeline.TaskQueueWorkers <= 0 {
		cfg.Pipeline.TaskQueueWorkers = 1
	}
	if cfg.Pipeline.QueueSize <= 0 {
		cfg.Pipeline.QueueSize = cfg.Pipeline.TaskQueueWorkers * 16
	}
	if cfg.AI.RetryCap < 0 {
		cfg.AI.RetryCap = 0
	}
	if cfg.AI.PollActiveSeconds <= 0 {
		cfg.AI.PollActiveSeconds = 5
	}
	if cfg.AI.PollIdleSeconds < cfg.AI.PollActiveSeconds {
		cfg.AI.PollIdleSeconds = cfg.AI.PollActiveSeconds
	}
	if cfg.AI.PollBatch <= 0 {
		cfg.AI.PollBatch = 50
	}
	if cfg.Print.DPI <= 0 {
		cfg.Print.DPI = 300
	}

	rate := cfg.Promotion.CommissionRate
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return Config{}, errors.New("promotion.commission_rate 必须在 0 到 1 之间")
	}
	cfg.Promotion.CommissionRate = rate.Round(4)
	if cfg.Share.SharerRewardAmount.IsNegative() || cfg.Share.SharedRewardAmount.IsNegative() {
		return Config{}, errors.New("分享奖励金额不能为负数")
	}
	cfg.Share.SharerRewardAmount = cfg.Share.SharerRewardAmount.Round(2)
	cfg.Share.SharedRewardAmount = cfg.Share.SharedRewardAmount.Round(2)
	if cfg.Share.ValidDays <= 0 {
		cfg.Share.ValidDays = 30
	}

	cfg.Stripe.Currency = strings.ToLower(strings.TrimSpace(cfg.Stripe.Currency))
	if cfg.Stripe.Currency == "" {
		cfg.Stripe.Currency = "cny"
	}

	return cfg, nil
}

func NormalizeHTTPBaseURL(raw string, label string) (string, error) {
	v := strings.TrimRight(strings.TrimSpace(raw), "/")
	if v == "" {
		return "", nil
	}
	u, err := url.Parse(v)
	if err != nil {
		if strings.TrimSpace(label) == "" {
			return "", fmt.Errorf("解析 base_url 失败: %w", err)
		}
		return "", fmt.Errorf("解析 %s 失败: %w", label, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		if strings.TrimSpace(label) == "" {
			return "", errors.New("base_url 仅支持 http/https")
		}
		return "", fmt.Errorf("%s 仅支持 http/https", label)
	}
	if u.Host == "" {
		if strings.TrimSpace(label) == "" {
			return "", errors.New("base_url host 不能为空")
		}
		return "", fmt.Errorf("%s host 不能为空", label)
	}
	return v, nil
}

func parseDecimalNonNeg(raw string, scale int32) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, errors.New("金额为空")
	}
	if strings.HasPrefix(s, "+") {
		s = strings.TrimSpace(strings.TrimPrefix(s, "+"))
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.New("金额格式不合法")
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("金额不能为负数")
	}
	if d.Exponent() < -scale {
		return decimal.Zero, fmt.Errorf("最多支持 %d 位小数", scale)
	}
	return d.Truncate(scale), nil
}

func defaultConfig() Config {
	return Config{
		Env: EnvLocal,
		Server: ServerConfig{
			Addr:         ":5000",
			LocalBaseURL: "http://127.0.0.1:5000",

			ReadHeaderTimeoutSeconds: 5,
			ReadTimeoutSeconds:       60,
			WriteTimeoutSeconds:      60,
			IdleTimeoutSeconds:       120,
			MaxHeaderBytes:           1048576,

			UploadMaxBodyBytes: 64 << 20,
		},
		DB: DBConfig{
			URL:                "sqlite://./data/petstudio.db?_pragma=busy_timeout(30000)",
			ConnectWaitSeconds: 30,
		},
		Storage: StorageConfig{
			UploadDir:    "./data/uploads",
			FinalDir:     "./data/final_works",
			HDDir:        "./data/hd_images",
			WatermarkDir: "./data/watermarks",
		},
		Pipeline: PipelineConfig{
			TaskQueueWorkers:       4,
			CompressThresholdBytes: 2 << 20,
			DefaultWatermarkText:   "PET STUDIO",
		},
		AI: AIConfig{
			RetryCap:                  3,
			PollActiveSeconds:         5,
			PollIdleSeconds:           10,
			PollBatch:                 50,
			ExpiryMarginSeconds:       300,
			DrawConnectTimeoutSeconds: 30,
			DrawTimeoutSeconds:        120,
			PollTimeoutSeconds:        30,
			TransientBackoffSeconds:   2,
			CooldownSeconds:           300,
			RetouchPrompt:             "对照片中的人物做自然的面部美化，保持五官、姿态与背景不变",
			UpscalePrompt:             "将图片放大到更高分辨率并保持内容、构图与色彩不变",
		},
		Promotion: PromotionConfig{
			CommissionRate: decimal.RequireFromString("0.20"),
		},
		Share: ShareConfig{
			SharerRewardAmount: decimal.NewFromInt(10),
			SharedRewardAmount: decimal.NewFromInt(5),
			ValidDays:          30,
		},
		WeChat: WeChatConfig{
			BaseURL:               "https://api.mch.weixin.qq.com",
			ConnectTimeoutSeconds: 10,
			TimeoutSeconds:        30,
		},
		Print: PrintConfig{
			TimeoutSeconds: 60,
			DPI:            300,
		},
		Stripe: StripeConfig{
			Currency: "cny",
		},
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
