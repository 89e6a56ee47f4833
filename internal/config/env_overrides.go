package config

import (
	"os"
	"strconv"
)

func applyEnvOverrides(cfg *Config) {
	applyCoreEnvOverrides(cfg)
	applyServerEnvOverrides(cfg)
	applySecurityEnvOverrides(cfg)
	applyStorageEnvOverrides(cfg)
	applyPipelineEnvOverrides(cfg)
	applyAIEnvOverrides(cfg)
	applyMoneyEnvOverrides(cfg)
	applyPaymentEnvOverrides(cfg)
	applyPrintEnvOverrides(cfg)
}

func applyCoreEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DB.URL = v
	}
	if v := os.Getenv("PETSTUDIO_DB_CONNECT_WAIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.DB.ConnectWaitSeconds = n
		}
	}
	if v := os.Getenv("PETSTUDIO_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PETSTUDIO_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PETSTUDIO_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Redis.DB = n
		}
	}
}

func applyServerEnvOverrides(cfg *Config) {
	if v := os.Getenv("PETSTUDIO_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PETSTUDIO_LOCAL_BASE_URL"); v != "" {
		cfg.Server.LocalBaseURL = v
	}
	if v := os.Getenv("PETSTUDIO_PRODUCTION_BASE_URL"); v != "" {
		cfg.Server.ProductionBaseURL = v
	}
	if v := os.Getenv("PETSTUDIO_SERVER_READ_HEADER_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Server.ReadHeaderTimeoutSeconds = n
		}
	}
	if v := os.Getenv("PETSTUDIO_SERVER_READ_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Server.ReadTimeoutSeconds = n
		}
	}
	if v := os.Getenv("PETSTUDIO_SERVER_WRITE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Server.WriteTimeoutSeconds = n
		}
	}
	if v := os.Getenv("PETSTUDIO_SERVER_IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Server.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("PETSTUDIO_UPLOAD_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Server.UploadMaxBodyBytes = n
		}
	}
}

func applySecurityEnvOverrides(cfg *Config) {
	if v := os.Getenv("SECRET_KEY"); v != "" {
		cfg.Security.SecretKey = v
	}
	if v := os.Getenv("PETSTUDIO_ADMIN_TOKEN"); v != "" {
		cfg.Security.AdminToken = v
	}
	if v := os.Getenv("PETSTUDIO_LOGISTICS_TOKEN"); v != "" {
		cfg.Security.LogisticsToken = v
	}
	if v := os.Getenv("PETSTUDIO_BOOTSTRAP_ADMIN_USERNAME"); v != "" {
		cfg.Security.BootstrapAdminUsername = v
	}
	if v := os.Getenv("PETSTUDIO_BOOTSTRAP_ADMIN_PASSWORD"); v != "" {
		cfg.Security.BootstrapAdminPassword = v
	}
	if v := os.Getenv("PETSTUDIO_DISABLE_SECURE_COOKIES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Security.DisableSecureCookies = b
		}
	}
	if v := os.Getenv("PETSTUDIO_TRUST_PROXY_HEADERS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Security.TrustProxyHeaders = b
		}
	}
	if v := os.Getenv("PETSTUDIO_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.Security.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("PETSTUDIO_ALLOW_PRIVATE_FETCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Security.AllowPrivateFetch = b
		}
	}
}

func applyStorageEnvOverrides(cfg *Config) {
	if v := os.Getenv("PETSTUDIO_UPLOAD_DIR"); v != "" {
		cfg.Storage.UploadDir = v
	}
	if v := os.Getenv("PETSTUDIO_FINAL_DIR"); v != "" {
		cfg.Storage.FinalDir = v
	}
	if v := os.Getenv("PETSTUDIO_HD_DIR"); v != "" {
		cfg.Storage.HDDir = v
	}
	if v := os.Getenv("PETSTUDIO_WATERMARK_DIR"); v != "" {
		cfg.Storage.WatermarkDir = v
	}
}

func applyPipelineEnvOverrides(cfg *Config) {
	if v := os.Getenv("PETSTUDIO_TASK_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.TaskQueueWorkers = n
		}
	}
	if v := os.Getenv("PETSTUDIO_COMPRESS_THRESHOLD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Pipeline.CompressThresholdBytes = n
		}
	}
	if v := os.Getenv("PETSTUDIO_AUTO_CONFIRM"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pipeline.AutoConfirm = b
		}
	}
	if v := os.Getenv("PETSTUDIO_PREFER_RETOUCHED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pipeline.PreferRetouched = b
		}
	}
}

func applyAIEnvOverrides(cfg *Config) {
	if v := os.Getenv("PETSTUDIO_AI_RETRY_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.AI.RetryCap = n
		}
	}
	if v := os.Getenv("PETSTUDIO_AI_POLL_ACTIVE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AI.PollActiveSeconds = n
		}
	}
	if v := os.Getenv("PETSTUDIO_AI_POLL_IDLE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AI.PollIdleSeconds = n
		}
	}
	if v := os.Getenv("PETSTUDIO_AI_EXPIRY_MARGIN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.AI.ExpiryMarginSeconds = n
		}
	}
	if v := os.Getenv("PETSTUDIO_AI_RETOUCH_PROVIDER_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.AI.RetouchProviderID = n
		}
	}
	if v := os.Getenv("PETSTUDIO_AI_UPSCALE_PROVIDER_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.AI.UpscaleProviderID = n
		}
	}
}

func applyMoneyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PETSTUDIO_COMMISSION_RATE"); v != "" {
		if d, err := parseDecimalNonNeg(v, 4); err == nil {
			cfg.Promotion.CommissionRate = d
		}
	}
	if v := os.Getenv("PETSTUDIO_SHARER_REWARD_AMOUNT"); v != "" {
		if d, err := parseDecimalNonNeg(v, 2); err == nil {
			cfg.Share.SharerRewardAmount = d
		}
	}
	if v := os.Getenv("PETSTUDIO_SHARED_REWARD_AMOUNT"); v != "" {
		if d, err := parseDecimalNonNeg(v, 2); err == nil {
			cfg.Share.SharedRewardAmount = d
		}
	}
	if v := os.Getenv("PETSTUDIO_SHARE_VALID_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Share.ValidDays = n
		}
	}
}

func applyPaymentEnvOverrides(cfg *Config) {
	if v := os.Getenv("PETSTUDIO_WECHAT_APP_ID"); v != "" {
		cfg.WeChat.AppID = v
	}
	if v := os.Getenv("PETSTUDIO_WECHAT_MCH_ID"); v != "" {
		cfg.WeChat.MchID = v
	}
	if v := os.Getenv("PETSTUDIO_WECHAT_API_KEY"); v != "" {
		cfg.WeChat.APIKey = v
	}
	if v := os.Getenv("PETSTUDIO_WECHAT_NOTIFY_URL"); v != "" {
		cfg.WeChat.NotifyURL = v
	}
	if v := os.Getenv("PETSTUDIO_WECHAT_BASE_URL"); v != "" {
		cfg.WeChat.BaseURL = v
	}
	if v := os.Getenv("PETSTUDIO_EPAY_GATEWAY"); v != "" {
		cfg.EPay.Gateway = v
	}
	if v := os.Getenv("PETSTUDIO_EPAY_PARTNER_ID"); v != "" {
		cfg.EPay.PartnerID = v
	}
	if v := os.Getenv("PETSTUDIO_EPAY_KEY"); v != "" {
		cfg.EPay.Key = v
	}
	if v := os.Getenv("PETSTUDIO_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("PETSTUDIO_STRIPE_CURRENCY"); v != "" {
		cfg.Stripe.Currency = v
	}
}

func applyPrintEnvOverrides(cfg *Config) {
	if v := os.Getenv("PETSTUDIO_PRINT_BASE_URL"); v != "" {
		cfg.Print.BaseURL = v
	}
	if v := os.Getenv("PETSTUDIO_PRINT_SHOP_ID"); v != "" {
		cfg.Print.ShopID = v
	}
	if v := os.Getenv("PETSTUDIO_PRINT_SHOP_NAME"); v != "" {
		cfg.Print.ShopName = v
	}
	if v := os.Getenv("PETSTUDIO_PRINT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Print.TimeoutSeconds = n
		}
	}
}
