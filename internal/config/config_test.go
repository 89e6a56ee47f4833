package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeHTTPBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		in         string
		label      string
		want       string
		wantErrSub string
	}{
		{name: "empty ok", in: "", label: "print.base_url", want: ""},
		{name: "trim ok", in: " https://example.com/ ", label: "print.base_url", want: "https://example.com"},
		{name: "path ok", in: "https://example.com/pet/", label: "print.base_url", want: "https://example.com/pet"},
		{name: "invalid scheme", in: "ftp://example.com", label: "print.base_url", wantErrSub: "print.base_url 仅支持 http/https"},
		{name: "missing host", in: "https://", label: "print.base_url", wantErrSub: "print.base_url host 不能为空"},
		{name: "parse error", in: "://bad", label: "print.base_url", wantErrSub: "解析 print.base_url 失败"},
		{name: "no label scheme", in: "ftp://example.com", label: "", wantErrSub: "base_url 仅支持 http/https"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeHTTPBaseURL(tc.in, tc.label)
			if tc.wantErrSub != "" {
				if err == nil {
					t.Fatalf("NormalizeHTTPBaseURL(%q, %q) expected error, got nil", tc.in, tc.label)
				}
				if !strings.Contains(err.Error(), tc.wantErrSub) {
					t.Fatalf("NormalizeHTTPBaseURL(%q, %q) error = %q, want contains %q", tc.in, tc.label, err.Error(), tc.wantErrSub)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeHTTPBaseURL(%q, %q) unexpected error: %v", tc.in, tc.label, err)
			}
			if got != tc.want {
				t.Fatalf("NormalizeHTTPBaseURL(%q, %q) = %q, want %q", tc.in, tc.label, got, tc.want)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PETSTUDIO_CONFIG", "")
	t.Setenv("SERVER_ENV", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != EnvLocal {
		t.Fatalf("env=%q want %q", cfg.Env, EnvLocal)
	}
	if cfg.Pipeline.TaskQueueWorkers != 4 || cfg.AI.RetryCap != 3 {
		t.Fatalf("unexpected defaults: workers=%d retry_cap=%d", cfg.Pipeline.TaskQueueWorkers, cfg.AI.RetryCap)
	}
	if !cfg.Promotion.CommissionRate.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("commission_rate=%s", cfg.Promotion.CommissionRate)
	}
	if !cfg.Share.SharerRewardAmount.Equal(decimal.NewFromInt(10)) || !cfg.Share.SharedRewardAmount.Equal(decimal.NewFromInt(5)) || cfg.Share.ValidDays != 30 {
		t.Fatalf("unexpected share defaults: %+v", cfg.Share)
	}
	if cfg.WeChat.Enabled() {
		t.Fatalf("wechat should be disabled without credentials")
	}
	if cfg.PublicBaseURL() != cfg.Server.LocalBaseURL {
		t.Fatalf("PublicBaseURL=%q", cfg.PublicBaseURL())
	}
}

func TestLoad_ProductionRequiresSecretKey(t *testing.T) {
	t.Setenv("PETSTUDIO_CONFIG", "")
	t.Setenv("SERVER_ENV", "production")
	t.Setenv("SECRET_KEY", "")
	t.Setenv("PETSTUDIO_PRODUCTION_BASE_URL", "https://pet.example.com")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "SECRET_KEY") {
		t.Fatalf("expected SECRET_KEY error, got %v", err)
	}

	t.Setenv("SECRET_KEY", "s3cret")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PublicBaseURL() != "https://pet.example.com" {
		t.Fatalf("PublicBaseURL=%q", cfg.PublicBaseURL())
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	t.Setenv("SERVER_ENV", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "petstudio.yaml")
	body := `
server:
  addr: ":9000"
pipeline:
  task_queue_workers: 8
  auto_confirm: true
promotion:
  commission_rate: "0.15"
ai:
  retry_cap: 5
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("PETSTUDIO_AI_RETRY_CAP", "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" || cfg.Pipeline.TaskQueueWorkers != 8 || !cfg.Pipeline.AutoConfirm {
		t.Fatalf("yaml not applied: %+v %+v", cfg.Server, cfg.Pipeline)
	}
	if !cfg.Promotion.CommissionRate.Equal(decimal.RequireFromString("0.15")) {
		t.Fatalf("commission_rate=%s", cfg.Promotion.CommissionRate)
	}
	if cfg.AI.RetryCap != 2 {
		t.Fatalf("env override lost: retry_cap=%d", cfg.AI.RetryCap)
	}
}

func TestApplyEnvOverrides_MoneyValues(t *testing.T) {
	t.Setenv("PETSTUDIO_SHARER_REWARD_AMOUNT", "12.50")
	t.Setenv("PETSTUDIO_SHARED_REWARD_AMOUNT", "-1")

	cfg := defaultConfig()
	applyEnvOverrides(&cfg)

	if !cfg.Share.SharerRewardAmount.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("sharer reward=%s", cfg.Share.SharerRewardAmount)
	}
	// 非法金额被忽略，保留默认值。
	if !cfg.Share.SharedRewardAmount.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("shared reward=%s", cfg.Share.SharedRewardAmount)
	}
}
