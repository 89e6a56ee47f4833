// Package version 提供构建信息，便于 healthz、日志与上游请求的 User-Agent 输出版本指纹。
package version

import "strings"

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func Info() BuildInfo {
	return BuildInfo{
		Version: Version,
		Commit:  Commit,
		Date:    Date,
	}
}

// String 形如 "1.2.0 (abc1234, 2026-01-02)"。
func (b BuildInfo) String() string {
	v := strings.TrimSpace(b.Version)
	if v == "" {
		v = "dev"
	}
	var extra []string
	if c := strings.TrimSpace(b.Commit); c != "" && c != "none" {
		if len(c) > 7 {
			c = c[:7]
		}
		extra = append(extra, c)
	}
	if d := strings.TrimSpace(b.Date); d != "" && d != "unknown" {
		extra = append(extra, d)
	}
	if len(extra) == 0 {
		return v
	}
	return v + " (" + strings.Join(extra, ", ") + ")"
}

// UserAgent 是调用 AI 服务商、打印系统与微信支付时携带的 User-Agent。
func (b BuildInfo) UserAgent() string {
	v := strings.TrimSpace(b.Version)
	if v == "" {
		v = "dev"
	}
	return "petstudio/" + v
}
