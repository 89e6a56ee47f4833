// Package aiprovider 把风格模板渲染成各类服务商的请求，并把服务商响应解析成统一的结果。
//
// 每种 api_type 对应一个 Adapter；请求体完全由模板生成，Adapter 只负责补齐鉴权字段与解析响应。
package aiprovider

import (
	"errors"
	"fmt"
	"strings"

	"petstudio/internal/store"
	"petstudio/internal/upstream"
)

const (
	TypeNanoBanana          = "nano-banana"
	TypeNanoBananaEdits     = "nano-banana-edits"
	TypeGeminiNative        = "gemini-native"
	TypeRunningHubComfyUI   = "runninghub-comfyui"
	TypeRunningHubRHArtEdit = "runninghub-rhart-edit"
)

// Input 是一次生成所需的素材。Image 为输入图原始字节，供 multipart 与内联 base64 使用。
type Input struct {
	ImageURL    string
	Image       []byte
	ImageName   string
	Prompt      string
	AspectRatio string
}

// DrawResult 是下发响应：异步服务商给出 TaskID，同步服务商给出 ImageURL 或 ImageData。
type DrawResult struct {
	TaskID    string
	ImageURL  string
	ImageData []byte
}

// Done 表示下发响应已直接携带产物。
func (r DrawResult) Done() bool {
	return r.ImageURL != "" || len(r.ImageData) > 0
}

type PollStatus string

const (
	PollRunning   PollStatus = "running"
	PollSucceeded PollStatus = "succeeded"
	PollFailed    PollStatus = "failed"
	PollExpired   PollStatus = "expired"
)

type PollResult struct {
	Status    PollStatus
	ImageURL  string
	ImageData []byte
	// ErrorKind 仅在 PollFailed 时有意义。
	ErrorKind string
	Message   string
}

// Adapter 描述一种 api_type 的请求构造与响应解析。
type Adapter interface {
	Async() bool
	BuildDraw(p store.APIProviderConfig, t store.APITemplate, in Input) (upstream.Request, error)
	ParseDraw(body []byte) (DrawResult, error)
	BuildPoll(p store.APIProviderConfig, t store.APITemplate, taskID string) (upstream.Request, error)
	ParsePoll(body []byte) (PollResult, error)
}

var ErrUnknownAPIType = errors.New("未知的服务商类型")

var adapters = map[string]Adapter{
	TypeNanoBanana:          nanoBanana{},
	TypeNanoBananaEdits:     nanoBananaEdits{},
	TypeGeminiNative:        geminiNative{},
	TypeRunningHubComfyUI:   runningHub{workflow: true},
	TypeRunningHubRHArtEdit: runningHub{},
}

func For(apiType string) (Adapter, error) {
	a, ok := adapters[strings.ToLower(strings.TrimSpace(apiType))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAPIType, apiType)
	}
	return a, nil
}

// IsAsync 以服务商配置的 is_sync 为准；未知类型按同步处理。
func IsAsync(p store.APIProviderConfig) bool {
	if p.IsSync {
		return false
	}
	a, err := For(p.APIType)
	if err != nil {
		return false
	}
	return a.Async()
}

func permanent(format string, args ...any) error {
	return &upstream.Error{Kind: upstream.KindPermanent, Err: fmt.Errorf(format, args...)}
}

func requireEndpoint(endpoint string, label string) (string, error) {
	v := strings.TrimSpace(endpoint)
	if v == "" {
		return "", permanent("服务商未配置 %s", label)
	}
	return v, nil
}
