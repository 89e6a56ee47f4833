package aiprovider

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"petstudio/internal/store"
	"petstudio/internal/upstream"
)

const defaultNanoBananaTemplate = `{"model":"nano-banana","prompt":"{{prompt}}","image_urls":["{{image_url}}"],"aspect_ratio":"{{aspect_ratio}}"}`

type nanoBanana struct{}

func (nanoBanana) Async() bool { return true }

func (nanoBanana) BuildDraw(p store.APIProviderConfig, t store.APITemplate, in Input) (upstream.Request, error) {
	endpoint, err := requireEndpoint(p.DrawEndpoint, "draw_endpoint")
	if err != nil {
		return upstream.Request{}, err
	}
	tpl := t.RequestBodyTemplate
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultNanoBananaTemplate
	}
	body, err := FillTemplate(tpl, in)
	if err != nil {
		return upstream.Request{}, permanent("%v", err)
	}
	return upstream.Request{
		Method:    http.MethodPost,
		BaseURL:   p.Host(),
		Path:      endpoint,
		Body:      body,
		BearerKey: p.APIKey,
		Target:    TypeNanoBanana,
	}, nil
}

func (nanoBanana) ParseDraw(body []byte) (DrawResult, error) {
	if !gjson.ValidBytes(body) {
		return DrawResult{}, &upstream.Error{Kind: upstream.KindTransient, Err: fmt.Errorf("响应不是合法 JSON")}
	}
	res := gjson.ParseBytes(body)
	if code := res.Get("code"); code.Exists() && code.Int() != 0 {
		return DrawResult{}, permanent("下发失败: %s", res.Get("msg").String())
	}
	out := DrawResult{
		TaskID:   res.Get("data.id").String(),
		ImageURL: res.Get("data.url").String(),
	}
	if out.TaskID == "" && !out.Done() {
		return DrawResult{}, permanent("响应缺少任务 id")
	}
	return out, nil
}

func (nanoBanana) BuildPoll(p store.APIProviderConfig, _ store.APITemplate, taskID string) (upstream.Request, error) {
	endpoint, err := requireEndpoint(p.ResultEndpoint, "result_endpoint")
	if err != nil {
		return upstream.Request{}, err
	}
	return upstream.Request{
		Method:    http.MethodPost,
		BaseURL:   p.Host(),
		Path:      endpoint,
		Body:      []byte(`{"Id":` + quote(taskID) + `}`),
		BearerKey: p.APIKey,
		Target:    TypeNanoBanana,
	}, nil
}

func (nanoBanana) ParsePoll(body []byte) (PollResult, error) {
	if !gjson.ValidBytes(body) {
		return PollResult{}, &upstream.Error{Kind: upstream.KindTransient, Err: fmt.Errorf("响应不是合法 JSON")}
	}
	res := gjson.ParseBytes(body)
	if code := res.Get("code"); code.Exists() && code.Int() != 0 {
		msg := res.Get("msg").String()
		if looksExpired(msg) {
			return PollResult{Status: PollExpired, Message: msg}, nil
		}
		return PollResult{Status: PollFailed, ErrorKind: upstream.KindPermanent, Message: msg}, nil
	}
	status := strings.ToLower(res.Get("data.status").String())
	url := res.Get("data.url").String()
	switch status {
	case "succeeded", "completed", "success":
		if url == "" {
			return PollResult{Status: PollFailed, ErrorKind: upstream.KindPermanent, Message: "任务成功但缺少产物地址"}, nil
		}
		return PollResult{Status: PollSucceeded, ImageURL: url}, nil
	case "failed", "error":
		msg := res.Get("data.error").String()
		if msg == "" {
			msg = "任务失败"
		}
		return PollResult{Status: PollFailed, ErrorKind: upstream.KindPermanent, Message: msg}, nil
	case "expired", "not_found":
		return PollResult{Status: PollExpired, Message: "任务句柄已失效"}, nil
	default:
		return PollResult{Status: PollRunning}, nil
	}
}

const defaultEditsTemplate = `{"model":"nano-banana","prompt":"{{prompt}}","aspect_ratio":"{{aspect_ratio}}","response_format":"url"}`

// nanoBananaEdits 同步接口，multipart 上传输入图；模板的顶层字段逐个写成表单字段。
type nanoBananaEdits struct{}

func (nanoBananaEdits) Async() bool { return false }

func (nanoBananaEdits) BuildDraw(p store.APIProviderConfig, t store.APITemplate, in Input) (upstream.Request, error) {
	endpoint, err := requireEndpoint(p.DrawEndpoint, "draw_endpoint")
	if err != nil {
		return upstream.Request{}, err
	}
	if len(in.Image) == 0 {
		return upstream.Request{}, permanent("缺少输入图片")
	}
	tpl := t.RequestBodyTemplate
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultEditsTemplate
	}
	fields, err := FillTemplate(tpl, in)
	if err != nil {
		return upstream.Request{}, permanent("%v", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	var writeErr error
	gjson.ParseBytes(fields).ForEach(func(k, v gjson.Result) bool {
		if v.String() == "" {
			return true
		}
		writeErr = w.WriteField(k.String(), v.String())
		return writeErr == nil
	})
	if writeErr != nil {
		return upstream.Request{}, permanent("构造表单失败: %v", writeErr)
	}
	name := in.ImageName
	if name == "" {
		name = "image.jpg"
	}
	part, err := w.CreateFormFile("image", name)
	if err != nil {
		return upstream.Request{}, permanent("构造表单失败: %v", err)
	}
	if _, err := part.Write(in.Image); err != nil {
		return upstream.Request{}, permanent("构造表单失败: %v", err)
	}
	if err := w.Close(); err != nil {
		return upstream.Request{}, permanent("构造表单失败: %v", err)
	}
	h := http.Header{}
	h.Set("Content-Type", w.FormDataContentType())
	return upstream.Request{
		Method:    http.MethodPost,
		BaseURL:   p.Host(),
		Path:      endpoint,
		Header:    h,
		Body:      buf.Bytes(),
		BearerKey: p.APIKey,
		Target:    TypeNanoBananaEdits,
	}, nil
}

func (nanoBananaEdits) ParseDraw(body []byte) (DrawResult, error) {
	if !gjson.ValidBytes(body) {
		return DrawResult{}, &upstream.Error{Kind: upstream.KindTransient, Err: fmt.Errorf("响应不是合法 JSON")}
	}
	res := gjson.ParseBytes(body)
	if msg := res.Get("error.message").String(); msg != "" {
		return DrawResult{}, permanent("生成失败: %s", msg)
	}
	for _, path := range []string{"data.0.url", "data.data.0.url", "data.data.data.0.url"} {
		if u := res.Get(path).String(); u != "" {
			return DrawResult{ImageURL: u}, nil
		}
	}
	if b64 := res.Get("data.0.b64_json").String(); b64 != "" {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return DrawResult{}, permanent("解码图片失败: %v", err)
		}
		return DrawResult{ImageData: raw}, nil
	}
	return DrawResult{}, permanent("响应中没有图片")
}

func (nanoBananaEdits) BuildPoll(store.APIProviderConfig, store.APITemplate, string) (upstream.Request, error) {
	return upstream.Request{}, permanent("同步服务商不支持轮询")
}

func (nanoBananaEdits) ParsePoll([]byte) (PollResult, error) {
	return PollResult{}, permanent("同步服务商不支持轮询")
}

func quote(s string) string {
	return `"` + jsonEscape(s) + `"`
}

func looksExpired(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not found") || strings.Contains(m, "not exist") || strings.Contains(m, "expired") ||
		strings.Contains(msg, "不存在") || strings.Contains(msg, "过期")
}
