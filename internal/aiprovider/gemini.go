package aiprovider

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"petstudio/internal/store"
	"petstudio/internal/upstream"
)

const defaultGeminiTemplate = `{"contents":[{"parts":[{"text":"{{prompt}}"},{"inline_data":{"mime_type":"image/jpeg","data":"{{image_base64}}"}}]}],"generationConfig":{"responseModalities":["IMAGE"],"imageConfig":{"aspectRatio":"{{aspect_ratio}}"}}}`

type geminiNative struct{}

func (geminiNative) Async() bool { return false }

func (geminiNative) BuildDraw(p store.APIProviderConfig, t store.APITemplate, in Input) (upstream.Request, error) {
	endpoint, err := requireEndpoint(p.DrawEndpoint, "draw_endpoint")
	if err != nil {
		return upstream.Request{}, err
	}
	if len(in.Image) == 0 {
		return upstream.Request{}, permanent("缺少输入图片")
	}
	tpl := t.RequestBodyTemplate
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultGeminiTemplate
	}
	body, err := FillTemplate(tpl, in)
	if err != nil {
		return upstream.Request{}, permanent("%v", err)
	}
	if strings.TrimSpace(in.AspectRatio) == "" {
		body, err = sjson.DeleteBytes(body, "generationConfig.imageConfig")
		if err != nil {
			return upstream.Request{}, permanent("%v", err)
		}
	}

	req := upstream.Request{
		Method:  http.MethodPost,
		BaseURL: p.Host(),
		Path:    endpoint,
		Body:    body,
		Target:  TypeGeminiNative,
	}
	// Google 官方地址使用 x-goog-api-key，中转地址使用 Bearer。
	if strings.Contains(strings.ToLower(p.Host()), "googleapis.com") {
		req.Header = http.Header{}
		req.Header.Set("x-goog-api-key", p.APIKey)
	} else {
		req.BearerKey = p.APIKey
	}
	return req, nil
}

func (geminiNative) ParseDraw(body []byte) (DrawResult, error) {
	if !gjson.ValidBytes(body) {
		return DrawResult{}, &upstream.Error{Kind: upstream.KindTransient, Err: fmt.Errorf("响应不是合法 JSON")}
	}
	res := gjson.ParseBytes(body)
	var data string
	res.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		data = part.Get("inlineData.data").String()
		if data == "" {
			data = part.Get("inline_data.data").String()
		}
		return data == ""
	})
	if data == "" {
		if reason := res.Get("promptFeedback.blockReason").String(); reason != "" {
			return DrawResult{}, permanent("内容被拦截: %s", reason)
		}
		if reason := res.Get("candidates.0.finishReason").String(); reason != "" && reason != "STOP" {
			return DrawResult{}, permanent("生成中止: %s", reason)
		}
		return DrawResult{}, permanent("响应中没有图片")
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return DrawResult{}, permanent("解码图片失败: %v", err)
	}
	return DrawResult{ImageData: raw}, nil
}

func (geminiNative) BuildPoll(store.APIProviderConfig, store.APITemplate, string) (upstream.Request, error) {
	return upstream.Request{}, permanent("同步服务商不支持轮询")
}

func (geminiNative) ParsePoll([]byte) (PollResult, error) {
	return PollResult{}, permanent("同步服务商不支持轮询")
}
