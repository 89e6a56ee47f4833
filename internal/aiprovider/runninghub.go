package aiprovider

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"petstudio/internal/store"
	"petstudio/internal/upstream"
)

const (
	defaultRunningHubPollEndpoint = "/task/openapi/outputs"
	defaultComfyUITemplate        = `{"nodeInfoList":[]}`
	defaultRHArtEditTemplate      = `{"prompt":"{{prompt}}","imageUrl":"{{image_url}}","aspectRatio":"{{aspect_ratio}}"}`
)

// RunningHub 任务状态码。
const (
	rhCodeOK      = 0
	rhCodeRunning = 804
	rhCodeFailed  = 805
	rhCodeQueued  = 813
)

// runningHub 同时覆盖 ComfyUI 工作流与 rhart 编辑两种接口；apiKey 放在请求体里。
type runningHub struct {
	workflow bool
}

func (r runningHub) target() string {
	if r.workflow {
		return TypeRunningHubComfyUI
	}
	return TypeRunningHubRHArtEdit
}

func (runningHub) Async() bool { return true }

func (r runningHub) BuildDraw(p store.APIProviderConfig, t store.APITemplate, in Input) (upstream.Request, error) {
	endpoint, err := requireEndpoint(p.DrawEndpoint, "draw_endpoint")
	if err != nil {
		return upstream.Request{}, err
	}
	tpl := t.RequestBodyTemplate
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultRHArtEditTemplate
		if r.workflow {
			tpl = defaultComfyUITemplate
		}
	}
	body, err := FillTemplate(tpl, in)
	if err != nil {
		return upstream.Request{}, permanent("%v", err)
	}
	if body, err = applyNodeMapping(body, t.NodeMapping, in); err != nil {
		return upstream.Request{}, err
	}
	if body, err = sjson.SetBytes(body, "apiKey", p.APIKey); err != nil {
		return upstream.Request{}, permanent("%v", err)
	}
	if r.workflow {
		if wf := strings.TrimSpace(t.WorkflowID); wf != "" {
			if body, err = sjson.SetBytes(body, "workflowId", wf); err != nil {
				return upstream.Request{}, permanent("%v", err)
			}
		}
		if gjson.GetBytes(body, "workflowId").String() == "" {
			return upstream.Request{}, permanent("工作流模板缺少 workflowId")
		}
	}
	return upstream.Request{
		Method:  http.MethodPost,
		BaseURL: p.Host(),
		Path:    endpoint,
		Body:    body,
		Target:  r.target(),
	}, nil
}

func (runningHub) ParseDraw(body []byte) (DrawResult, error) {
	if !gjson.ValidBytes(body) {
		return DrawResult{}, &upstream.Error{Kind: upstream.KindTransient, Err: fmt.Errorf("响应不是合法 JSON")}
	}
	res := gjson.ParseBytes(body)
	// 只要拿到 taskId 就认为任务已创建，即使 code 非 0。
	taskID := res.Get("data.taskId").String()
	if taskID == "" {
		taskID = res.Get("taskId").String()
	}
	if taskID != "" {
		return DrawResult{TaskID: taskID}, nil
	}
	return DrawResult{}, permanent("下发失败（code=%d）: %s", res.Get("code").Int(), res.Get("msg").String())
}

func (r runningHub) BuildPoll(p store.APIProviderConfig, _ store.APITemplate, taskID string) (upstream.Request, error) {
	endpoint := strings.TrimSpace(p.ResultEndpoint)
	if endpoint == "" {
		endpoint = defaultRunningHubPollEndpoint
	}
	body := []byte(`{}`)
	var err error
	if body, err = sjson.SetBytes(body, "apiKey", p.APIKey); err != nil {
		return upstream.Request{}, permanent("%v", err)
	}
	if body, err = sjson.SetBytes(body, "taskId", taskID); err != nil {
		return upstream.Request{}, permanent("%v", err)
	}
	return upstream.Request{
		Method:  http.MethodPost,
		BaseURL: p.Host(),
		Path:    endpoint,
		Body:    body,
		Target:  r.target(),
	}, nil
}

func (runningHub) ParsePoll(body []byte) (PollResult, error) {
	if !gjson.ValidBytes(body) {
		return PollResult{}, &upstream.Error{Kind: upstream.KindTransient, Err: fmt.Errorf("响应不是合法 JSON")}
	}
	res := gjson.ParseBytes(body)

	// 新版查询接口：{"status": "...", "results": [...], "errorMessage": "..."}
	if st := res.Get("status"); st.Exists() && !res.Get("code").Exists() {
		return parseRunningHubStatus(strings.ToUpper(st.String()), res.Get("results.0.url").String(), res)
	}

	code := res.Get("code").Int()
	switch code {
	case rhCodeOK:
		data := res.Get("data")
		switch {
		case data.IsArray():
			u := data.Get("0.fileUrl").String()
			if u == "" {
				u = data.Get("0.url").String()
			}
			if u == "" {
				return PollResult{Status: PollRunning}, nil
			}
			return PollResult{Status: PollSucceeded, ImageURL: u}, nil
		case data.IsObject():
			u := data.Get("results.0.url").String()
			if u == "" {
				u = data.Get("results.0.fileUrl").String()
			}
			return parseRunningHubStatus(strings.ToUpper(data.Get("status").String()), u, data)
		case data.Type == gjson.String:
			return parseRunningHubStatus(strings.ToUpper(data.String()), "", res)
		default:
			return PollResult{Status: PollRunning}, nil
		}
	case rhCodeRunning, rhCodeQueued:
		return PollResult{Status: PollRunning}, nil
	case rhCodeFailed:
		msg := res.Get("msg").String()
		if reason := res.Get("data.failedReason.exception_message").String(); reason != "" {
			msg = msg + ": " + reason
		}
		return PollResult{Status: PollFailed, ErrorKind: upstream.KindPermanent, Message: msg}, nil
	default:
		msg := res.Get("msg").String()
		if looksExpired(msg) {
			return PollResult{Status: PollExpired, Message: msg}, nil
		}
		return PollResult{Status: PollFailed, ErrorKind: upstream.KindPermanent, Message: fmt.Sprintf("code=%d %s", code, msg)}, nil
	}
}

func parseRunningHubStatus(status string, url string, res gjson.Result) (PollResult, error) {
	if status == "" && (res.Get("errorCode").String() != "" || res.Get("errorMessage").String() != "") {
		status = "FAILED"
	}
	switch status {
	case "SUCCESS":
		if url == "" {
			return PollResult{Status: PollFailed, ErrorKind: upstream.KindPermanent, Message: "任务成功但缺少产物地址"}, nil
		}
		return PollResult{Status: PollSucceeded, ImageURL: url}, nil
	case "FAILED":
		msg := res.Get("errorMessage").String()
		if msg == "" {
			msg = "任务失败"
		}
		return PollResult{Status: PollFailed, ErrorKind: upstream.KindPermanent, Message: msg}, nil
	default:
		return PollResult{Status: PollRunning}, nil
	}
}
