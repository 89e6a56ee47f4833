package aiprovider

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrInvalidTemplate = errors.New("请求模板不是合法 JSON")

const (
	placeholderImageURL    = "{{image_url}}"
	placeholderImageBase64 = "{{image_base64}}"
	placeholderPrompt      = "{{prompt}}"
	placeholderAspectRatio = "{{aspect_ratio}}"
)

// FillTemplate 对模板做占位符替换。占位符必须出现在 JSON 字符串内部，替换值会按 JSON 字符串转义。
func FillTemplate(tpl string, in Input) ([]byte, error) {
	tpl = strings.TrimSpace(tpl)
	if tpl == "" {
		return nil, ErrInvalidTemplate
	}
	r := strings.NewReplacer(
		placeholderImageURL, jsonEscape(in.ImageURL),
		placeholderImageBase64, base64.StdEncoding.EncodeToString(in.Image),
		placeholderPrompt, jsonEscape(in.Prompt),
		placeholderAspectRatio, jsonEscape(in.AspectRatio),
	)
	out := r.Replace(tpl)
	if !gjson.Valid(out) {
		return nil, ErrInvalidTemplate
	}
	return []byte(out), nil
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

// applyNodeMapping 把 node_mapping（[{nodeId, fieldName, source, value}]）渲染进 nodeInfoList。
//
// source 取 image_url / prompt / aspect_ratio；其它取值使用 value 原样写入。
func applyNodeMapping(body []byte, mapping string, in Input) ([]byte, error) {
	mapping = strings.TrimSpace(mapping)
	if mapping == "" {
		return body, nil
	}
	if !gjson.Valid(mapping) || !gjson.Parse(mapping).IsArray() {
		return nil, permanent("node_mapping 必须是 JSON 数组")
	}
	out, err := sjson.SetBytes(body, "nodeInfoList", []any{})
	if err != nil {
		return nil, err
	}
	var setErr error
	gjson.Parse(mapping).ForEach(func(_, item gjson.Result) bool {
		nodeID := item.Get("nodeId").String()
		field := item.Get("fieldName").String()
		if nodeID == "" || field == "" {
			setErr = permanent("node_mapping 缺少 nodeId 或 fieldName")
			return false
		}
		var value any
		switch item.Get("source").String() {
		case "image_url":
			value = in.ImageURL
		case "prompt":
			value = in.Prompt
		case "aspect_ratio":
			value = in.AspectRatio
		default:
			value = item.Get("value").Value()
		}
		out, setErr = sjson.SetBytes(out, "nodeInfoList.-1", map[string]any{
			"nodeId":     nodeID,
			"fieldName":  field,
			"fieldValue": value,
		})
		return setErr == nil
	})
	if setErr != nil {
		return nil, setErr
	}
	return out, nil
}
