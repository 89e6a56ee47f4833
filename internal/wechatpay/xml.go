// Package wechatpay 实现微信支付 v2 的 MD5 签名、XML 报文、统一下单与支付结果通知。
package wechatpay

import (
	"bytes"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Params 是扁平的 XML 报文字段。
type Params map[string]string

// Sign 按字段名排序、跳过空值与 sign 字段，拼接 &key= 后取 MD5 大写。
func Sign(p Params, apiKey string) string {
	keys := make([]string, 0, len(p))
	for k, v := range p {
		if k == "sign" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
	}
	b.WriteString("&key=")
	b.WriteString(apiKey)
	sum := md5.Sum([]byte(b.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Verify 重新计算签名并与报文中的 sign 比较。
func Verify(p Params, apiKey string) bool {
	got := p["sign"]
	if got == "" || apiKey == "" {
		return false
	}
	want := Sign(p, apiKey)
	return subtle.ConstantTimeCompare([]byte(strings.ToUpper(got)), []byte(want)) == 1
}

// ParseXML 解析 <xml><k>v</k>...</xml>，只取第一层字段。
func ParseXML(raw []byte) (Params, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	out := Params{}
	depth := 0
	var key string
	var val strings.Builder
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("解析 XML 失败: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				key = t.Name.Local
				val.Reset()
			}
		case xml.CharData:
			if depth == 2 {
				val.Write(t)
			}
		case xml.EndElement:
			if depth == 2 {
				out[key] = strings.TrimSpace(val.String())
			}
			depth--
		}
	}
	if len(out) == 0 {
		return nil, errors.New("XML 报文为空")
	}
	return out, nil
}

// EncodeXML 按字段名排序输出，值统一放在 CDATA 里。
func EncodeXML(p Params) []byte {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b bytes.Buffer
	b.WriteString("<xml>")
	for _, k := range keys {
		v := strings.ReplaceAll(p[k], "]]>", "]]]]><![CDATA[>")
		fmt.Fprintf(&b, "<%s><![CDATA[%s]]></%s>", k, v, k)
	}
	b.WriteString("</xml>")
	return b.Bytes()
}

// NotifyReply 生成支付通知的应答报文。
func NotifyReply(ok bool, msg string) []byte {
	code := "FAIL"
	if ok {
		code = "SUCCESS"
		if msg == "" {
			msg = "OK"
		}
	}
	return EncodeXML(Params{"return_code": code, "return_msg": msg})
}
