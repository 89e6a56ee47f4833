package aitask

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// logEntry 是 processing_log 中的一行，按时间追加，永不改写。
type logEntry struct {
	Attempt       int    `json:"attempt"`
	Phase         string `json:"phase"`
	ProviderID    int64  `json:"provider_id"`
	TemplateID    int64  `json:"template_id,omitempty"`
	RequestDigest string `json:"request_digest,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	ExternalID    string `json:"external_id,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
	Message       string `json:"message,omitempty"`
	At            string `json:"at"`
}

const (
	phaseSelect     = "select"
	phaseDraw       = "draw"
	phaseDispatched = "dispatched"
	phasePoll       = "poll"
	phaseSucceeded  = "succeeded"
	phaseFailed     = "failed"
	phaseFailover   = "failover"
	phaseManual     = "manual_retry"
)

func appendLog(log string, e logEntry, now time.Time) string {
	if !gjson.Valid(log) || !gjson.Parse(log).IsArray() {
		log = "[]"
	}
	e.At = now.UTC().Format(time.RFC3339)
	out, err := sjson.Set(log, "-1", e)
	if err != nil {
		return log
	}
	return out
}

// triedProviders 汇总日志里出现过的服务商。
func triedProviders(log string) map[int64]struct{} {
	tried := make(map[int64]struct{})
	gjson.Get(log, "#.provider_id").ForEach(func(_, v gjson.Result) bool {
		if id := v.Int(); id > 0 {
			tried[id] = struct{}{}
		}
		return true
	})
	return tried
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8])
}
