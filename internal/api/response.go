package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/internal/trigger"
)

const maxBodyBytes = 1 << 20

// failure 是同步接口失败时的响应体。
type failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, failure{Success: false, Error: msg})
}

func writeCodedError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, failure{Success: false, Error: errorMessage(err), Code: string(xerrors.CodeOf(err))})
}

// errorMessage 优先返回统一错误的消息文本。
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	if coded, ok := xerrors.From(err); ok && coded.Message() != "" {
		return coded.Message()
	}
	return err.Error()
}

// triggerRequest 是请求体中的触发事件，可附带幂等 ID。
type triggerRequest struct {
	ID string `json:"id,omitempty"`
	trigger.Trigger
}

func decodeTrigger(r io.Reader) (triggerRequest, error) {
	var req triggerRequest
	dec := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, errors.New("请求体为空")
		}
		return req, fmt.Errorf("请求体解析失败: %w", err)
	}
	req.Trigger = req.Trigger.Normalize()
	if err := req.Trigger.Validate(); err != nil {
		return req, err
	}
	return req, nil
}
