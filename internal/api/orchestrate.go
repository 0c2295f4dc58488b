package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"Sentinel-Protocol/internal/event"
	"Sentinel-Protocol/internal/orchestrator"
	"Sentinel-Protocol/internal/trigger"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleOrchestrate 同步执行一次编排。授权返回 200 与动作，
// 修订耗尽返回 403，其余失败返回 500。
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTrigger(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorMessage(err))
		return
	}

	result, runErr := s.runner.Run(r.Context(), req.Trigger, nil)
	switch {
	case result != nil && result.Authorized():
		writeJSON(w, http.StatusOK, result.Action)
	case result != nil && result.State == orchestrator.StateExhausted:
		writeCodedError(w, http.StatusForbidden, result.Err())
	default:
		if runErr == nil && result != nil {
			runErr = result.Err()
		}
		if runErr == nil {
			runErr = fmt.Errorf("编排未返回结果")
		}
		s.logger.Warn("同步编排失败", slog.Any("error", runErr))
		writeCodedError(w, http.StatusInternalServerError, runErr)
	}
}

// streamSink 记录是否已经转发终止事件。
type streamSink struct {
	write    func(event.Event) error
	mu       sync.Mutex
	terminal bool
	err      error
}

func (s *streamSink) Emit(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal || s.err != nil {
		return
	}
	if err := s.write(e); err != nil {
		s.err = err
		return
	}
	if e.Type.Terminal() {
		s.terminal = true
	}
}

// finish 在编排没有产生终止事件时补发错误事件。
func (s *streamSink) finish(result *orchestrator.Result, runErr error) {
	s.mu.Lock()
	done := s.terminal || s.err != nil
	s.mu.Unlock()
	if done {
		return
	}
	if runErr == nil && result != nil {
		runErr = result.Err()
	}
	msg := "Run ended without a result."
	if runErr != nil {
		msg = errorMessage(runErr)
	}
	s.Emit(event.Event{Type: event.TypeError, Message: msg, Time: time.Now()})
}

// handleStream 以 Server-Sent Events 推送进度事件，终止事件后立即结束响应。
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "当前连接不支持流式输出")
		return
	}
	req, err := decodeTrigger(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorMessage(err))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &streamSink{write: func(e event.Event) error {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}}
	result, runErr := s.runner.Run(r.Context(), req.Trigger, sink)
	sink.finish(result, runErr)
}

// handleWebSocket 读取第一条消息作为触发事件，以文本帧推送进度事件，
// 终止事件后发送正常关闭帧。客户端断开会取消编排。
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket 升级失败", slog.Any("error", err))
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(wsHandshakeTimeout))
	var req triggerRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.closeWebSocket(conn, websocket.CloseUnsupportedData, "invalid trigger")
		return
	}
	trig := req.Trigger.Normalize()
	if err := trig.Validate(); err != nil {
		s.closeWebSocket(conn, websocket.CloseUnsupportedData, errorMessage(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// 之后的读取只用于感知断开。
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	s.runWebSocket(ctx, conn, trig)
	s.closeWebSocket(conn, websocket.CloseNormalClosure, "run finished")
}

func (s *Server) runWebSocket(ctx context.Context, conn *websocket.Conn, trig trigger.Trigger) {
	sink := &streamSink{write: func(e event.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(e)
	}}
	result, runErr := s.runner.Run(ctx, trig, sink)
	sink.finish(result, runErr)
}

func (s *Server) closeWebSocket(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}
