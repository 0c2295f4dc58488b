package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/internal/task"
)

// handleSubmitTrigger 提交异步触发，返回 202 与任务。
func (s *Server) handleSubmitTrigger(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTrigger(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorMessage(err))
		return
	}
	t, err := s.tasks.Submit(r.Context(), task.SubmitRequest{ID: req.ID, Trigger: req.Trigger, Source: task.SourceAPI})
	if err != nil {
		status := http.StatusInternalServerError
		if xerrors.HasCode(err, task.CodeTaskValidation) {
			status = http.StatusBadRequest
		}
		writeCodedError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleTriggerDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "缺少任务 ID")
		return
	}
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			writeCodedError(w, http.StatusNotFound, err)
			return
		}
		writeCodedError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeCodedError(w, http.StatusInternalServerError, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTriggerStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeCodedError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseListOptions 解析 status、source、limit、offset、since、until、
// has_result、order 与 q 查询参数。
func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, errors.New("limit 必须为正整数")
		}
		opts = append(opts, task.WithLimit(n))
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, errors.New("offset 必须为非负整数")
		}
		opts = append(opts, task.WithOffset(n))
	}
	if statuses := splitValues(q["status"]); len(statuses) > 0 {
		parsed := make([]task.Status, 0, len(statuses))
		for _, raw := range statuses {
			st := task.Status(strings.ToLower(raw))
			if !task.IsValidStatus(st) {
				return nil, errors.New("未知的任务状态: " + raw)
			}
			parsed = append(parsed, st)
		}
		opts = append(opts, task.WithStatuses(parsed...))
	}
	if sources := splitValues(q["source"]); len(sources) > 0 {
		parsed := make([]task.Source, 0, len(sources))
		for _, raw := range sources {
			parsed = append(parsed, task.Source(strings.ToLower(raw)))
		}
		opts = append(opts, task.WithSources(parsed...))
	}
	for key, apply := range map[string]func(time.Time) task.ListOption{
		"since": task.WithUpdatedSince,
		"until": task.WithUpdatedUntil,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := parseTime(raw)
		if err != nil {
			return nil, errors.New(key + " 必须为 RFC3339 时间或 Unix 秒")
		}
		opts = append(opts, apply(ts))
	}
	if raw := q.Get("has_result"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("has_result 必须为布尔值")
		}
		opts = append(opts, task.WithResultPresence(b))
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, errors.New("order 只支持 asc 或 desc")
	}
	if query := strings.TrimSpace(q.Get("q")); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	return opts, nil
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseTime(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}
