package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/svcd/internal/config"
	"github.com/loykin/svcd/internal/logsink"
	"github.com/loykin/svcd/internal/procfind"
	"github.com/loykin/svcd/internal/registry"
	"github.com/loykin/svcd/internal/service"
)

const (
	// NextOffsetHeader carries the cursor for the next log read.
	NextOffsetHeader = "X-Next-Offset"

	maxLogChunk    = 1 << 20
	maxRecordBody  = 1 << 20
	defaultHistory = 50
	maxHistory     = 1000
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type pidResp struct {
	PID int `json:"pid"`
}

type stopResp struct {
	Result service.StopResult `json:"result"`
}

type statusResp struct {
	service.Status
	Text string `json:"text"`
}

type reloadResp struct {
	Errors []string `json:"errors"`
}

// BatchResult is one line of a batch start or stop.
type BatchResult struct {
	Name   string `json:"name"`
	PID    int    `json:"pid,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type testStartReq struct {
	Cmd string `json:"cmd"`
	Cwd string `json:"cwd"`
}

func (r *Router) requireName(c *gin.Context) {
	if !isSafeName(c.Param("name")) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name: allowed [A-Za-z0-9._-] and no '..'"})
		c.Abort()
		return
	}
	c.Next()
}

// lookup resolves :name or writes the error response.
func (r *Router) lookup(c *gin.Context) (*service.Service, bool) {
	svc, err := r.reg.Get(c.Param("name"))
	if err != nil {
		r.fail(c, err)
		return nil, false
	}
	return svc, true
}

// fail maps err to a status code and writes it.
func (r *Router) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.log.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyRunning), errors.Is(err, service.ErrLogBusy):
		return http.StatusConflict
	case errors.Is(err, service.ErrSpawn):
		return http.StatusUnprocessableEntity
	case errors.Is(err, config.ErrConfig):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.reg.List())
}

func (r *Router) handleGet(c *gin.Context) {
	svc, ok := r.lookup(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, registry.EntryOf(svc))
}

func (r *Router) handlePut(c *gin.Context) {
	name := c.Param("name")
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxRecordBody))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
		return
	}
	rec, err := config.ParseRecord(name, body)
	if err != nil {
		r.fail(c, err)
		return
	}
	if !isSafeAbsPath(rec.Dir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid cwd: must be absolute path without traversal"})
		return
	}
	svc, err := r.reg.Update(name, rec)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, registry.EntryOf(svc))
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.reg.Delete(c.Param("name")); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	svc, ok := r.lookup(c)
	if !ok {
		return
	}
	pid, err := svc.Start()
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pidResp{PID: pid})
}

func (r *Router) handleStop(c *gin.Context) {
	svc, ok := r.lookup(c)
	if !ok {
		return
	}
	res, err := svc.Stop()
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, stopResp{Result: res})
}

func (r *Router) handleRestart(c *gin.Context) {
	svc, ok := r.lookup(c)
	if !ok {
		return
	}
	pid, err := svc.Restart()
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pidResp{PID: pid})
}

func (r *Router) handleStatus(c *gin.Context) {
	svc, ok := r.lookup(c)
	if !ok {
		return
	}
	st := svc.Status()
	writeJSON(c, http.StatusOK, statusResp{Status: st, Text: st.String()})
}

func (r *Router) handleLog(c *gin.Context) {
	offset, err := int64Query(c, "offset", 0)
	if err != nil || offset < 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid offset"})
		return
	}
	limit, err := int64Query(c, "max", maxLogChunk)
	if err != nil || limit <= 0 || limit > maxLogChunk {
		limit = maxLogChunk
	}
	svc, ok := r.lookup(c)
	if !ok {
		return
	}
	// One extra byte tells whether the chunk ends before the log does.
	b, _, err := svc.TailLogChunk(offset, limit+1)
	if err != nil {
		r.fail(c, err)
		return
	}
	more := int64(len(b)) > limit
	if more {
		b = b[:limit]
	}
	b = logsink.TrimChunk(b, more)
	c.Header(NextOffsetHeader, strconv.FormatInt(offset+int64(len(b)), 10))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(logsink.Decode(b)))
}

func (r *Router) handleClearLog(c *gin.Context) {
	svc, ok := r.lookup(c)
	if !ok {
		return
	}
	if err := svc.ClearLog(); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "history is not enabled"})
		return
	}
	limit, err := int64Query(c, "limit", defaultHistory)
	if err != nil || limit <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
		return
	}
	if limit > maxHistory {
		limit = maxHistory
	}
	events, err := r.history.Recent(c.Request.Context(), c.Param("name"), int(limit))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, nonNil(events))
}

func (r *Router) handleResources(c *gin.Context) {
	if r.sampler == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "resource sampling is not enabled"})
		return
	}
	svc, ok := r.lookup(c)
	if !ok {
		return
	}
	u, found := r.sampler.Latest(svc.Name())
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no sample for " + svc.Name()})
		return
	}
	writeJSON(c, http.StatusOK, u)
}

func (r *Router) handleReload(c *gin.Context) {
	err := r.reg.Reload(c.Request.Context())
	msgs := []string{}
	for _, e := range flatten(err) {
		msgs = append(msgs, e.Error())
	}
	writeJSON(c, http.StatusOK, reloadResp{Errors: msgs})
}

func (r *Router) handleBatchStart(c *gin.Context) {
	r.batch(c, func(svc *service.Service, out *BatchResult) error {
		pid, err := svc.Start()
		if err == nil {
			out.PID, out.Result = pid, "started"
		}
		return err
	})
}

func (r *Router) handleBatchStop(c *gin.Context) {
	r.batch(c, func(svc *service.Service, out *BatchResult) error {
		res, err := svc.Stop()
		if err == nil {
			out.Result = res.String()
		}
		return err
	})
}

// batch runs op for every name in the name query, in order. Failures are
// reported per name; the response is 200 whenever the query is valid.
func (r *Router) batch(c *gin.Context, op func(*service.Service, *BatchResult) error) {
	names := splitList(c.Query("name"))
	if len(names) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	out := make([]BatchResult, 0, len(names))
	for _, n := range names {
		res := BatchResult{Name: n}
		svc, err := r.reg.Get(n)
		if err == nil {
			err = op(svc, &res)
		}
		if err != nil {
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleTestStart(c *gin.Context) {
	var req testStartReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeAbsPath(req.Cwd) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid cwd: must be absolute path without traversal"})
		return
	}
	pid, err := r.reg.TestStart(req.Cmd, req.Cwd)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pidResp{PID: pid})
}

func (r *Router) handleFindProcesses(c *gin.Context) {
	found, err := procfind.Find(c.Request.Context(), c.Query("cmd"))
	if err != nil {
		if errors.Is(err, procfind.ErrEmptyQuery) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "cmd query param required"})
			return
		}
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, nonNil(found))
}

func (r *Router) handleTerminate(c *gin.Context) {
	pids, err := procfind.ParsePIDs(c.Query("pid"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, procfind.Terminate(c.Request.Context(), pids))
}

func int64Query(c *gin.Context, key string, def int64) (int64, error) {
	s := strings.TrimSpace(c.Query(key))
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
