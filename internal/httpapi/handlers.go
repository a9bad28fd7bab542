package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"salescall-platform/internal/audit"
	"salescall-platform/internal/calls"
	"salescall-platform/internal/correlation"
	"salescall-platform/internal/dispatch"
	"salescall-platform/internal/reporting"
	"salescall-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls      CallReader
	Dispatcher Dispatcher
	Engine     Correlator
	Reporting  *reporting.Service
	Audit      *audit.Service

	// AllowTestCallback enables POST /v1/calls/:id/test-callback.
	AllowTestCallback bool

	// MaxCallbackBytes caps callback bodies. Default 10 MiB.
	MaxCallbackBytes int64
}

type CallReader interface {
	Get(ctx context.Context, id int64) (calls.Call, error)
	List(ctx context.Context, f calls.ListFilter) ([]calls.Call, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, meta calls.Metadata, ref string) (int64, error)
}

type Correlator interface {
	OnCallback(ctx context.Context, id int64, raw []byte) (correlation.Outcome, error)
}

const defaultMaxCallbackBytes = 10 << 20

// --- Calls ---

type createCallRequest struct {
	Title             string    `json:"callTitle"`
	CallDateTime      time.Time `json:"callDateTime"`
	RecordingFilePath string    `json:"recordingFilePath"`
	Direction         string    `json:"callDirection"`
	FileSize          int64     `json:"fileSize"`
	FileType          string    `json:"fileType"`
	CompanyName       string    `json:"companyName"`
	ContactID         int64     `json:"contactId"`
	UserID            int64     `json:"userId"`
	OrderID           int64     `json:"orderId"`
}

func (r createCallRequest) metadata() calls.Metadata {
	when := r.CallDateTime
	if when.IsZero() {
		when = time.Now().UTC()
	}
	return calls.Metadata{
		Title:             strings.TrimSpace(r.Title),
		CallDateTime:      when,
		RecordingFilePath: strings.TrimSpace(r.RecordingFilePath),
		Direction:         calls.CallDirection(strings.ToUpper(strings.TrimSpace(r.Direction))),
		FileSize:          r.FileSize,
		FileType:          r.FileType,
		CompanyName:       r.CompanyName,
		ContactID:         r.ContactID,
		UserID:            r.UserID,
		OrderID:           r.OrderID,
	}
}

// CreateCall registers the call and starts its analysis. The response does
// not wait for the workflow.
func (h Handlers) CreateCall(c *gin.Context) {
	if h.Dispatcher == nil || h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatcher not configured"})
		return
	}
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	meta := req.metadata()

	id, err := h.Dispatcher.Dispatch(c.Request.Context(), meta, meta.RecordingFilePath)
	switch {
	case errors.Is(err, calls.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callTitle (2-200 chars), recordingFilePath and callDirection (INCOMING|OUTGOING) are required"})
		return
	case errors.Is(err, dispatch.ErrArtifactNotFound):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "recording not found", "callId": id})
		return
	case err != nil:
		logger.FromGin(c).Error("create call failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "create call failed"})
		return
	}

	call, err := h.Calls.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{"id": id})
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (h Handlers) GetCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	id, ok := callID(c)
	if !ok {
		return
	}
	call, err := h.Calls.Get(c.Request.Context(), id)
	if errors.Is(err, calls.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("get call failed", "call_id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) ListCalls(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	var f calls.ListFilter
	if v := c.Query("contactId"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid contactId"})
			return
		}
		f.ContactID = n
	}
	if v := c.Query("state"); v != "" {
		f.State = calls.CallState(strings.ToUpper(v))
		if !validState(f.State) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
			return
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		f.Limit = n
	}
	out, err := h.Calls.List(c.Request.Context(), f)
	if err != nil {
		logger.FromGin(c).Error("list calls failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "list calls failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

func (h Handlers) CallEvents(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	id, ok := callID(c)
	if !ok {
		return
	}
	evs, err := h.Audit.History(c.Request.Context(), id)
	if err != nil {
		logger.FromGin(c).Error("audit history failed", "call_id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (h Handlers) Summary(c *gin.Context) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	var req reporting.SummaryRequest
	if v := c.Query("contactId"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid contactId"})
			return
		}
		req.ContactID = n
	}
	for key, dst := range map[string]*time.Time{"from": &req.Range.From, "to": &req.Range.To} {
		if v := c.Query(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
				return
			}
			*dst = t
		}
	}
	out, err := h.Reporting.CallsSummary(c.Request.Context(), req)
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("summary failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Callbacks ---

type callbackResponse struct {
	Applied bool   `json:"applied"`
	CallID  int64  `json:"callId"`
	Outcome string `json:"outcome"`
	Message string `json:"message"`
}

// Callback receives the workflow's result. It is mounted both on the public
// router (the workflow carries no credentials) and under /v1.
func (h Handlers) Callback(c *gin.Context) {
	if h.Engine == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "correlation engine not configured"})
		return
	}
	id, ok := callID(c)
	if !ok {
		return
	}
	limit := h.MaxCallbackBytes
	if limit <= 0 {
		limit = defaultMaxCallbackBytes
	}
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "callback body too large"})
			return
		}
		logger.FromGin(c).Warn("callback body read failed", "call_id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	h.runCallback(c, id, raw)
}

// TestCallback feeds a synthetic array-wrapped result through the engine.
// Disabled in production.
func (h Handlers) TestCallback(c *gin.Context) {
	if !h.AllowTestCallback {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if h.Engine == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "correlation engine not configured"})
		return
	}
	id, ok := callID(c)
	if !ok {
		return
	}
	h.runCallback(c, id, []byte(correlation.TestPayload))
}

func (h Handlers) runCallback(c *gin.Context, id int64, raw []byte) {
	out, err := h.Engine.OnCallback(c.Request.Context(), id, raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "callback storage failure"})
		return
	}
	c.JSON(outcomeStatus(out.Kind), callbackResponse{
		Applied: out.Applied(),
		CallID:  id,
		Outcome: string(out.Kind),
		Message: out.Message,
	})
}

func outcomeStatus(k correlation.Kind) int {
	switch k {
	// The body's applied flag tells a not-dispatched call apart from one
	// that was applied.
	case correlation.KindApplied, correlation.KindAlreadyFinalized, correlation.KindNotDispatched:
		return http.StatusOK
	case correlation.KindUnknownCall:
		return http.StatusNotFound
	case correlation.KindMissingResult:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func callID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid call id"})
		return 0, false
	}
	return id, true
}

func validState(s calls.CallState) bool {
	switch s {
	case calls.StatePending, calls.StateProcessing, calls.StateCompleted, calls.StateFailed, calls.StateExpired:
		return true
	default:
		return false
	}
}
