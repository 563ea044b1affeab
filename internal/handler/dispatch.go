package handler

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	accterrors "github.com/devrev/pairdb/account-server/internal/errors"
	"github.com/devrev/pairdb/account-server/internal/metrics"
	"github.com/devrev/pairdb/account-server/internal/middleware"
	"github.com/devrev/pairdb/account-server/internal/validation"
)

// ReplicationMode restricts which verbs a server answers
type ReplicationMode int

const (
	// ReplicationUnspecified serves every public verb
	ReplicationUnspecified ReplicationMode = iota
	// ReplicationOnly serves only replication verbs
	ReplicationOnly
	// NormalOnly serves only client verbs
	NormalOnly
)

func (m ReplicationMode) String() string {
	switch m {
	case ReplicationOnly:
		return "replication"
	case NormalOnly:
		return "normal"
	default:
		return "unspecified"
	}
}

// ParseReplicationMode reads the replication_server setting: empty means
// unspecified, a true value means replication only and a false value means
// normal only
func ParseReplicationMode(s string) (ReplicationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ReplicationUnspecified, nil
	case "true", "1", "yes", "on", "t", "y":
		return ReplicationOnly, nil
	case "false", "0", "no", "off", "f", "n":
		return NormalOnly, nil
	default:
		return ReplicationUnspecified, fmt.Errorf("invalid replication server value %q", s)
	}
}

// allows reports whether a verb with the given replication flag may run
func (m ReplicationMode) allows(replication bool) bool {
	switch m {
	case ReplicationOnly:
		return replication
	case NormalOnly:
		return !replication
	default:
		return true
	}
}

type verbFunc func(r *http.Request) (*Response, error)

// verb is one entry of the dispatch table
type verb struct {
	handle      verbFunc
	public      bool
	replication bool
}

// Dispatcher routes requests to the account handler by method
type Dispatcher struct {
	verbs   map[string]verb
	mode    ReplicationMode
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDispatcher builds the verb table for h. m may be nil.
func NewDispatcher(h *AccountHandler, mode ReplicationMode, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		verbs: map[string]verb{
			http.MethodDelete: {handle: h.Delete, public: true},
			http.MethodPut:    {handle: h.Put, public: true},
			http.MethodHead:   {handle: h.Head, public: true},
			http.MethodGet:    {handle: h.Get, public: true},
			http.MethodPost:   {handle: h.Post, public: true},
			"REPLICATE":       {handle: h.Replicate, public: true, replication: true},
		},
		mode:    mode,
		metrics: m,
		logger:  logger,
	}
}

// ServeHTTP implements http.Handler
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if d.metrics != nil {
		d.metrics.RequestsInFlight.Inc()
		defer d.metrics.RequestsInFlight.Dec()
	}

	resp := d.dispatch(r)
	d.write(w, r, resp)

	duration := time.Since(start)
	d.accessLog(r, resp, duration)
	if d.metrics != nil {
		d.metrics.ObserveRequest(r.Method, resp.Status, duration)
	}
}

func (d *Dispatcher) dispatch(r *http.Request) *Response {
	if !validation.CheckUTF8(r.URL.Path) {
		return errorResponse(accterrors.InvalidUTF8(r.URL.Path))
	}

	v, ok := d.verbs[r.Method]
	if !ok || !v.public || !d.mode.allows(v.replication) {
		return errorResponse(accterrors.MethodNotAllowed(r.Method))
	}

	return d.invoke(r, v.handle)
}

// invoke runs a verb handler. Errors and panics become a 500 whose detail
// is only logged.
func (d *Dispatcher) invoke(r *http.Request, handle verbFunc) (resp *Response) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("Request handler panicked",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			resp = errorResponse(accterrors.InternalError("panic", nil))
		}
	}()

	resp, err := handle(r)
	if err != nil {
		ae, ok := accterrors.AsAccountError(err)
		if !ok {
			ae = accterrors.InternalError("unexpected error", err)
		}
		if ae.HTTPStatus() >= http.StatusInternalServerError {
			d.logger.Error("Request failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ae.HTTPStatus()),
				zap.Error(err))
		}
		return errorResponse(ae)
	}
	if resp == nil {
		return errorResponse(accterrors.InternalError("no response", nil))
	}
	return resp
}

func (d *Dispatcher) write(w http.ResponseWriter, r *http.Request, resp *Response) {
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	if resp.Status != http.StatusNoContent {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead && len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			d.logger.Debug("Failed to write response body", zap.Error(err))
		}
	}
}

func (d *Dispatcher) accessLog(r *http.Request, resp *Response, duration time.Duration) {
	transID := r.Header.Get(middleware.TransIDHeader)
	if transID == "" {
		transID = middleware.GetTransID(r.Context())
	}
	contentLength := "-"
	if len(resp.Body) > 0 {
		contentLength = strconv.Itoa(len(resp.Body))
	}

	fields := []zap.Field{
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", resp.Status),
		zap.String("content_length", contentLength),
		zap.String("trans_id", transID),
		zap.String("referer", r.Referer()),
		zap.String("user_agent", r.UserAgent()),
		zap.Duration("duration", duration),
	}
	if strings.EqualFold(r.Method, "REPLICATE") {
		d.logger.Debug("Request served", fields...)
		return
	}
	d.logger.Info("Request served", fields...)
}
