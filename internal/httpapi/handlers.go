// Package httpapi exposes the device, administrator and operational HTTP
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"c19x.org/internal/auth"
	"c19x.org/internal/control"
	"c19x.org/internal/ids"
	"c19x.org/internal/logging"
	"c19x.org/internal/obs"
	"c19x.org/internal/publish"
	"c19x.org/internal/registry"
)

// Registry is the device store used by the client endpoints.
type Registry interface {
	Register(ctx context.Context) (registry.Registration, error)
	SharedSecret(ctx context.Context, serial string) ([]byte, error)
	SetStatus(ctx context.Context, serial, status string) error
	SetPattern(ctx context.Context, serial, pattern string) error
	Message(ctx context.Context, serial string) (string, error)
	Touch(ctx context.Context, serial string) error
}

// Snapshots serves the published infection data.
type Snapshots interface {
	Current() (publish.Snapshot, error)
	Lookup(code int64) (bool, error)
}

// Sessions manages administrator sessions.
type Sessions interface {
	Login(ctx context.Context, user, hash string) (auth.Session, error)
	Refresh(ctx context.Context, token string) (auth.Session, bool)
	LogOut(ctx context.Context, token string) (auth.Session, bool)
	ChangePassword(ctx context.Context, user, oldHash, newHash string) error
}

// Controller executes administrative commands.
type Controller interface {
	Execute(ctx context.Context, token, command string, args url.Values) (control.Result, error)
}

// Pinger reports storage reachability for /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the API. Log, Now and Ready are optional.
type Deps struct {
	Registry   Registry
	Snapshots  Snapshots
	Parameters publish.ParameterSource
	Sessions   Sessions
	Control    Controller
	Ready      Pinger
	Log        logging.Logger
	Now        func() time.Time
	Version    string

	RateBurst     int
	RatePerSecond int

	// SessionWriteTimeout replaces the server write deadline on
	// /admin/session, where a failed login is delayed by the backoff. Zero
	// removes the deadline for those requests.
	SessionWriteTimeout time.Duration
}

// API is the HTTP layer.
type API struct {
	mux  *http.ServeMux
	deps Deps
	log  logging.Logger
	now  func() time.Time

	rateBurst  int
	ratePerSec int
}

const maxBodyBytes = 1 << 16

func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		deps:       d,
		log:        d.Log,
		now:        d.Now,
		rateBurst:  d.RateBurst,
		ratePerSec: d.RatePerSecond,
	}
	if a.log == nil {
		a.log = logging.Nop{}
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}

	// device endpoints
	a.mux.HandleFunc("/registration", a.handleRegistration)
	a.mux.HandleFunc("/status", a.handleStatus)
	a.mux.HandleFunc("/message", a.handleMessage)
	a.mux.HandleFunc("/infectionData", a.handleInfectionData)
	a.mux.HandleFunc("/lookup", a.handleLookup)
	a.mux.HandleFunc("/parameters", a.handleParameters)
	a.mux.HandleFunc("/time", a.handleTime)

	// administration
	a.mux.Handle("/admin/control", CORS(http.HandlerFunc(a.handleControl)))
	a.mux.Handle("/admin/session", CORS(http.HandlerFunc(a.handleSession)))

	// health, readiness and metrics
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return a
}

// Handler wraps the routes with metrics, request ids, logging, rate
// limiting and body limits.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = SecurityHeaders(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = Logging(h, a.log)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "c19x-server",
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		if err := a.deps.Ready.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	if _, err := a.deps.Snapshots.Current(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// writeClientError answers device endpoints, which only understand plain
// text.
func writeClientError(w http.ResponseWriter, code int, msg string) {
	writeText(w, code, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := ids.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet)
		return false
	}
	return true
}
