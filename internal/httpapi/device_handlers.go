package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"c19x.org/internal/cryptox"
	"c19x.org/internal/publish"
	"c19x.org/internal/registry"
)

// timeWindow bounds the clock difference accepted in a device request.
const timeWindow = 150 * time.Second

var (
	errWindow    = errors.New("request time outside window")
	errMalformed = errors.New("malformed request")
)

func (a *API) handleRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}
	reg, err := a.deps.Registry.Register(r.Context())
	if err != nil {
		a.log.Warn(r.Context(), "registration failed", "err", err)
		writeClientError(w, http.StatusServiceUnavailable, "registration unavailable")
		return
	}
	a.log.Debug(r.Context(), "registered device", "serial", reg.Serial)
	writeText(w, http.StatusOK, reg.String())
}

// deviceRequest decrypts the value parameter with the secret of the key
// device and checks the leading time field. It returns the remaining
// fields.
func (a *API) deviceRequest(r *http.Request) (string, []string, error) {
	q := r.URL.Query()
	serial, value := q.Get("key"), q.Get("value")
	if serial == "" || value == "" {
		return "", nil, errMalformed
	}
	secret, err := a.deps.Registry.SharedSecret(r.Context(), serial)
	if err != nil {
		return serial, nil, err
	}
	plain, err := cryptox.Decrypt(secret, value)
	if err != nil {
		return serial, nil, err
	}
	fields := splitBundle(plain)
	ms, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return serial, nil, errMalformed
	}
	skew := a.now().Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew >= timeWindow {
		return serial, nil, errWindow
	}
	return serial, fields[1:], nil
}

// splitBundle splits a decrypted payload on '|', or on ',' for payloads
// without one, into at most time, status and pattern.
func splitBundle(plain string) []string {
	sep := "|"
	if !strings.Contains(plain, sep) {
		sep = ","
	}
	return strings.SplitN(plain, sep, 3)
}

func (a *API) deviceError(w http.ResponseWriter, r *http.Request, serial string, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, errMalformed):
		a.log.Debug(ctx, "malformed device request", "serial", serial)
		writeClientError(w, http.StatusBadRequest, "malformed request")
	case errors.Is(err, registry.ErrNotRegistered),
		errors.Is(err, cryptox.ErrDecrypt),
		errors.Is(err, errWindow):
		a.log.Debug(ctx, "unauthorised device request", "serial", serial, "err", err)
		writeClientError(w, http.StatusUnauthorized, "unauthorised")
	case errors.Is(err, registry.ErrCorruptRecord):
		a.log.Warn(ctx, "device request failed", "serial", serial, "err", err)
		writeClientError(w, http.StatusBadRequest, "bad request")
	default:
		a.log.Warn(ctx, "device request failed", "serial", serial, "err", err)
		writeClientError(w, http.StatusServiceUnavailable, "unavailable")
	}
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	ctx := r.Context()
	serial, fields, err := a.deviceRequest(r)
	if err != nil {
		a.deviceError(w, r, serial, err)
		return
	}
	if len(fields) == 0 || strings.TrimSpace(fields[0]) == "" {
		a.deviceError(w, r, serial, errMalformed)
		return
	}
	status := strings.TrimSpace(fields[0])
	if err := a.deps.Registry.SetStatus(ctx, serial, status); err != nil {
		a.deviceError(w, r, serial, err)
		return
	}
	if len(fields) > 1 {
		if err := a.deps.Registry.SetPattern(ctx, serial, fields[1]); err != nil {
			a.deviceError(w, r, serial, err)
			return
		}
	}
	if err := a.deps.Registry.Touch(ctx, serial); err != nil {
		a.log.Warn(ctx, "touch failed", "serial", serial, "err", err)
	}
	a.log.Debug(ctx, "status updated", "serial", serial, "status", status)
	writeText(w, http.StatusOK, status)
}

func (a *API) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	ctx := r.Context()
	serial, _, err := a.deviceRequest(r)
	if err != nil {
		a.deviceError(w, r, serial, err)
		return
	}
	msg, err := a.deps.Registry.Message(ctx, serial)
	if err != nil {
		a.deviceError(w, r, serial, err)
		return
	}
	if err := a.deps.Registry.Touch(ctx, serial); err != nil {
		a.log.Warn(ctx, "touch failed", "serial", serial, "err", err)
	}
	writeText(w, http.StatusOK, msg)
}

func (a *API) handleInfectionData(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s, err := a.deps.Snapshots.Current()
	if err != nil {
		writeClientError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeSnapshot(w, s)
}

func writeSnapshot(w http.ResponseWriter, s publish.Snapshot) {
	w.Header().Set("Content-Type", s.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = s.WriteTo(w)
}

// handleLookup answers 1 or 0 for a day code against the bitmap snapshot,
// or returns the whole bitmap when no code is given.
func (a *API) handleLookup(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	raw := r.URL.Query().Get("code")
	if raw == "" {
		s, err := a.deps.Snapshots.Current()
		if err == nil && s.Encoding() != publish.EncodingBitmap {
			err = publish.ErrNotBitmap
		}
		if err != nil {
			writeClientError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeSnapshot(w, s)
		return
	}
	code, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeClientError(w, http.StatusBadRequest, "code must be a 64-bit integer")
		return
	}
	hit, err := a.deps.Snapshots.Lookup(code)
	if err != nil {
		writeClientError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if hit {
		writeText(w, http.StatusOK, "1")
		return
	}
	writeText(w, http.StatusOK, "0")
}

func (a *API) handleParameters(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Parameters.Get().Public())
}

func (a *API) handleTime(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeText(w, http.StatusOK, strconv.FormatInt(a.now().UnixMilli(), 10))
}
