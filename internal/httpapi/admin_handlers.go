package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"c19x.org/internal/auth"
	"c19x.org/internal/control"
	"c19x.org/internal/registry"
)

type sessionResponse struct {
	Token       string   `json:"token"`
	Permissions []string `json:"permissions"`
	ExpiryTime  string   `json:"expiryTime"`
}

func toSessionResponse(s auth.Session) sessionResponse {
	perms := s.Permissions
	if perms == nil {
		perms = []string{}
	}
	expiry := int64(0)
	if !s.Expiry.IsZero() {
		expiry = s.Expiry.UnixMilli()
	}
	return sessionResponse{
		Token:       s.Token,
		Permissions: perms,
		ExpiryTime:  strconv.FormatInt(expiry, 10),
	}
}

// handleSession serves login, logout, refresh and change selected by the
// function (or f) parameter.
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	ctx := r.Context()
	a.extendWriteDeadline(w, r)
	switch fn := firstParam(r, "function", "f"); fn {
	case "login":
		s, err := a.deps.Sessions.Login(ctx, firstParam(r, "user", "u"), firstParam(r, "password", "p"))
		if err != nil {
			unauthorized(w, r)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(s))
	case "logout":
		s, ok := a.deps.Sessions.LogOut(ctx, sessionToken(r))
		if !ok {
			unauthorized(w, r)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(s))
	case "refresh":
		s, ok := a.deps.Sessions.Refresh(ctx, sessionToken(r))
		if !ok {
			unauthorized(w, r)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(s))
	case "change":
		err := a.deps.Sessions.ChangePassword(ctx,
			firstParam(r, "user", "u"), firstParam(r, "password", "p"), firstParam(r, "newpassword", "n"))
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) {
				a.log.Warn(ctx, "password change failed", "err", err)
			}
			unauthorized(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		writeError(w, r, http.StatusBadRequest, "unknown function "+strconv.Quote(fn))
	}
}

// extendWriteDeadline lets a delayed login answer after the server wide
// write timeout has passed.
func (a *API) extendWriteDeadline(w http.ResponseWriter, r *http.Request) {
	var deadline time.Time
	if d := a.deps.SessionWriteTimeout; d > 0 {
		deadline = time.Now().Add(d)
	}
	if err := http.NewResponseController(w).SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		a.log.Debug(r.Context(), "cannot extend write deadline", "err", err)
	}
}

func (a *API) handleControl(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	ctx := r.Context()
	command := r.URL.Query().Get("command")
	res, err := a.deps.Control.Execute(ctx, sessionToken(r), command, r.URL.Query())
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUnauthorized):
		unauthorized(w, r)
		return
	case errors.Is(err, control.ErrBadRequest), errors.Is(err, registry.ErrNotRegistered):
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	default:
		a.log.Warn(ctx, "control command failed", "command", command, "err", err)
		writeError(w, r, http.StatusBadRequest, "command failed")
		return
	}
	if res.Data == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, res.Data)
}
