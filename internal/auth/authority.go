// Package auth authenticates administrators against a flat credential file
// and manages their idle-expiring sessions.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"c19x.org/internal/logging"
	"c19x.org/internal/obs"
)

const (
	// TokenDigits is the length of a session token.
	TokenDigits = 32

	DefaultIdleTimeout = 30 * time.Minute
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = time.Minute
)

// Audit event names and fields.
const (
	eventLogIn          = "logIn"
	eventLogOut         = "logOut"
	eventChangePassword = "changePassword"
)

// Auditor records security relevant events.
type Auditor interface {
	Record(ctx context.Context, event string, fields map[string]string) error
}

// Session is an authenticated administrator session.
type Session struct {
	Token       string
	User        string
	Permissions []string
	Start       time.Time
	Expiry      time.Time
}

// Authority issues and validates administrator sessions.
type Authority struct {
	file    credentialFile
	idle    time.Duration
	base    time.Duration
	max     time.Duration
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	auditor Auditor
	log     logging.Logger
	random  io.Reader

	usersMu  sync.Mutex
	users    map[string]User
	usersSum [sha256.Size]byte
	loaded   bool

	// writeMu serialises every change to the credential file.
	writeMu sync.Mutex

	sessionsMu sync.Mutex
	sessions   map[string]*Session

	delaysMu sync.Mutex
	delays   map[string]time.Duration
}

// Option configures an Authority.
type Option func(*Authority)

func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(a *Authority) {
		if d > 0 {
			a.idle = d
		}
	}
}

// WithBackoff sets the first failed login delay and its cap.
func WithBackoff(base, max time.Duration) Option {
	return func(a *Authority) {
		if base > 0 {
			a.base = base
		}
		if max > 0 {
			a.max = max
		}
	}
}

func WithAuditor(au Auditor) Option {
	return func(a *Authority) { a.auditor = au }
}

func WithLogger(l logging.Logger) Option {
	return func(a *Authority) { a.log = l }
}

// WithSleeper replaces the failed login wait.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(a *Authority) { a.sleep = sleep }
}

// WithRandom replaces the token entropy source.
func WithRandom(r io.Reader) Option {
	return func(a *Authority) { a.random = r }
}

// New returns an Authority backed by the credential file at path. The file
// is read lazily and may not exist yet.
func New(path string, opts ...Option) *Authority {
	a := &Authority{
		file:     credentialFile{path: path},
		idle:     DefaultIdleTimeout,
		base:     DefaultBackoffBase,
		max:      DefaultBackoffMax,
		now:      time.Now,
		sleep:    sleepContext,
		log:      logging.Nop{},
		random:   rand.Reader,
		sessions: make(map[string]*Session),
		delays:   make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.max < a.base {
		a.max = a.base
	}
	return a
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Login checks the client password digest of user and opens a session. A
// failure delays the caller by a per-user backoff that doubles with every
// consecutive failure.
func (a *Authority) Login(ctx context.Context, user, hash string) (Session, error) {
	users := a.loadUsers(ctx)
	u, ok := users[user]
	if ok && VerifyHash(u.Hash, hash) {
		token, err := a.newToken()
		if err != nil {
			return Session{}, err
		}
		now := a.now()
		s := &Session{
			Token:       token,
			User:        u.Name,
			Permissions: append([]string(nil), u.Permissions...),
			Start:       now,
			Expiry:      now.Add(a.idle),
		}
		a.sessionsMu.Lock()
		a.sessions[token] = s
		out := *s
		active := len(a.sessions)
		a.sessionsMu.Unlock()
		obs.SessionsActive.Set(float64(active))

		a.delaysMu.Lock()
		delete(a.delays, user)
		a.delaysMu.Unlock()

		a.record(ctx, eventLogIn, map[string]string{"user": user, "success": "true"})
		a.log.Debug(ctx, "log in succeeded", "user", user)
		return out, nil
	}

	a.record(ctx, eventLogIn, map[string]string{"user": user, "success": "false"})
	obs.LoginFailures.Inc()
	delay := a.nextDelay(user)
	a.log.Debug(ctx, "log in failed", "user", user, "known", ok, "delay", delay.String())
	if err := a.sleep(ctx, delay); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return Session{}, ErrUnauthorized
}

// nextDelay doubles the backoff of user, starting from the base delay.
func (a *Authority) nextDelay(user string) time.Duration {
	a.delaysMu.Lock()
	defer a.delaysMu.Unlock()
	d, ok := a.delays[user]
	switch {
	case !ok:
		d = a.base
	case d >= a.max/2:
		d = a.max
	default:
		d *= 2
	}
	a.delays[user] = d
	return d
}

func (a *Authority) newToken() (string, error) {
	ten := big.NewInt(10)
	buf := make([]byte, 0, TokenDigits)
	for range TokenDigits {
		n, err := rand.Int(a.random, ten)
		if err != nil {
			return "", fmt.Errorf("auth: token: %w", err)
		}
		buf = strconv.AppendInt(buf, n.Int64(), 10)
	}
	return string(buf), nil
}

// Authorise returns the session of token and slides its expiry forward. An
// expired session is removed.
func (a *Authority) Authorise(ctx context.Context, token string) (Session, bool) {
	now := a.now()
	a.sessionsMu.Lock()
	s, ok := a.sessions[token]
	if !ok {
		a.sessionsMu.Unlock()
		return Session{}, false
	}
	if !now.After(s.Expiry) {
		s.Expiry = now.Add(a.idle)
		out := *s
		a.sessionsMu.Unlock()
		return out, true
	}
	delete(a.sessions, token)
	active := len(a.sessions)
	a.sessionsMu.Unlock()

	obs.SessionsActive.Set(float64(active))
	a.record(ctx, eventLogOut, map[string]string{"user": s.User, "reason": "expired"})
	return Session{}, false
}

// Refresh is Authorise for clients that only want to keep a session alive.
func (a *Authority) Refresh(ctx context.Context, token string) (Session, bool) {
	return a.Authorise(ctx, token)
}

// LogOut invalidates token immediately.
func (a *Authority) LogOut(ctx context.Context, token string) (Session, bool) {
	a.sessionsMu.Lock()
	s, ok := a.sessions[token]
	delete(a.sessions, token)
	active := len(a.sessions)
	a.sessionsMu.Unlock()
	if !ok {
		return Session{}, false
	}
	obs.SessionsActive.Set(float64(active))
	out := *s
	out.Expiry = time.Time{}
	a.record(ctx, eventLogOut, map[string]string{"user": s.User, "reason": "logout"})
	return out, true
}

// ChangePassword replaces the stored digest of user when oldHash matches.
// The record is removed and then re-appended; if the append fails the user
// is left without a record and the error says so.
func (a *Authority) ChangePassword(ctx context.Context, user, oldHash, newHash string) (err error) {
	defer func() {
		a.record(ctx, eventChangePassword, map[string]string{"user": user, "success": strconv.FormatBool(err == nil)})
	}()
	if newHash == "" {
		return fmt.Errorf("%w: empty password", ErrInvalidInput)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	u, ok := a.loadUsers(ctx)[user]
	if !ok || !VerifyHash(u.Hash, oldHash) {
		return ErrUnauthorized
	}
	next := u
	next.Hash = newHash
	if sealed(u.Hash) {
		if next.Hash, err = SealHash(newHash); err != nil {
			return fmt.Errorf("auth: seal password: %w", err)
		}
	}
	if _, err := a.file.remove(user); err != nil {
		return err
	}
	defer a.invalidate()
	if err := a.file.append(next); err != nil {
		a.log.Error(ctx, "password change left user without credentials", "user", user, "err", err)
		return fmt.Errorf("auth: user %s locked out: %w", user, err)
	}
	return nil
}

// AddUser appends a new account.
func (a *Authority) AddUser(ctx context.Context, u User) error {
	if !validName(u.Name) || u.Hash == "" {
		return ErrInvalidInput
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, ok := a.loadUsers(ctx)[u.Name]; ok {
		return ErrAlreadyExists
	}
	defer a.invalidate()
	return a.file.append(u)
}

// RemoveUser deletes every record of name.
func (a *Authority) RemoveUser(ctx context.Context, name string) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	removed, err := a.file.remove(name)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	a.invalidate()
	a.log.Info(ctx, "user removed", "user", name)
	return nil
}

// Users lists accounts sorted by name.
func (a *Authority) Users(ctx context.Context) []User {
	users := a.loadUsers(ctx)
	out := make([]User, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// loadUsers re-parses the credential file only when its digest changed.
// Read errors keep the previous accounts.
func (a *Authority) loadUsers(ctx context.Context) map[string]User {
	a.usersMu.Lock()
	defer a.usersMu.Unlock()
	data, err := a.file.read()
	if err != nil {
		a.log.Error(ctx, "failed to read credentials", "file", a.file.path, "err", err)
		if a.users == nil {
			a.users = map[string]User{}
		}
		return a.users
	}
	sum := sha256.Sum256(data)
	if a.loaded && sum == a.usersSum {
		return a.users
	}
	a.users = ParseCredentials(data)
	a.usersSum = sum
	a.loaded = true
	a.log.Debug(ctx, "loaded credentials", "file", a.file.path, "accounts", len(a.users))
	return a.users
}

func (a *Authority) invalidate() {
	a.usersMu.Lock()
	a.loaded = false
	a.usersMu.Unlock()
}

func (a *Authority) record(ctx context.Context, event string, fields map[string]string) {
	if a.auditor == nil {
		return
	}
	if err := a.auditor.Record(ctx, event, fields); err != nil {
		a.log.Error(ctx, "audit failed", "event", event, "err", err)
	}
}
