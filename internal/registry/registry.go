// Package registry keeps every registered device: its shared secret, the
// last status it reported, an optional message and contact pattern, and the
// time it was last seen. Day code chains are cached per device.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"c19x.org/internal/codes"
	"c19x.org/internal/logging"
	"c19x.org/internal/obs"
	"c19x.org/internal/store"
)

// Status codes reported by devices.
const (
	StatusHealthy            = "0"
	StatusSymptomatic        = "1"
	StatusConfirmedDiagnosis = "2"
)

const (
	secretLength = 32
	counterKey   = "serialNumber"
)

var (
	ErrNotRegistered = errors.New("registry: device not registered")
	ErrCorruptRecord = errors.New("registry: corrupt record")
)

// Registration is the result of registering a device.
type Registration struct {
	Serial string
	Secret []byte
}

// String renders the registration as returned to clients: serial and
// base64 secret separated by a comma.
func (r Registration) String() string {
	return r.Serial + "," + base64.StdEncoding.EncodeToString(r.Secret)
}

// Device is a listing view of one device. The secret is never included.
type Device struct {
	Serial     string    `json:"serialNumber" yaml:"serialNumber"`
	Status     string    `json:"status" yaml:"status"`
	StatusTime time.Time `json:"statusTime,omitempty" yaml:"statusTime,omitempty"`
	Message    string    `json:"message,omitempty" yaml:"message,omitempty"`
	Pattern    string    `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	LastActive time.Time `json:"lastActive,omitempty" yaml:"lastActive,omitempty"`
}

// Registry is safe for concurrent use.
type Registry struct {
	parameters    store.Namespace
	registrations store.Namespace
	statuses      store.Namespace
	messages      store.Namespace
	patterns      store.Namespace
	timestamps    store.Namespace

	// mu serialises serial number allocation.
	mu    sync.Mutex
	cache sync.Map // serial -> *codes.Chain

	now     func() time.Time
	horizon int
	log     logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source for timestamps and chains.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithHorizon sets the number of day codes derived per device.
func WithHorizon(days int) Option {
	return func(r *Registry) {
		if days > 0 {
			r.horizon = days
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// New opens the registry namespaces of s and derives the chain of every
// registered device.
func New(ctx context.Context, s store.Store, opts ...Option) (*Registry, error) {
	r := &Registry{
		parameters:    s.Namespace(store.Parameters),
		registrations: s.Namespace(store.Registrations),
		statuses:      s.Namespace(store.Statuses),
		messages:      s.Namespace(store.Messages),
		patterns:      s.Namespace(store.Patterns),
		timestamps:    s.Namespace(store.Timestamps),
		now:           time.Now,
		horizon:       codes.DefaultHorizon,
		log:           logging.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.warm(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) warm(ctx context.Context) error {
	entries, err := r.registrations.Entries(ctx)
	if err != nil {
		return fmt.Errorf("load registrations: %w", err)
	}
	var wg sync.WaitGroup
	sem := make(chan struct{}, 8)
	for serial, b64 := range entries {
		secret, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			r.log.Warn(ctx, "skipping undecodable secret", "serial", serial, "err", err)
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(serial string, secret []byte) {
			defer wg.Done()
			defer func() { <-sem }()
			r.cache.Store(serial, r.chain(secret))
		}(serial, secret)
	}
	wg.Wait()
	obs.RegistryDevices.Set(float64(len(entries)))
	r.log.Info(ctx, "registry loaded", "devices", len(entries))
	return nil
}

func (r *Registry) chain(secret []byte) *codes.Chain {
	return codes.New(secret, codes.WithHorizon(r.horizon), codes.WithClock(r.now))
}

// Register allocates the next serial number and a fresh random secret.
func (r *Registry) Register(ctx context.Context) (Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	serial, err := r.nextSerial(ctx)
	if err != nil {
		return Registration{}, err
	}
	secret := make([]byte, secretLength)
	if _, err := rand.Read(secret); err != nil {
		return Registration{}, fmt.Errorf("generate secret: %w", err)
	}
	return r.store(ctx, serial, secret)
}

// RegisterWithSecret records a device with a known serial and secret. It
// does not advance the serial counter.
func (r *Registry) RegisterWithSecret(ctx context.Context, serial string, secret []byte) (Registration, error) {
	if serial == "" || len(secret) == 0 {
		return Registration{}, fmt.Errorf("registry: serial and secret are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store(ctx, serial, secret)
}

func (r *Registry) store(ctx context.Context, serial string, secret []byte) (Registration, error) {
	if err := r.registrations.Put(ctx, serial, base64.StdEncoding.EncodeToString(secret)); err != nil {
		return Registration{}, err
	}
	if err := r.Touch(ctx, serial); err != nil {
		if rerr := r.registrations.Remove(ctx, serial); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return Registration{}, err
	}
	r.cache.Store(serial, r.chain(secret))
	obs.RegistryRegistrations.Inc()
	return Registration{Serial: serial, Secret: append([]byte(nil), secret...)}, nil
}

// nextSerial must be called with mu held.
func (r *Registry) nextSerial(ctx context.Context) (string, error) {
	v, ok, err := r.parameters.Get(ctx, counterKey)
	if err != nil {
		return "", fmt.Errorf("read serial counter: %w", err)
	}
	next := "1"
	if ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: serial counter %q", ErrCorruptRecord, v)
		}
		next = strconv.FormatInt(n+1, 10)
	}
	if err := r.parameters.Put(ctx, counterKey, next); err != nil {
		return "", fmt.Errorf("write serial counter: %w", err)
	}
	return next, nil
}

// SharedSecret returns the secret of serial.
func (r *Registry) SharedSecret(ctx context.Context, serial string) ([]byte, error) {
	v, ok, err := r.registrations.Get(ctx, serial)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotRegistered
	}
	secret, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: secret of %s", ErrCorruptRecord, serial)
	}
	return secret, nil
}

// Codes returns the chain of serial, deriving and caching it on a miss.
func (r *Registry) Codes(ctx context.Context, serial string) (*codes.Chain, error) {
	if c, ok := r.cache.Load(serial); ok {
		return c.(*codes.Chain), nil
	}
	secret, err := r.SharedSecret(ctx, serial)
	if err != nil {
		return nil, err
	}
	c, _ := r.cache.LoadOrStore(serial, r.chain(secret))
	return c.(*codes.Chain), nil
}

// Registered reports whether serial has a secret on record.
func (r *Registry) Registered(ctx context.Context, serial string) (bool, error) {
	_, ok, err := r.registrations.Get(ctx, serial)
	return ok, err
}

func (r *Registry) requireRegistered(ctx context.Context, serial string) error {
	ok, err := r.Registered(ctx, serial)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	return nil
}

// SetStatus records status together with the current time.
func (r *Registry) SetStatus(ctx context.Context, serial, status string) error {
	if err := r.requireRegistered(ctx, serial); err != nil {
		return err
	}
	v := status + "," + strconv.FormatInt(r.now().UnixMilli(), 10)
	return r.statuses.Put(ctx, serial, v)
}

// Status returns the last reported status and when it was set. A device
// that never reported is healthy with a zero time.
func (r *Registry) Status(ctx context.Context, serial string) (string, time.Time, error) {
	v, ok, err := r.statuses.Get(ctx, serial)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok {
		return StatusHealthy, time.Time{}, nil
	}
	return parseStatus(v)
}

func parseStatus(v string) (string, time.Time, error) {
	i := strings.LastIndexByte(v, ',')
	if i < 0 {
		return "", time.Time{}, fmt.Errorf("%w: status %q", ErrCorruptRecord, v)
	}
	ms, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: status %q", ErrCorruptRecord, v)
	}
	return v[:i], time.UnixMilli(ms), nil
}

// SetMessage stores a message for the device.
func (r *Registry) SetMessage(ctx context.Context, serial, message string) error {
	if err := r.requireRegistered(ctx, serial); err != nil {
		return err
	}
	return r.messages.Put(ctx, serial, message)
}

// Message returns the device message, "" when none was set.
func (r *Registry) Message(ctx context.Context, serial string) (string, error) {
	v, _, err := r.messages.Get(ctx, serial)
	return v, err
}

// SetPattern stores the opaque contact pattern reported by the device.
func (r *Registry) SetPattern(ctx context.Context, serial, pattern string) error {
	if err := r.requireRegistered(ctx, serial); err != nil {
		return err
	}
	return r.patterns.Put(ctx, serial, pattern)
}

// Pattern returns the stored contact pattern, "" when none.
func (r *Registry) Pattern(ctx context.Context, serial string) (string, error) {
	v, _, err := r.patterns.Get(ctx, serial)
	return v, err
}

// Touch records the current time as the last activity of serial.
func (r *Registry) Touch(ctx context.Context, serial string) error {
	return r.timestamps.Put(ctx, serial, strconv.FormatInt(r.now().UnixMilli(), 10))
}

// LastActive returns when serial was last seen.
func (r *Registry) LastActive(ctx context.Context, serial string) (time.Time, bool, error) {
	v, ok, err := r.timestamps.Get(ctx, serial)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: timestamp %q", ErrCorruptRecord, v)
	}
	return time.UnixMilli(ms), true, nil
}

// Serials returns every registered serial number.
func (r *Registry) Serials(ctx context.Context) ([]string, error) {
	return r.registrations.Keys(ctx)
}

// Unregister removes every record of serial. All namespaces are attempted
// even when one fails.
func (r *Registry) Unregister(ctx context.Context, serial string) error {
	r.cache.Delete(serial)
	var errs []error
	for _, ns := range []store.Namespace{r.registrations, r.statuses, r.messages, r.patterns, r.timestamps} {
		if err := ns.Remove(ctx, serial); err != nil {
			errs = append(errs, err)
		}
	}
	// A concurrent Codes may have re-cached the chain while the secret was
	// still on record.
	r.cache.Delete(serial)
	return errors.Join(errs...)
}

// Clear unregisters every device inactive for longer than retentionDays and
// returns how many were removed.
func (r *Registry) Clear(ctx context.Context, retentionDays int) (int, error) {
	entries, err := r.timestamps.Entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load timestamps: %w", err)
	}
	cutoff := r.now().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()
	removed := 0
	for serial, v := range entries {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.log.Warn(ctx, "skipping corrupt activity record", "serial", serial, "value", v)
			continue
		}
		if ms >= cutoff {
			continue
		}
		if err := r.Unregister(ctx, serial); err != nil {
			r.log.Warn(ctx, "eviction failed", "serial", serial, "err", err)
			continue
		}
		removed++
		r.log.Debug(ctx, "evicted inactive device", "serial", serial, "lastActive", time.UnixMilli(ms).UTC())
	}
	obs.RegistryEvictions.Add(float64(removed))
	if serials, err := r.Serials(ctx); err == nil {
		obs.RegistryDevices.Set(float64(len(serials)))
	}
	return removed, nil
}

// List returns every registered device sorted by numeric serial. Records
// that cannot be read are reported with what could be read.
func (r *Registry) List(ctx context.Context) ([]Device, error) {
	serials, err := r.Serials(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(serials))
	for _, serial := range serials {
		d := Device{Serial: serial, Status: StatusHealthy}
		if status, at, err := r.Status(ctx, serial); err != nil {
			r.log.Warn(ctx, "unreadable status", "serial", serial, "err", err)
		} else {
			d.Status, d.StatusTime = status, at
		}
		d.Message, _ = r.Message(ctx, serial)
		d.Pattern, _ = r.Pattern(ctx, serial)
		if at, ok, err := r.LastActive(ctx, serial); err == nil && ok {
			d.LastActive = at
		}
		out = append(out, d)
	}
	SortBySerial(out)
	return out, nil
}

// SortBySerial orders devices by numeric serial; non-numeric serials sort
// after numeric ones, lexically.
func SortBySerial(ds []Device) {
	sort.SliceStable(ds, func(i, j int) bool { return serialLess(ds[i].Serial, ds[j].Serial) })
}

// SortSerials orders serials the way SortBySerial orders devices.
func SortSerials(serials []string) {
	sort.SliceStable(serials, func(i, j int) bool { return serialLess(serials[i], serials[j]) })
}

func serialLess(x, y string) bool {
	a, errA := strconv.ParseInt(x, 10, 64)
	b, errB := strconv.ParseInt(y, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return a < b
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return x < y
	}
}
