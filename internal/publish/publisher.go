// Package publish builds the infection status snapshot served to devices
// and swaps it in atomically.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"c19x.org/internal/codes"
	"c19x.org/internal/config"
	"c19x.org/internal/logging"
	"c19x.org/internal/obs"
	"c19x.org/internal/registry"
)

var (
	ErrNoSnapshot = errors.New("publish: no snapshot yet")
	ErrNotBitmap  = errors.New("publish: snapshot is not a bitmap")
)

const day = 24 * time.Hour

// Source is the device data a snapshot is built from.
type Source interface {
	Serials(ctx context.Context) ([]string, error)
	Status(ctx context.Context, serial string) (string, time.Time, error)
	Codes(ctx context.Context, serial string) (*codes.Chain, error)
}

// ParameterSource supplies the live parameters.
type ParameterSource interface {
	Get() config.Parameters
}

// Publisher rebuilds and holds the current snapshot. Readers never block on
// a rebuild.
type Publisher struct {
	src         Source
	params      ParameterSource
	encoding    string
	bitmapRange int
	now         func() time.Time
	log         logging.Logger

	current atomic.Pointer[snapshotBox]
}

type snapshotBox struct{ s Snapshot }

type Option func(*Publisher)

// WithEncoding selects EncodingSparse or EncodingBitmap.
func WithEncoding(enc string) Option {
	return func(p *Publisher) { p.encoding = enc }
}

// WithBitmapRange sets the bitmap size in bits, a positive multiple of 8.
func WithBitmapRange(bits int) Option {
	return func(p *Publisher) { p.bitmapRange = bits }
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

func WithLogger(l logging.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

func New(src Source, params ParameterSource, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		src:         src,
		params:      params,
		encoding:    EncodingSparse,
		bitmapRange: DefaultBitmapRange,
		now:         time.Now,
		log:         logging.Nop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	switch p.encoding {
	case EncodingSparse, EncodingBitmap:
	default:
		return nil, fmt.Errorf("publish: unknown encoding %q", p.encoding)
	}
	if p.bitmapRange < 8 || p.bitmapRange%8 != 0 {
		return nil, fmt.Errorf("publish: bitmap range %d is not a positive multiple of 8", p.bitmapRange)
	}
	return p, nil
}

// Encoding returns the configured encoding.
func (p *Publisher) Encoding() string { return p.encoding }

// Current returns the last published snapshot.
func (p *Publisher) Current() (Snapshot, error) {
	box := p.current.Load()
	if box == nil {
		return nil, ErrNoSnapshot
	}
	return box.s, nil
}

// Lookup reports whether code is marked in the current bitmap snapshot.
func (p *Publisher) Lookup(code int64) (bool, error) {
	s, err := p.Current()
	if err != nil {
		return false, err
	}
	b, ok := s.(*Bitmap)
	if !ok {
		return false, ErrNotBitmap
	}
	return b.Infected(code), nil
}

// Publish builds a new snapshot from the source and makes it current.
// Devices that fail are logged and left out.
func (p *Publisher) Publish(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	serials, err := p.src.Serials(ctx)
	if err != nil {
		return nil, fmt.Errorf("publish: list devices: %w", err)
	}
	registry.SortSerials(serials)
	params := p.params.Get()

	var s Snapshot
	switch p.encoding {
	case EncodingBitmap:
		s = p.buildBitmap(ctx, serials, params)
	default:
		if s, err = p.buildSparse(ctx, serials, params); err != nil {
			return nil, err
		}
	}
	p.current.Store(&snapshotBox{s: s})

	obs.PublishDuration.WithLabelValues(p.encoding).Observe(time.Since(start).Seconds())
	obs.PublishEntries.WithLabelValues(p.encoding).Set(float64(s.Entries()))
	p.log.Info(ctx, "published snapshot",
		"encoding", p.encoding, "devices", len(serials), "entries", s.Entries(), "retention", params.Retention)
	return s, nil
}

// reportable returns the status of serial and whether its report is live.
func (p *Publisher) reportable(ctx context.Context, serial string, params config.Parameters) (string, bool, error) {
	status, at, err := p.src.Status(ctx, serial)
	if err != nil {
		return "", false, err
	}
	age := p.now().Sub(at)
	switch status {
	case registry.StatusHealthy, "":
		return status, false, nil
	case registry.StatusSymptomatic:
		return status, age <= time.Duration(params.ExpireSymptomatic)*day, nil
	case registry.StatusConfirmedDiagnosis:
		return status, age <= time.Duration(params.ExpireConfirmedDiagnosis)*day, nil
	}
	return status, true, nil
}

func (p *Publisher) buildSparse(ctx context.Context, serials []string, params config.Parameters) (Snapshot, error) {
	seeds := make(map[string]string)
	for _, serial := range serials {
		status, live, err := p.reportable(ctx, serial, params)
		if err != nil {
			p.log.Warn(ctx, "skipping device", "serial", serial, "err", err)
			continue
		}
		if !live {
			continue
		}
		chain, err := p.src.Codes(ctx, serial)
		if err != nil {
			p.log.Warn(ctx, "skipping device", "serial", serial, "err", err)
			continue
		}
		ss, err := chain.BeaconCodeSeeds(params.Retention)
		if err != nil {
			p.log.Warn(ctx, "skipping device", "serial", serial, "err", err)
			continue
		}
		for _, seed := range ss {
			seeds[strconv.FormatInt(seed, 10)] = status
		}
	}
	return newSparseMap(seeds)
}

// buildBitmap visits every device; healthy devices clear their residues
// and reporting devices set them, in serial order.
func (p *Publisher) buildBitmap(ctx context.Context, serials []string, params config.Parameters) Snapshot {
	b := newBitmap(p.bitmapRange)
	for _, serial := range serials {
		status, _, err := p.src.Status(ctx, serial)
		if err != nil {
			p.log.Warn(ctx, "skipping device", "serial", serial, "err", err)
			continue
		}
		chain, err := p.src.Codes(ctx, serial)
		if err != nil {
			p.log.Warn(ctx, "skipping device", "serial", serial, "err", err)
			continue
		}
		dcs, err := chain.Range(params.Retention)
		if err != nil {
			p.log.Warn(ctx, "skipping device", "serial", serial, "err", err)
			continue
		}
		on := status != registry.StatusHealthy
		for _, dc := range dcs {
			b.assign(dc, on)
		}
	}
	return b
}
