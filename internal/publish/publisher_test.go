package publish

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"c19x.org/internal/codes"
	"c19x.org/internal/config"
	"c19x.org/internal/registry"
	"c19x.org/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T, retention int) (*registry.Registry, *config.Holder, *clock) {
	t.Helper()
	clk := &clock{t: codes.Epoch.Add(153*24*time.Hour + time.Hour)}
	reg, err := registry.New(context.Background(), store.NewMemory(), registry.WithClock(clk.Now))
	require.NoError(t, err)
	p := config.DefaultParameters()
	p.Retention = retention
	return reg, config.NewHolder(p), clk
}

func body(t *testing.T, s Snapshot) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := s.WriteTo(&buf)
	require.NoError(t, err)
	return buf.String()
}

func TestNoSnapshotBeforePublish(t *testing.T) {
	reg, params, _ := setup(t, 1)
	p, err := New(reg, params)
	require.NoError(t, err)

	_, err = p.Current()
	assert.ErrorIs(t, err, ErrNoSnapshot)
	_, err = p.Lookup(1)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSparseSnapshotKnownDevice(t *testing.T) {
	ctx := context.Background()
	reg, params, clk := setup(t, 1)
	_, err := reg.RegisterWithSecret(ctx, "1", []byte{0})
	require.NoError(t, err)
	require.NoError(t, reg.SetStatus(ctx, "1", registry.StatusConfirmedDiagnosis))

	p, err := New(reg, params, WithClock(clk.Now))
	require.NoError(t, err)
	s, err := p.Publish(ctx)
	require.NoError(t, err)

	assert.Equal(t, "application/json", s.ContentType())
	assert.Equal(t, `{"-6483623051771494729":"2"}`, body(t, s))
	assert.Equal(t, 1, s.Entries())

	cur, err := p.Current()
	require.NoError(t, err)
	assert.Same(t, s, cur)

	_, err = p.Lookup(0)
	assert.ErrorIs(t, err, ErrNotBitmap)
}

func TestSparseSnapshotSkipsHealthyAndExpired(t *testing.T) {
	ctx := context.Background()
	reg, params, clk := setup(t, 2)

	for _, serial := range []string{"1", "2", "3", "4"} {
		_, err := reg.RegisterWithSecret(ctx, serial, []byte(serial))
		require.NoError(t, err)
	}
	require.NoError(t, reg.SetStatus(ctx, "1", registry.StatusSymptomatic))
	require.NoError(t, reg.SetStatus(ctx, "2", registry.StatusConfirmedDiagnosis))
	require.NoError(t, reg.SetStatus(ctx, "3", registry.StatusHealthy))

	p, err := New(reg, params, WithClock(clk.Now))
	require.NoError(t, err)
	s, err := p.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Entries(), "two reporting devices, two days each")

	sm := s.(*SparseMap)
	chain, err := reg.Codes(ctx, "1")
	require.NoError(t, err)
	seeds, err := chain.BeaconCodeSeeds(2)
	require.NoError(t, err)
	for _, seed := range seeds {
		got, ok := sm.Status(seed)
		require.True(t, ok)
		assert.Equal(t, "1", got)
	}

	// Symptomatic reports expire before confirmed diagnoses.
	next := config.DefaultParameters()
	next.Retention = 2
	next.ExpireSymptomatic = 3
	next.ExpireConfirmedDiagnosis = 10
	params.Reconfigure(next)
	clk.Advance(5 * 24 * time.Hour)

	s, err = p.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Entries())
	sm = s.(*SparseMap)
	chain, err = reg.Codes(ctx, "2")
	require.NoError(t, err)
	seeds, err = chain.BeaconCodeSeeds(2)
	require.NoError(t, err)
	for _, seed := range seeds {
		got, ok := sm.Status(seed)
		require.True(t, ok)
		assert.Equal(t, "2", got)
	}

	clk.Advance(6 * 24 * time.Hour)
	s, err = p.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, "{}", body(t, s))
}

func TestBitmapSetsAndClears(t *testing.T) {
	ctx := context.Background()
	reg, params, clk := setup(t, 3)
	_, err := reg.RegisterWithSecret(ctx, "1", []byte{0})
	require.NoError(t, err)
	require.NoError(t, reg.SetStatus(ctx, "1", registry.StatusSymptomatic))

	p, err := New(reg, params, WithClock(clk.Now), WithEncoding(EncodingBitmap), WithBitmapRange(1<<16))
	require.NoError(t, err)
	s, err := p.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", s.ContentType())
	assert.Len(t, body(t, s), (1<<16)/8)

	chain, err := reg.Codes(ctx, "1")
	require.NoError(t, err)
	dcs, err := chain.Range(3)
	require.NoError(t, err)
	for _, dc := range dcs {
		hit, err := p.Lookup(dc)
		require.NoError(t, err)
		assert.True(t, hit, "day code %d", dc)
	}
	assert.LessOrEqual(t, s.Entries(), 3)
	assert.Positive(t, s.Entries())

	require.NoError(t, reg.SetStatus(ctx, "1", registry.StatusHealthy))
	s, err = p.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Entries())
	for _, dc := range dcs {
		hit, err := p.Lookup(dc)
		require.NoError(t, err)
		assert.False(t, hit)
	}
}

func TestBitmapAppliesDevicesInSerialOrder(t *testing.T) {
	ctx := context.Background()
	reg, params, clk := setup(t, 1)
	// Shared secret, so both devices map to the same bits and the later
	// serial decides them.
	for serial, status := range map[string]string{"2": registry.StatusSymptomatic, "10": registry.StatusHealthy} {
		_, err := reg.RegisterWithSecret(ctx, serial, []byte{0})
		require.NoError(t, err)
		require.NoError(t, reg.SetStatus(ctx, serial, status))
	}

	p, err := New(reg, params, WithClock(clk.Now), WithEncoding(EncodingBitmap), WithBitmapRange(1<<16))
	require.NoError(t, err)
	s, err := p.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Entries())

	chain, err := reg.Codes(ctx, "2")
	require.NoError(t, err)
	dcs, err := chain.Range(1)
	require.NoError(t, err)
	for _, dc := range dcs {
		hit, err := p.Lookup(dc)
		require.NoError(t, err)
		assert.False(t, hit)
	}
}

func TestBitmapIndexUsesAbsoluteResidue(t *testing.T) {
	b := newBitmap(64)
	b.assign(-70, true)
	assert.True(t, b.Infected(70))
	assert.True(t, b.Infected(6))
	assert.False(t, b.Infected(7))
	assert.Equal(t, 1, b.Entries())

	b.assign(6, true)
	assert.Equal(t, 1, b.Entries())
	b.assign(134, false)
	assert.Equal(t, 0, b.Entries())
}

func TestNewRejectsBadOptions(t *testing.T) {
	reg, params, _ := setup(t, 1)
	_, err := New(reg, params, WithEncoding("gzip"))
	assert.Error(t, err)
	_, err = New(reg, params, WithBitmapRange(12))
	assert.Error(t, err)
}

type failingSource struct {
	*registry.Registry
	bad string
}

func (f failingSource) Status(ctx context.Context, serial string) (string, time.Time, error) {
	if serial == f.bad {
		return "", time.Time{}, errors.New("boom")
	}
	return f.Registry.Status(ctx, serial)
}

func TestPublishSkipsFailingDevice(t *testing.T) {
	ctx := context.Background()
	reg, params, clk := setup(t, 1)
	for _, serial := range []string{"1", "2"} {
		_, err := reg.RegisterWithSecret(ctx, serial, []byte{0})
		require.NoError(t, err)
		require.NoError(t, reg.SetStatus(ctx, serial, registry.StatusConfirmedDiagnosis))
	}

	p, err := New(failingSource{Registry: reg, bad: "1"}, params, WithClock(clk.Now))
	require.NoError(t, err)
	s, err := p.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"-6483623051771494729":"2"}`, body(t, s))
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	ctx := context.Background()
	reg, params, clk := setup(t, 1)
	_, err := reg.RegisterWithSecret(ctx, "1", []byte{0})
	require.NoError(t, err)
	require.NoError(t, reg.SetStatus(ctx, "1", registry.StatusConfirmedDiagnosis))

	p, err := New(reg, params, WithClock(clk.Now))
	require.NoError(t, err)
	_, err = p.Publish(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = p.Publish(ctx)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s, err := p.Current()
				if err != nil {
					t.Error(err)
					return
				}
				var buf bytes.Buffer
				_, _ = s.WriteTo(&buf)
				if buf.String() != `{"-6483623051771494729":"2"}` {
					t.Errorf("torn snapshot: %q", buf.String())
					return
				}
			}
		}()
	}
	wg.Wait()
}
