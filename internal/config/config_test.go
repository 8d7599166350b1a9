package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParameters(t *testing.T) {
	p := DefaultParameters()
	assert.Equal(t, "https://preprod.c19x.org", p.Server)
	assert.Equal(t, 14, p.Retention)
	assert.Equal(t, -77, p.Proximity)
	assert.Equal(t, 15, p.Exposure)
	assert.Equal(t, 1, p.Advice)
	assert.Equal(t, 24*time.Hour, p.Update)
	assert.Equal(t, 8, p.ExpireSymptomatic)
	assert.Equal(t, 8, p.ExpireConfirmedDiagnosis)
	assert.Equal(t, 21, p.ExpireInactivity)
	require.NoError(t, p.Validate())
}

func TestParseParametersActive(t *testing.T) {
	doc := `{
		"active": "true",
		"server": "https://c19x.org",
		"retention": "7",
		"proximity": "-70",
		"exposure": 20,
		"advice": "2",
		"update": "30",
		"expireSymptomatic": "5",
		"expireInactivity": "10",
		"passwordHash": "abc"
	}`
	got, err := ParseParameters([]byte(doc), DefaultParameters())
	require.NoError(t, err)

	want := DefaultParameters()
	want.Server = "https://c19x.org"
	want.Retention = 7
	want.Proximity = -70
	want.Exposure = 20
	want.Advice = 2
	want.Update = 30 * time.Minute
	want.ExpireSymptomatic = 5
	want.ExpireInactivity = 10
	want.PasswordHash = "abc"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("parameters mismatch (-want +got):\n%s", diff)
	}
}

func TestParseParametersInactiveKeepsPrevious(t *testing.T) {
	prev := DefaultParameters()
	prev.Retention = 3
	got, err := ParseParameters([]byte(`{"active":"false","retention":"9"}`), prev)
	require.NoError(t, err)
	assert.Equal(t, prev, got)

	got, err = ParseParameters([]byte(`{"retention":"9"}`), prev)
	require.NoError(t, err)
	assert.Equal(t, prev, got)
}

func TestParseParametersInvalidKeepsPrevious(t *testing.T) {
	prev := DefaultParameters()
	cases := []string{
		`{not json`,
		`{"active":"true","retention":"seven"}`,
		`{"active":"true","retention":"0"}`,
		`{"active":"true","update":"0"}`,
		`{"active":"true","server":["a"]}`,
	}
	for _, doc := range cases {
		got, err := ParseParameters([]byte(doc), prev)
		assert.True(t, errors.Is(err, ErrInvalidParameters), "%s: %v", doc, err)
		assert.Equal(t, prev, got, doc)
	}
}

func TestPublicParameters(t *testing.T) {
	got := DefaultParameters().Public()
	want := map[string]string{
		"server":    "https://preprod.c19x.org",
		"advice":    "1",
		"retention": "14",
		"proximity": "-77",
		"exposure":  "15",
	}
	assert.Equal(t, want, got)
}

func TestHolderSwap(t *testing.T) {
	h := NewHolder(DefaultParameters())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			p := DefaultParameters()
			p.Retention = i + 1
			p.Exposure = i + 1
			h.Reconfigure(p)
		}(i)
		go func() {
			defer wg.Done()
			p := h.Get()
			// Readers never see a half-applied value.
			if p.Retention != 14 && p.Retention != p.Exposure {
				t.Errorf("torn parameters: %+v", p)
			}
		}()
	}
	wg.Wait()
}

func TestFileWatcherPoll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parameters.json")
	w := NewFileWatcher(path, time.Millisecond, nil)

	_, changed, err := w.Poll()
	require.NoError(t, err)
	assert.False(t, changed, "missing file is not a change")

	require.NoError(t, os.WriteFile(path, []byte("one"), 0o600))
	data, changed, err := w.Poll()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "one", string(data))

	_, changed, err = w.Poll()
	require.NoError(t, err)
	assert.False(t, changed)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	_, changed, err = w.Poll()
	require.NoError(t, err)
	assert.False(t, changed, "same content with newer mtime is not a change")

	require.NoError(t, os.WriteFile(path, []byte("two"), 0o600))
	later := future.Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	data, changed, err = w.Poll()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "two", string(data))
}

func TestWatchParametersAppliesAndSkipsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parameters.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"active":"true","retention":"5"}`), 0o600))

	h := NewHolder(DefaultParameters())
	applied := make(chan Parameters, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		WatchParameters(ctx, NewFileWatcher(path, 5*time.Millisecond, nil), h, func(p Parameters) { applied <- p })
		close(done)
	}()

	select {
	case p := <-applied:
		assert.Equal(t, 5, p.Retention)
	case <-time.After(2 * time.Second):
		t.Fatal("parameters not applied")
	}
	assert.Equal(t, 5, h.Get().Retention)

	require.NoError(t, os.WriteFile(path, []byte(`{"active":"true","retention":"x"}`), 0o600))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 5, h.Get().Retention)

	cancel()
	<-done
}

func TestLoadServerDefaults(t *testing.T) {
	s, err := LoadServer(nil, func(string) string { return "" })
	require.NoError(t, err)

	var want Server
	want.LoadDefaults()
	if diff := cmp.Diff(&want, s); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadServerLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"addr": ":9000",
		"store": "etcd",
		"etcd_endpoints": ["http://etcd:2379"],
		"backoff_max": "90s",
		"log_level": "debug"
	}`), 0o600))

	env := map[string]string{"C19X_ADDR": ":9100", "C19X_HORIZON": "3650"}
	s, err := LoadServer(
		[]string{"-config", path, "-encoding", "bitmap", "-session-idle", "10m"},
		func(k string) string { return env[k] },
	)
	require.NoError(t, err)

	assert.Equal(t, ":9100", s.Addr)
	assert.Equal(t, "etcd", s.StoreBackend)
	assert.Equal(t, []string{"http://etcd:2379"}, s.EtcdEndpoints)
	assert.Equal(t, 90*time.Second, s.BackoffMax)
	assert.Equal(t, 10*time.Minute, s.SessionIdle)
	assert.Equal(t, "bitmap", s.SnapshotEncoding)
	assert.Equal(t, 3650, s.Horizon)
	assert.Equal(t, "debug", s.LogLevel)
}

func TestLoadServerRejectsInvalid(t *testing.T) {
	noenv := func(string) string { return "" }
	cases := [][]string{
		{"-store", "postgres"},
		{"-store", "redis"},
		{"-encoding", "zip"},
		{"-bitmap-range", "12"},
		{"-unknown-flag"},
	}
	for _, args := range cases {
		_, err := LoadServer(args, noenv)
		assert.Error(t, err, "%v", args)
	}
}

func TestLoadParametersKeepsDefaultsOnMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parameters.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"retention":`), 0o600))

	h := NewHolder(DefaultParameters())
	LoadParameters(context.Background(), NewFileWatcher(path, time.Hour, nil), h)
	assert.Equal(t, DefaultParameters(), h.Get())

	require.NoError(t, os.WriteFile(path, []byte(`{"active":"true","retention":"7"}`), 0o600))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	LoadParameters(context.Background(), NewFileWatcher(path, time.Hour, nil), h)
	assert.Equal(t, 7, h.Get().Retention)
}
