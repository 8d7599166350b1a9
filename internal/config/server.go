package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server is the static configuration of the server process.
type Server struct {
	Addr             string        `json:"addr"`
	DataDir          string        `json:"data_dir"`
	ParametersFile   string        `json:"parameters_file"`
	UsersFile        string        `json:"users_file"`
	AuditFile        string        `json:"audit_file"`
	StoreBackend     string        `json:"store"`
	DatabaseDSN      string        `json:"database_dsn"`
	EtcdEndpoints    []string      `json:"etcd_endpoints"`
	SnapshotEncoding string        `json:"snapshot_encoding"`
	BitmapRange      int           `json:"bitmap_range"`
	Horizon          int           `json:"horizon"`
	RateBurst        int           `json:"rate_burst"`
	RatePerSecond    int           `json:"rate_per_second"`
	BackoffMax       time.Duration `json:"-"`
	SessionIdle      time.Duration `json:"-"`
	LogLevel         string        `json:"log_level"`
}

// serverJSON carries durations as strings ("90s", "30m").
type serverJSON struct {
	Server
	BackoffMax  string `json:"backoff_max"`
	SessionIdle string `json:"session_idle"`
}

// LoadDefaults fills s with development defaults.
func (s *Server) LoadDefaults() {
	s.Addr = ":8080"
	s.DataDir = "data"
	s.ParametersFile = "data/parameters.json"
	s.UsersFile = "data/users.tsv"
	s.AuditFile = "data/audit.log"
	s.StoreBackend = "memory"
	s.SnapshotEncoding = "sparse"
	s.BitmapRange = 1 << 23
	s.Horizon = 365 * 5
	s.RateBurst = 40
	s.RatePerSecond = 20
	s.BackoffMax = time.Minute
	s.SessionIdle = 30 * time.Minute
	s.LogLevel = "info"
}

// LoadServer applies defaults, then the JSON file named by -c/-config, then
// C19X_* environment variables, then flags from args.
func LoadServer(args []string, getenv func(string) string) (*Server, error) {
	s := &Server{}
	s.LoadDefaults()

	if path := configPath(args, getenv); path != "" {
		if err := s.loadJSON(path); err != nil {
			return nil, err
		}
	}
	if err := s.loadEnv(getenv); err != nil {
		return nil, err
	}
	if err := s.parseFlags(args); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks cross-field constraints.
func (s *Server) Validate() error {
	switch s.StoreBackend {
	case "memory":
	case "postgres":
		if s.DatabaseDSN == "" {
			return fmt.Errorf("config: store postgres requires a database DSN")
		}
	case "etcd":
		if len(s.EtcdEndpoints) == 0 {
			return fmt.Errorf("config: store etcd requires endpoints")
		}
	default:
		return fmt.Errorf("config: unknown store %q", s.StoreBackend)
	}
	switch s.SnapshotEncoding {
	case "sparse", "bitmap":
	default:
		return fmt.Errorf("config: unknown snapshot encoding %q", s.SnapshotEncoding)
	}
	if s.BitmapRange < 8 || s.BitmapRange%8 != 0 {
		return fmt.Errorf("config: bitmap range must be a positive multiple of 8")
	}
	if s.Horizon < 1 {
		return fmt.Errorf("config: horizon must be positive")
	}
	return nil
}

func configPath(args []string, getenv func(string) string) string {
	for i, a := range args {
		for _, name := range []string{"-c", "--c", "-config", "--config"} {
			if a == name && i+1 < len(args) {
				return args[i+1]
			}
			if v, ok := strings.CutPrefix(a, name+"="); ok {
				return v
			}
		}
	}
	return getenv("C19X_CONFIG")
}

func (s *Server) loadJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dto := serverJSON{Server: *s, BackoffMax: s.BackoffMax.String(), SessionIdle: s.SessionIdle.String()}
	if err := json.Unmarshal(data, &dto); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	*s = dto.Server
	if s.BackoffMax, err = time.ParseDuration(dto.BackoffMax); err != nil {
		return fmt.Errorf("config: backoff_max: %w", err)
	}
	if s.SessionIdle, err = time.ParseDuration(dto.SessionIdle); err != nil {
		return fmt.Errorf("config: session_idle: %w", err)
	}
	return nil
}

func (s *Server) loadEnv(getenv func(string) string) error {
	str := map[string]*string{
		"C19X_ADDR":              &s.Addr,
		"C19X_DATA_DIR":          &s.DataDir,
		"C19X_PARAMETERS_FILE":   &s.ParametersFile,
		"C19X_USERS_FILE":        &s.UsersFile,
		"C19X_AUDIT_FILE":        &s.AuditFile,
		"C19X_STORE":             &s.StoreBackend,
		"C19X_PG_DSN":            &s.DatabaseDSN,
		"C19X_SNAPSHOT_ENCODING": &s.SnapshotEncoding,
		"C19X_LOG_LEVEL":         &s.LogLevel,
	}
	for k, dst := range str {
		if v := getenv(k); v != "" {
			*dst = v
		}
	}
	if v := getenv("C19X_ETCD_ENDPOINTS"); v != "" {
		s.EtcdEndpoints = splitList(v)
	}
	if v := getenv("C19X_HORIZON"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: C19X_HORIZON: %w", err)
		}
		s.Horizon = n
	}
	return nil
}

func (s *Server) parseFlags(args []string) error {
	fs := flag.NewFlagSet("c19x-server", flag.ContinueOnError)
	var ignored, etcd string
	fs.StringVar(&ignored, "c", "", "JSON config file")
	fs.StringVar(&ignored, "config", "", "JSON config file")
	fs.StringVar(&s.Addr, "a", s.Addr, "listen address")
	fs.StringVar(&s.DataDir, "data", s.DataDir, "data directory")
	fs.StringVar(&s.ParametersFile, "parameters", s.ParametersFile, "parameters JSON file")
	fs.StringVar(&s.UsersFile, "users", s.UsersFile, "administrator credential file")
	fs.StringVar(&s.AuditFile, "audit", s.AuditFile, "audit log file")
	fs.StringVar(&s.StoreBackend, "store", s.StoreBackend, "store backend: memory, postgres or etcd")
	fs.StringVar(&s.DatabaseDSN, "d", s.DatabaseDSN, "PostgreSQL DSN")
	fs.StringVar(&etcd, "etcd", strings.Join(s.EtcdEndpoints, ","), "comma separated etcd endpoints")
	fs.StringVar(&s.SnapshotEncoding, "encoding", s.SnapshotEncoding, "snapshot encoding: sparse or bitmap")
	fs.IntVar(&s.BitmapRange, "bitmap-range", s.BitmapRange, "bitmap size in bits")
	fs.IntVar(&s.Horizon, "horizon", s.Horizon, "days of codes derived per device")
	fs.IntVar(&s.RateBurst, "rate-burst", s.RateBurst, "per-client request burst")
	fs.IntVar(&s.RatePerSecond, "rate", s.RatePerSecond, "per-client requests per second")
	fs.DurationVar(&s.BackoffMax, "backoff-max", s.BackoffMax, "maximum login failure delay")
	fs.DurationVar(&s.SessionIdle, "session-idle", s.SessionIdle, "administrator session idle timeout")
	fs.StringVar(&s.LogLevel, "log-level", s.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s.EtcdEndpoints = splitList(etcd)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
