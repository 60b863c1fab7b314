package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/config"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/engine"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/observability"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/providers"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/runlock"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/store"
)

// commonFlags are accepted by every command that opens the engine.
type commonFlags struct {
	configPath  string
	dbPath      string
	tenantID    string
	namespaceID string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML config file")
	fs.StringVar(&c.dbPath, "db", "", "SQLite database path (overrides store_type)")
	fs.StringVar(&c.tenantID, "tenant", "default", "Tenant ID")
	fs.StringVar(&c.namespaceID, "namespace", "default", "Namespace ID")
}

func (c *commonFlags) load() (*config.Config, error) {
	var cfg *config.Config
	if c.configPath != "" {
		loaded, err := config.LoadFile(c.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Load()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if c.dbPath != "" {
		cfg.StoreType = config.StoreSQLite
		cfg.SQLitePath = c.dbPath
	}
	return cfg, nil
}

// app is an engine with the resources it holds open.
type app struct {
	cfg     *config.Config
	engine  *engine.Engine
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// openApp builds the engine described by the flags. Logs go to stderr.
func openApp(ctx context.Context, flags *commonFlags, stderr io.Writer) (*app, error) {
	cfg, err := flags.load()
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(stderr)
	a := &app{cfg: cfg}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = st.Close() })

	telemetry, err := observability.New(ctx, cfg.ObservabilityConfig())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(sctx)
	})

	registry, err := newRegistry(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var locker runlock.Locker
	if cfg.RedisAddr != "" {
		locker = runlock.NewRedisLockerFromAddr(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0, runlock.RedisLockerOptions{
			Prefix: cfg.RedisKeyPrefix,
			Lease:  cfg.RedisLockTTL,
			Logger: logger,
		})
	}

	mode, err := cfg.LogicMode()
	if err != nil {
		a.Close()
		return nil, err
	}
	trust, err := cfg.TrustRequirement()
	if err != nil {
		a.Close()
		return nil, err
	}
	policy, err := cfg.TrustPolicy()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine, err = engine.New(engine.Options{
		Store:            st,
		Registry:         registry,
		Locker:           locker,
		Logic:            mode,
		Limits:           cfg.Limits,
		TrustRequirement: trust,
		TrustPolicy:      policy,
		DiscloseEvidence: cfg.DiscloseEvidence,
		Logger:           logger,
		Telemetry:        telemetry,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreType {
	case config.StoreSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		return store.OpenSQLite(ctx, cfg.SQLitePath)
	case config.StorePostgres:
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return store.NewMemoryStore(), nil
	}
}

// newRegistry registers the built-in providers.
func newRegistry(cfg *config.Config, logger *slog.Logger) (*evidence.Registry, error) {
	reg := evidence.NewRegistry(cfg.ProviderTimeout, logger)
	opts := evidence.ProviderOptions{RateLimit: cfg.ProviderRateLimit, Burst: cfg.ProviderBurst}
	if err := reg.Register(providers.TimeProviderID, providers.NewTimeProvider(), opts); err != nil {
		return nil, err
	}
	celProvider, err := providers.NewCELProvider(cfg.CELCostLimit)
	if err != nil {
		return nil, err
	}
	opts.DefaultLane = evidence.LaneAsserted
	if err := reg.Register(providers.CELProviderID, celProvider, opts); err != nil {
		return nil, err
	}
	return reg, nil
}

// parseTimestamp reads "1710000000000" as unix milliseconds and
// "logical:N" as a logical counter. Empty means now.
func parseTimestamp(s string) (evidence.Timestamp, error) {
	if s == "" {
		return evidence.UnixMillis(time.Now().UnixMilli()), nil
	}
	if n, ok := strings.CutPrefix(s, "logical:"); ok {
		v, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return evidence.Timestamp{}, fmt.Errorf("invalid logical timestamp %q", s)
		}
		return evidence.Logical(v), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return evidence.Timestamp{}, fmt.Errorf("invalid timestamp %q: want unix milliseconds or logical:N", s)
	}
	return evidence.UnixMillis(v), nil
}

// readPayload returns inline JSON, or the contents of a file for "@path".
func readPayload(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	data := []byte(s)
	if path, ok := strings.CutPrefix(s, "@"); ok {
		b, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, err
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid json")
	}
	return json.RawMessage(data), nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
