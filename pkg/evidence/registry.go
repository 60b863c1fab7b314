package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Provider answers evidence queries. Implementations must honour ctx; the
// registry also stops waiting when ctx expires.
type Provider interface {
	Query(ctx context.Context, q Query, ec Context) (Result, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, q Query, ec Context) (Result, error)

func (f ProviderFunc) Query(ctx context.Context, q Query, ec Context) (Result, error) {
	return f(ctx, q, ec)
}

// ErrDuplicateProvider is returned when a provider id is registered twice.
var ErrDuplicateProvider = errors.New("evidence: provider already registered")

// ProviderOptions tune how the registry calls one provider.
type ProviderOptions struct {
	// Timeout bounds each query. Zero uses the registry default.
	Timeout time.Duration
	// RateLimit is queries per second; zero means unlimited.
	RateLimit float64
	Burst     int
	// DefaultLane is applied to results that do not set a lane.
	DefaultLane TrustLane
}

type providerEntry struct {
	provider Provider
	timeout  time.Duration
	limiter  *rate.Limiter
	lane     TrustLane
}

// Registry dispatches queries to registered providers. It never returns an
// error from Query: every failure is folded into a Result.
type Registry struct {
	mu             sync.RWMutex
	providers      map[string]*providerEntry
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// DefaultProviderTimeout bounds queries when neither the registry nor the
// provider sets a timeout.
const DefaultProviderTimeout = 5 * time.Second

// NewRegistry creates an empty registry.
func NewRegistry(defaultTimeout time.Duration, logger *slog.Logger) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultProviderTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		providers:      make(map[string]*providerEntry),
		defaultTimeout: defaultTimeout,
		logger:         logger.With("component", "evidence_registry"),
	}
}

// Register adds a provider under id.
func (r *Registry) Register(id string, p Provider, opts ProviderOptions) error {
	if id == "" {
		return fmt.Errorf("evidence: provider id is empty")
	}
	if p == nil {
		return fmt.Errorf("evidence: provider %q is nil", id)
	}
	e := &providerEntry{provider: p, timeout: opts.Timeout, lane: opts.DefaultLane}
	if e.timeout <= 0 {
		e.timeout = r.defaultTimeout
	}
	if e.lane == "" {
		e.lane = LaneVerified
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, id)
	}
	r.providers[id] = e
	return nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[id]
	return ok
}

// Providers lists registered provider ids in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type queryOutcome struct {
	res Result
	err error
}

// Query runs q against its provider within the provider's timeout.
func (r *Registry) Query(ctx context.Context, q Query, ec Context) Result {
	r.mu.RLock()
	e, ok := r.providers[q.ProviderID]
	r.mu.RUnlock()
	if !ok {
		return Failed(CodeUnknownProvider, fmt.Sprintf("provider %q is not registered", q.ProviderID))
	}
	if e.limiter != nil && !e.limiter.Allow() {
		r.logger.WarnContext(ctx, "provider rate limited", "provider_id", q.ProviderID, "run_id", ec.RunID)
		return Failed(CodeRateLimited, fmt.Sprintf("provider %q rate limited", q.ProviderID))
	}

	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan queryOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- queryOutcome{err: fmt.Errorf("provider panicked: %v", p)}
			}
		}()
		res, err := e.provider.Query(qctx, q, ec)
		done <- queryOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			r.logger.WarnContext(ctx, "provider query failed",
				"provider_id", q.ProviderID,
				"check_id", q.CheckID,
				"run_id", ec.RunID,
				"error", out.err,
			)
			return Failed(CodeProviderError, out.err.Error())
		}
		res := out.res
		if res.Lane == "" {
			res.Lane = e.lane
		}
		return res
	case <-qctx.Done():
		r.logger.WarnContext(ctx, "provider query timed out",
			"provider_id", q.ProviderID,
			"check_id", q.CheckID,
			"run_id", ec.RunID,
			"timeout", e.timeout,
		)
		return Failed(CodeProviderTimeout, fmt.Sprintf("provider %q did not answer within %s", q.ProviderID, e.timeout))
	}
}
