package distnode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nanoquery-dev/nanoquery"
)

// Service wraps a nanoquery.Context behind an Encore service boundary,
// applying the same package-singleton shape the distributed caching
// system's own services use (initService/once, a package-level svc
// checked for nil by every top-level endpoint).
//
// The audit field is nil unless a caller sets it: neither initService nor
// Bind constructs an AuditLogger, so as shipped Invalidate writes no audit
// rows and GetAudit returns an empty response. MutateCache never writes an
// audit row.
//
//encore:service
type Service struct {
	ctx     *nanoquery.Context
	nodeID  string
	audit   *AuditLogger
	metrics *Metrics
}

// Metrics tracks distnode's own coordination counters, distinct from the
// core engine's fetch/mutation counters (those live on nanoquery.Context).
type Metrics struct {
	mu                   sync.Mutex
	InvalidationsApplied int64
	InvalidationsSent    int64
	RefreshesApplied     int64
	RefreshesSent        int64
}

func (m *Metrics) incApplied()    { m.mu.Lock(); m.InvalidationsApplied++; m.mu.Unlock() }
func (m *Metrics) incSent()       { m.mu.Lock(); m.InvalidationsSent++; m.mu.Unlock() }
func (m *Metrics) incRefApplied() { m.mu.Lock(); m.RefreshesApplied++; m.mu.Unlock() }
func (m *Metrics) incRefSent()    { m.mu.Lock(); m.RefreshesSent++; m.mu.Unlock() }

var (
	svc  *Service
	once sync.Once
)

// initService is called automatically by Encore at startup. The actual
// nanoquery.Context is constructed here with defaults suitable for a
// shared-tier deployment; callers that embed this service in their own
// binary can call Bind to supply a pre-configured Context instead (e.g.
// one already wired with a real fetch function).
func initService() (*Service, error) {
	var err error
	once.Do(func() {
		_, _, ctx := nanoquery.New(nanoquery.Config{
			CacheShards:      32,
			MaxRevalidateRPS: 50,
		})
		svc = &Service{
			ctx:     ctx,
			nodeID:  uuid.New().String(),
			metrics: &Metrics{},
		}
	})
	return svc, err
}

// Bind replaces the service's nanoquery.Context, for hosts that construct
// their own instance (with a real fetcher wired in) and want distnode's
// Pub/Sub coordination layered on top of it.
func Bind(ctx *nanoquery.Context) {
	once.Do(func() {})
	svc = &Service{ctx: ctx, nodeID: uuid.New().String(), metrics: &Metrics{}}
}

// InvalidateRequest names the keys or pattern to invalidate cluster-wide.
type InvalidateRequest struct {
	Keys    []string `json:"keys,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

// InvalidateResponse echoes the correlation id assigned to the broadcast.
type InvalidateResponse struct {
	RequestID string `json:"request_id"`
}

// Invalidate invalidates the given keys/pattern on this node and
// broadcasts the same invalidation to every other node in the cluster.
//
//encore:api public method=POST path=/nanoquery/invalidate
func Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("distnode: service not initialized")
	}
	return svc.invalidate(ctx, req)
}

func (s *Service) invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if len(req.Keys) == 0 && req.Pattern == "" {
		return nil, errors.New("distnode: keys or pattern required")
	}
	requestID := uuid.New().String()
	start := time.Now()

	if req.Pattern != "" {
		s.ctx.InvalidateKeys(req.Pattern)
	}
	if len(req.Keys) > 0 {
		s.ctx.InvalidateKeys(req.Keys)
	}
	s.metrics.incApplied()

	event := &InvalidateEvent{
		Version:     EventVersion1,
		Node:        s.nodeID,
		Keys:        req.Keys,
		Pattern:     req.Pattern,
		TriggeredAt: time.Now(),
		RequestID:   requestID,
	}
	if _, err := InvalidateTopic.Publish(ctx, event); err != nil {
		return nil, err
	}
	s.metrics.incSent()

	if s.audit != nil {
		_ = s.audit.Insert(ctx, AuditLog{
			Pattern:     req.Pattern,
			Keys:        req.Keys,
			TriggeredBy: s.nodeID,
			Timestamp:   start,
			RequestID:   requestID,
			LatencyMS:   time.Since(start).Milliseconds(),
		})
	}

	return &InvalidateResponse{RequestID: requestID}, nil
}

// MutateCacheRequest writes (or, with Delete=true, removes) a cache entry
// on this node and publishes a MutationCompletedEvent for the rest of the
// cluster. No subscription to that topic is declared in this package, so
// other nodes' caches are not changed by it.
type MutateCacheRequest struct {
	Keys   []string `json:"keys,omitempty"`
	Value  any      `json:"value,omitempty"`
	Delete bool     `json:"delete,omitempty"`
}

//encore:api public method=POST path=/nanoquery/mutate-cache
func MutateCache(ctx context.Context, req *MutateCacheRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("distnode: service not initialized")
	}
	return svc.mutateCache(ctx, req)
}

func (s *Service) mutateCache(ctx context.Context, req *MutateCacheRequest) (*InvalidateResponse, error) {
	if len(req.Keys) == 0 {
		return nil, errors.New("distnode: keys required")
	}
	requestID := uuid.New().String()

	value := req.Value
	if req.Delete {
		value = nanoquery.Delete
	}
	s.ctx.MutateCache(req.Keys, value)

	event := &MutationCompletedEvent{
		Version:     EventVersion1,
		Node:        s.nodeID,
		Keys:        req.Keys,
		Succeeded:   true,
		TriggeredAt: time.Now(),
		RequestID:   requestID,
	}
	if _, err := MutationCompletedTopic.Publish(ctx, event); err != nil {
		return nil, err
	}

	return &InvalidateResponse{RequestID: requestID}, nil
}

// MetricsResponse reports distnode's own coordination counters alongside
// the core engine's fetch/mutation counters.
type MetricsResponse struct {
	InvalidationsApplied int64 `json:"invalidations_applied"`
	InvalidationsSent    int64 `json:"invalidations_sent"`
	RefreshesApplied     int64 `json:"refreshes_applied"`
	RefreshesSent        int64 `json:"refreshes_sent"`
	CacheHits            int64 `json:"cache_hits"`
	CacheMisses          int64 `json:"cache_misses"`
	FetchesStarted       int64 `json:"fetches_started"`
	FetchesSucceeded     int64 `json:"fetches_succeeded"`
	FetchesFailed        int64 `json:"fetches_failed"`
}

//encore:api public method=GET path=/nanoquery/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("distnode: service not initialized")
	}
	return svc.getMetrics(), nil
}

func (s *Service) getMetrics() *MetricsResponse {
	engine, _ := s.ctx.Metrics()
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()
	return &MetricsResponse{
		InvalidationsApplied: s.metrics.InvalidationsApplied,
		InvalidationsSent:    s.metrics.InvalidationsSent,
		RefreshesApplied:     s.metrics.RefreshesApplied,
		RefreshesSent:        s.metrics.RefreshesSent,
		CacheHits:            engine.CacheHits.Load(),
		CacheMisses:          engine.CacheMisses.Load(),
		FetchesStarted:       engine.FetchesStarted.Load(),
		FetchesSucceeded:     engine.FetchesSucceeded.Load(),
		FetchesFailed:        engine.FetchesFailed.Load(),
	}
}

// AuditResponse is the paginated audit trail response.
type AuditResponse struct {
	Logs  []AuditLog `json:"logs"`
	Total int        `json:"total"`
}

//encore:api public method=GET path=/nanoquery/audit
func GetAudit(ctx context.Context) (*AuditResponse, error) {
	if svc == nil {
		return nil, errors.New("distnode: service not initialized")
	}
	if svc.audit == nil {
		return &AuditResponse{}, nil
	}
	logs, err := svc.audit.GetRecent(ctx, 100, 0, "")
	if err != nil {
		return nil, err
	}
	total, err := svc.audit.GetCount(ctx, "")
	if err != nil {
		return nil, err
	}
	return &AuditResponse{Logs: logs, Total: total}, nil
}

func handleInvalidateEvent(ctx context.Context, event *InvalidateEvent) error {
	if svc == nil || event.Node == svc.nodeID {
		return nil
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Pattern != "" {
		svc.ctx.InvalidateKeys(event.Pattern)
	}
	if len(event.Keys) > 0 {
		svc.ctx.InvalidateKeys(event.Keys)
	}
	svc.metrics.incApplied()
	return nil
}

func handleRefreshEvent(ctx context.Context, event *RefreshEvent) error {
	if svc == nil || event.Node == svc.nodeID {
		return nil
	}
	if err := event.Validate(); err != nil {
		return err
	}
	svc.ctx.InvalidateKeys(event.Key)
	svc.metrics.incRefApplied()
	return nil
}
