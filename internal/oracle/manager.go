package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shinrai-ai/trustwrapper/internal/cache"
)

// Config holds the manager's consensus and health parameters.
type Config struct {
	MinSources     int           // quorum for a consensus price
	DevNormal      float64       // max deviation still classified normal
	DevWarn        float64       // upper bound of the volatility-check band
	DevManip       float64       // inclusive upper bound for volatile
	StalenessLimit time.Duration // quotes older than this are rejected at ingestion
	QuoteTTL       time.Duration // per-quote cache TTL (0 disables quote caching)

	// failedProbeCooldown controls how often a failed/unreachable source is
	// re-probed so it can earn its way back to degraded.
	FailedProbeCooldown time.Duration
}

// SourceConfig is the static registration for one source.
type SourceConfig struct {
	ID                  string
	Weight              float64 // (0,1]
	DeclaredReliability float64 // (0,1]
	Timeout             time.Duration
}

// sourceState is the mutable per-source record. Owned exclusively by the
// manager; stats are updated under the per-source mutex.
type sourceState struct {
	cfg SourceConfig
	src Source

	mu          sync.Mutex
	status      SourceStatus
	successes   int64
	failures    int64
	consecFail  int
	consecOK    int
	emaLatency  float64 // milliseconds, α=0.1
	lastSuccess time.Time
	lastAttempt time.Time
}

// Manager fans out to N sources and fuses their quotes into a Verdict.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	cache   *cache.Cache // optional quote cache; may be nil
	clock   func() time.Time
	sources map[string]*sourceState
	order   []string // registration order, for deterministic iteration
}

// NewManager wires the configured sources. Every SourceConfig must have a
// matching Source implementation.
func NewManager(cfg Config, logger *slog.Logger, quoteCache *cache.Cache, clock func() time.Time, sources map[string]Source, sourceCfgs []SourceConfig) (*Manager, error) {
	if cfg.MinSources < 1 {
		return nil, fmt.Errorf("oracle: min sources must be >= 1, got %d", cfg.MinSources)
	}
	if clock == nil {
		clock = time.Now
	}
	m := &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "oracle"),
		cache:   quoteCache,
		clock:   clock,
		sources: make(map[string]*sourceState, len(sourceCfgs)),
	}
	for _, sc := range sourceCfgs {
		src, ok := sources[sc.ID]
		if !ok {
			return nil, fmt.Errorf("oracle: no source implementation registered for %q", sc.ID)
		}
		if sc.Weight <= 0 || sc.Weight > 1 {
			return nil, fmt.Errorf("oracle: source %q weight must be in (0,1], got %v", sc.ID, sc.Weight)
		}
		if _, dup := m.sources[sc.ID]; dup {
			return nil, fmt.Errorf("oracle: duplicate source id %q", sc.ID)
		}
		m.sources[sc.ID] = &sourceState{cfg: sc, src: src, status: StatusHealthy}
		m.order = append(m.order, sc.ID)
	}
	return m, nil
}

// Verify fans out to the selected sources and returns a single Verdict.
// The fan-out budget is ctx's deadline; partial results are accepted. Verify
// never returns an error — a failed fan-out is an insufficient_sources
// verdict, and the caller decides policy.
func (m *Manager) Verify(ctx context.Context, pair string, at time.Time) Verdict {
	return m.VerifyAllowed(ctx, pair, at, nil)
}

// VerifyAllowed is Verify restricted to an allow-list of source IDs.
// A nil allow-list means all configured sources.
func (m *Manager) VerifyAllowed(ctx context.Context, pair string, at time.Time, allow []string) Verdict {
	selected := m.selectSources(allow)
	if len(selected) == 0 {
		return m.insufficient(0)
	}

	var (
		mu     sync.Mutex
		quotes []Quote
	)
	g := new(errgroup.Group)
	for _, st := range selected {
		g.Go(func() error {
			q, err := m.fetchOne(ctx, st, pair, at)
			if err != nil {
				return nil // recorded against the source; partial results are fine
			}
			mu.Lock()
			quotes = append(quotes, q)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Deterministic ordering regardless of arrival order.
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].SourceID < quotes[j].SourceID })

	if len(quotes) < m.cfg.MinSources {
		m.logger.Warn("oracle quorum not met",
			"pair", pair, "quotes", len(quotes), "min_sources", m.cfg.MinSources)
		return m.insufficient(len(quotes))
	}
	return m.fuse(selected, quotes)
}

// fetchOne fetches a quote from one source, going through the quote cache
// when configured. Health stats are updated only on real fetches, inside
// the cache's compute path.
func (m *Manager) fetchOne(ctx context.Context, st *sourceState, pair string, at time.Time) (Quote, error) {
	fetch := func(ctx context.Context) (any, error) {
		timeout := st.cfg.Timeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := deadline.Sub(m.clock()); remaining < timeout {
				timeout = remaining
			}
		}
		if timeout <= 0 {
			return Quote{}, context.DeadlineExceeded
		}
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := m.clock()
		q, err := st.src.Fetch(fetchCtx, pair, at)
		elapsed := m.clock().Sub(start)
		if err == nil {
			err = m.validateQuote(q)
		}
		if err != nil {
			m.recordFailure(st, elapsed, err)
			return Quote{}, err
		}
		m.recordSuccess(st, elapsed)
		return q, nil
	}

	if m.cache == nil || m.cfg.QuoteTTL <= 0 {
		v, err := fetch(ctx)
		if err != nil {
			return Quote{}, err
		}
		return v.(Quote), nil
	}

	key := quoteKey(st.cfg.ID, pair, at, m.cfg.QuoteTTL)
	v, err := m.cache.GetOrCompute(ctx, key, m.cfg.QuoteTTL, fetch)
	if err != nil {
		return Quote{}, err
	}
	return v.(Quote), nil
}

// validateQuote rejects malformed or stale quotes at ingestion.
func (m *Manager) validateQuote(q Quote) error {
	if q.Price <= 0 {
		return fmt.Errorf("oracle: source %s returned non-positive price %v", q.SourceID, q.Price)
	}
	received := q.ReceivedAt
	if received.IsZero() {
		received = m.clock()
	}
	if m.cfg.StalenessLimit > 0 && received.Sub(q.ObservedAt) > m.cfg.StalenessLimit {
		return fmt.Errorf("oracle: source %s quote is stale (observed %s before receipt)",
			q.SourceID, received.Sub(q.ObservedAt))
	}
	return nil
}

// fuse computes the consensus verdict from at-quorum quotes.
func (m *Manager) fuse(attempted []*sourceState, quotes []Quote) Verdict {
	consensus := m.weightedMedian(quotes)

	var maxDev float64
	participating := make([]string, 0, len(quotes))
	for _, q := range quotes {
		dev := math.Abs(q.Price-consensus) / consensus
		if dev > maxDev {
			maxDev = dev
		}
		participating = append(participating, q.SourceID)
	}

	return Verdict{
		ConsensusPrice:       consensus,
		MaxDeviation:         maxDev,
		ParticipatingSources: participating,
		SourceCount:          len(quotes),
		HealthScore:          m.healthScore(attempted, quotes),
		Classification:       m.classify(maxDev, quotes),
	}
}

// weightedMedian returns the smallest price p* such that the cumulative
// weight of quotes priced ≤ p* reaches half the total weight. Quote weights
// are source weight × quote confidence. The "smallest such price" rule is
// the conservative tie-break.
func (m *Manager) weightedMedian(quotes []Quote) float64 {
	type wq struct {
		price  float64
		weight float64
	}
	ws := make([]wq, 0, len(quotes))
	var total float64
	for _, q := range quotes {
		w := m.sourceWeight(q.SourceID) * q.Confidence
		if w <= 0 {
			continue
		}
		ws = append(ws, wq{price: q.Price, weight: w})
		total += w
	}
	if len(ws) == 0 {
		// All weights vanished (zero confidences): fall back to the plain
		// median over prices.
		prices := make([]float64, len(quotes))
		for i, q := range quotes {
			prices[i] = q.Price
		}
		sort.Float64s(prices)
		return prices[(len(prices)-1)/2]
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].price < ws[j].price })

	half := total / 2
	var cum float64
	for _, w := range ws {
		cum += w.weight
		if cum >= half {
			return w.price
		}
	}
	return ws[len(ws)-1].price
}

// classify buckets the observed deviation. The dev_manip boundary is
// inclusive on the lower side: exactly dev_manip is still volatile.
func (m *Manager) classify(maxDev float64, quotes []Quote) Classification {
	switch {
	case maxDev <= m.cfg.DevNormal:
		return ClassNormal
	case maxDev <= m.cfg.DevWarn:
		if relativeStd(quotes) <= 0.02 {
			return ClassNormal
		}
		return ClassVolatile
	case maxDev <= m.cfg.DevManip:
		return ClassVolatile
	default:
		return ClassSuspectedManipulation
	}
}

// healthScore averages the weighted fraction of sources that answered with
// the mean confidence of the quotes they returned.
func (m *Manager) healthScore(attempted []*sourceState, quotes []Quote) float64 {
	succeeded := make(map[string]bool, len(quotes))
	var confSum float64
	for _, q := range quotes {
		succeeded[q.SourceID] = true
		confSum += q.Confidence
	}

	var totalWeight, okWeight float64
	for _, st := range attempted {
		totalWeight += st.cfg.Weight
		if succeeded[st.cfg.ID] {
			okWeight += st.cfg.Weight
		}
	}
	if totalWeight == 0 || len(quotes) == 0 {
		return 0
	}
	weightedFrac := okWeight / totalWeight
	meanConf := confSum / float64(len(quotes))
	return (weightedFrac + meanConf) / 2
}

func (m *Manager) insufficient(gotQuotes int) Verdict {
	return Verdict{
		MaxDeviation:   1,
		SourceCount:    gotQuotes,
		HealthScore:    float64(gotQuotes) / float64(m.cfg.MinSources),
		Classification: ClassInsufficientSources,
	}
}

// selectSources returns the sources eligible for this fan-out: the
// intersection with the allow-list, filtered to healthy/degraded. A source
// sitting in failed/unreachable is re-probed after the cooldown so a
// recovered feed can earn its way back.
func (m *Manager) selectSources(allow []string) []*sourceState {
	var allowed map[string]bool
	if len(allow) > 0 {
		allowed = make(map[string]bool, len(allow))
		for _, id := range allow {
			allowed[id] = true
		}
	}

	now := m.clock()
	var selected []*sourceState
	for _, id := range m.order {
		if allowed != nil && !allowed[id] {
			continue
		}
		st := m.sources[id]
		st.mu.Lock()
		eligible := st.status == StatusHealthy || st.status == StatusDegraded
		if !eligible && m.cfg.FailedProbeCooldown > 0 &&
			now.Sub(st.lastAttempt) >= m.cfg.FailedProbeCooldown {
			eligible = true
		}
		if eligible {
			st.lastAttempt = now
		}
		st.mu.Unlock()
		if eligible {
			selected = append(selected, st)
		}
	}
	return selected
}

func (m *Manager) sourceWeight(id string) float64 {
	if st, ok := m.sources[id]; ok {
		return st.cfg.Weight
	}
	return 0
}

// recordSuccess applies the health state machine: first success restores a
// failing source to degraded; three consecutive successes restore healthy.
func (m *Manager) recordSuccess(st *sourceState, elapsed time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.successes++
	st.consecFail = 0
	st.consecOK++
	st.lastSuccess = m.clock()
	st.emaLatency = ema(st.emaLatency, float64(elapsed)/float64(time.Millisecond))

	switch st.status {
	case StatusFailed, StatusUnreachable:
		st.status = StatusDegraded
	case StatusDegraded:
		if st.consecOK >= 3 {
			st.status = StatusHealthy
		}
	}
}

// recordFailure transitions to degraded after 3 consecutive failures and to
// failed after 10. Deadline failures past that point mark unreachable.
func (m *Manager) recordFailure(st *sourceState, elapsed time.Duration, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failures++
	st.consecOK = 0
	st.consecFail++
	st.emaLatency = ema(st.emaLatency, float64(elapsed)/float64(time.Millisecond))

	switch {
	case st.consecFail >= 10:
		if errors.Is(err, context.DeadlineExceeded) {
			st.status = StatusUnreachable
		} else {
			st.status = StatusFailed
		}
	case st.consecFail >= 3:
		st.status = StatusDegraded
	}
	m.logger.Debug("oracle source failure",
		"source", st.cfg.ID, "consecutive", st.consecFail, "status", string(st.status), "error", err)
}

// Snapshot returns per-source rolling stats in registration order.
func (m *Manager) Snapshot() []SourceInfo {
	infos := make([]SourceInfo, 0, len(m.order))
	for _, id := range m.order {
		st := m.sources[id]
		st.mu.Lock()
		infos = append(infos, SourceInfo{
			ID:           st.cfg.ID,
			Status:       st.status,
			Weight:       st.cfg.Weight,
			Successes:    st.successes,
			Failures:     st.failures,
			EMALatencyMs: st.emaLatency,
			LastSuccess:  st.lastSuccess,
		})
		st.mu.Unlock()
	}
	return infos
}

// ema folds one sample into an exponential moving average with α = 0.1.
// A zero prior seeds directly from the sample.
func ema(prior, sample float64) float64 {
	if prior == 0 {
		return sample
	}
	return prior*0.9 + sample*0.1
}

// relativeStd is the population standard deviation of prices over their mean.
func relativeStd(quotes []Quote) float64 {
	if len(quotes) < 2 {
		return 0
	}
	var sum float64
	for _, q := range quotes {
		sum += q.Price
	}
	mean := sum / float64(len(quotes))
	if mean == 0 {
		return 0
	}
	var varSum float64
	for _, q := range quotes {
		d := q.Price - mean
		varSum += d * d
	}
	return math.Sqrt(varSum/float64(len(quotes))) / mean
}

// quoteKey buckets the requested timestamp by the quote TTL so repeated
// lookups for the same pair within the TTL share a cache entry.
func quoteKey(sourceID, pair string, at time.Time, ttl time.Duration) string {
	bucket := at.UnixNano() / int64(ttl)
	return fmt.Sprintf("quote:%s:%s:%d", sourceID, pair, bucket)
}
