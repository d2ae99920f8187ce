package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/ble"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// DefaultInterval is the pause between scan cycles.
const DefaultInterval = 5 * time.Second

// Scanner yields the advertisements heard during one scan window.
type Scanner interface {
	Scan(ctx context.Context, timeout time.Duration) ([]ble.Observation, error)
}

// CycleSink receives the outcome of every completed cycle.
type CycleSink interface {
	HandleCycle(ctx context.Context, res CycleResult) error
}

// ScanErrorSink is optionally implemented by sinks that track scanner health.
type ScanErrorSink interface {
	HandleScanError(ctx context.Context, err error)
}

// CycleResult is what one polling cycle produced.
type CycleResult struct {
	Seq int       `json:"seq"`
	At  time.Time `json:"at"`
	// Batch holds the refreshed record of every address heard this cycle,
	// in discovery order.
	Batch    []DeviceRecord `json:"batch"`
	Clusters ClusterResult  `json:"clusters"`
	People   int            `json:"people"`
	// Observed counts raw advertisements returned by the scanner.
	Observed int `json:"observed"`
	// Skipped counts malformed advertisements.
	Skipped int `json:"skipped"`
	// Dropped counts advertisements ranged beyond the distance ceiling.
	Dropped int `json:"dropped"`
	// Registered is the registry size after the cycle.
	Registered int `json:"registered"`
}

// CoordinatorConfig holds the scan loop parameters.
type CoordinatorConfig struct {
	Interval           time.Duration
	ScanTimeout        time.Duration
	DistanceCeiling    float64
	ProximityThreshold float64
}

// DefaultCoordinatorConfig returns the stock scan loop parameters.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Interval:           DefaultInterval,
		ScanTimeout:        DefaultInterval,
		DistanceCeiling:    DefaultDistanceCeiling,
		ProximityThreshold: DefaultProximityThreshold,
	}
}

// Coordinator drives scan cycles: scan, range, register, cluster, report.
// Only one cycle runs at a time.
type Coordinator struct {
	scanner   Scanner
	registry  *Registry
	clusterer Clusterer
	cfg       CoordinatorConfig
	clock     timeutil.Clock
	sinks     []CycleSink

	cycleMu sync.Mutex

	mu      sync.RWMutex
	seq     int
	last    *CycleResult
	history []CycleResult
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock, for tests.
func WithClock(clock timeutil.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithSinks registers sinks that are told about every cycle.
func WithSinks(sinks ...CycleSink) Option {
	return func(c *Coordinator) { c.sinks = append(c.sinks, sinks...) }
}

// historyLimit bounds the in-memory cycle history served to charts.
const historyLimit = 720

// NewCoordinator wires a scanner to a registry.
func NewCoordinator(scanner Scanner, registry *Registry, cfg CoordinatorConfig, opts ...Option) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = cfg.Interval
	}
	c := &Coordinator{
		scanner:   scanner,
		registry:  registry,
		clusterer: Clusterer{Ceiling: cfg.DistanceCeiling, Threshold: cfg.ProximityThreshold},
		cfg:       cfg,
		clock:     timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the registry the coordinator writes to.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Config returns the loop parameters.
func (c *Coordinator) Config() CoordinatorConfig { return c.cfg }

// Cycle runs one scan cycle to completion.
func (c *Coordinator) Cycle(ctx context.Context) (CycleResult, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	now := c.clock.Now()
	observations, err := c.scanner.Scan(ctx, c.cfg.ScanTimeout)
	if err != nil {
		for _, sink := range c.sinks {
			if es, ok := sink.(ScanErrorSink); ok {
				es.HandleScanError(ctx, err)
			}
		}
		return CycleResult{}, fmt.Errorf("scan failed: %w", err)
	}

	res := CycleResult{At: now.Truncate(time.Second), Observed: len(observations)}
	position := make(map[string]int, len(observations))
	for _, obs := range observations {
		obs.Address = ble.NormalizeAddress(obs.Address)
		if err := obs.Validate(); err != nil {
			res.Skipped++
			monitoring.Debugf("skipping advert %v: %v", obs, err)
			continue
		}

		// unknown ranges are registered; only a known range past the
		// ceiling is dropped
		d := ble.Estimate(obs.SignalStrength, c.registry.ReferencePower())
		if d.Known() && !d.Within(c.cfg.DistanceCeiling) {
			res.Dropped++
			continue
		}

		rec, err := c.registry.Upsert(obs.Address, obs.SignalStrength, obs.AdvertisedName, now)
		if err != nil {
			res.Skipped++
			monitoring.Logf("failed to register %s: %v", obs.Address, err)
			continue
		}
		if i, ok := position[rec.Address]; ok {
			res.Batch[i] = rec
			continue
		}
		position[rec.Address] = len(res.Batch)
		res.Batch = append(res.Batch, rec)
	}

	res.Clusters = c.clusterer.Clusters(res.Batch)
	res.People = res.Clusters.People()
	res.Registered = c.registry.Len()

	c.mu.Lock()
	c.seq++
	res.Seq = c.seq
	c.last = &res
	c.history = append(c.history, res)
	if len(c.history) > historyLimit {
		c.history = c.history[len(c.history)-historyLimit:]
	}
	c.mu.Unlock()

	for _, sink := range c.sinks {
		if err := sink.HandleCycle(ctx, res); err != nil {
			monitoring.Logf("cycle %d sink %T failed: %v", res.Seq, sink, err)
		}
	}
	return res, nil
}

// Run cycles until ctx is cancelled. Cancellation is honoured between
// cycles; a cycle that has started always finishes, so the registry is left
// in a consistent state for the final report.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := c.Cycle(context.WithoutCancel(ctx))
		if err != nil {
			log.Printf("scan cycle error: %v", err)
		} else {
			log.Printf("Estimated people count (devices within %.1f m considered the same): %d [heard=%d registered=%d]",
				c.cfg.ProximityThreshold, res.People, len(res.Batch), res.Registered)
		}

		timer := c.clock.NewTimer(c.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}

// Latest returns the most recent cycle result.
func (c *Coordinator) Latest() (CycleResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return CycleResult{}, false
	}
	return *c.last, true
}

// History returns the retained cycle results, oldest first.
func (c *Coordinator) History() []CycleResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CycleResult(nil), c.history...)
}

// IsStopped reports whether err is the normal end of Run.
func IsStopped(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
