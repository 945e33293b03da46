package watcher

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Scheduler runs one worker per source. Each worker waits out the source's
// interval measured from cycle *completion*, so cycles for a source never
// overlap; sources share no state and run concurrently.
type Scheduler struct {
	registry *Registry
	pipeline *Pipeline
	logger   *log.Logger

	// rdb guards cycles with a SetNX lock when several instances poll the
	// same sources. Nil disables locking.
	rdb     *redis.Client
	lockTTL time.Duration

	// mu guards running; the per-source mutexes serialize a manually
	// triggered cycle against the worker's scheduled cycle in this process.
	mu      sync.Mutex
	running map[string]*sync.Mutex
}

func NewScheduler(registry *Registry, pipeline *Pipeline, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	return &Scheduler{registry: registry, pipeline: pipeline, logger: logger, running: make(map[string]*sync.Mutex)}
}

// WithCycleLock enables the distributed cycle lock.
func (s *Scheduler) WithCycleLock(rdb *redis.Client, ttl time.Duration) *Scheduler {
	s.rdb = rdb
	s.lockTTL = ttl
	return s
}

// Run blocks until ctx is cancelled, polling every configured source.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range s.registry.ListSources() {
		src := src
		g.Go(func() error {
			s.watchSource(ctx, src)
			return nil
		})
	}
	return g.Wait()
}

// RunOnce executes a single cycle for the named source; used by the `once`
// subcommand and the manual-run API endpoint. It takes the same per-source
// mutex as the worker, so a triggered cycle never overlaps a scheduled one.
func (s *Scheduler) RunOnce(ctx context.Context, sourceID string) (CycleResult, error) {
	src, ok := s.registry.Get(sourceID)
	if !ok {
		return CycleResult{}, &FetchError{Ref: sourceID, Transient: false, Err: errUnknownSource(sourceID)}
	}
	mu := s.sourceMu(sourceID)
	mu.Lock()
	defer mu.Unlock()
	return s.pipeline.RunCycle(ctx, src)
}

func (s *Scheduler) sourceMu(sourceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.running[sourceID]
	if !ok {
		m = &sync.Mutex{}
		s.running[sourceID] = m
	}
	return m
}

func (s *Scheduler) watchSource(ctx context.Context, src Source) {
	s.logger.Printf("watching source %s (%s)", src.ID, src.URL)
	consecutiveFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		ran, unlock := s.acquireCycleLock(ctx, src.ID)

		if ran {
			// Jitter so sources configured with the same interval do not stampede.
			jitter := time.Duration(250+rand.Int63n(250)) * time.Millisecond
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				unlock()
				return
			}

			mu := s.sourceMu(src.ID)
			mu.Lock()
			res, err := s.pipeline.RunCycle(ctx, src)
			mu.Unlock()
			unlock()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				consecutiveFailures++
				s.logger.Printf("source %s: cycle failed (#%d in a row): %v", src.ID, consecutiveFailures, err)
			} else {
				consecutiveFailures = 0
				s.logger.Printf("source %s: cycle done: fetched=%d stored=%d unchanged=%d failed=%d",
					src.ID, res.Fetched, res.Stored, res.Unchanged, res.Failed)
			}
		}

		// The timer starts at cycle completion, not at cycle start.
		delay := s.nextDelay(src, consecutiveFailures)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// nextDelay picks the wait before the next cycle: the nominal interval (or
// cron gap) after a success, exponential backoff capped at BackoffCap while
// the source keeps failing.
func (s *Scheduler) nextDelay(src Source, consecutiveFailures int) time.Duration {
	nominal := src.PollInterval
	if src.Cron != nil {
		nominal = time.Until(src.Cron.Next(time.Now()))
		if nominal <= 0 {
			nominal = time.Second
		}
	}
	if consecutiveFailures == 0 {
		return nominal
	}

	base := src.PollInterval
	if base <= 0 {
		base = time.Minute
	}
	backoff := base
	for i := 1; i < consecutiveFailures; i++ {
		backoff *= 2
		if backoff >= src.BackoffCap {
			break
		}
	}
	if backoff > src.BackoffCap {
		backoff = src.BackoffCap
	}
	return backoff
}

// acquireCycleLock takes the distributed cycle lock for a source. Returns
// whether this instance should run the cycle and a release func. Lock errors
// fail open so a redis outage never stops polling; a held lock skips the
// cycle because another instance is already running it.
func (s *Scheduler) acquireCycleLock(ctx context.Context, sourceID string) (bool, func()) {
	noop := func() {}
	if s.rdb == nil || s.lockTTL <= 0 {
		return true, noop
	}
	lockKey := "regwatch:cycle:" + sourceID
	ok, err := s.rdb.SetNX(ctx, lockKey, "1", s.lockTTL).Result()
	if err != nil {
		s.logger.Printf("warn: cycle lock for %s: %v", sourceID, err)
		return true, noop
	}
	if !ok {
		return false, noop
	}
	return true, func() { s.rdb.Del(context.Background(), lockKey) }
}

type errUnknownSource string

func (e errUnknownSource) Error() string { return "unknown source id: " + string(e) }
