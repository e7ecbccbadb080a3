package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"deepresearch/internal/async"
	errs "deepresearch/internal/errors"
	"deepresearch/internal/logging"
	"deepresearch/internal/metrics"
	"deepresearch/internal/research/domain"
	"deepresearch/internal/research/ports"
)

// storeRetryConfig bounds the §4.H transient-retry-with-backoff path applied
// around store writes: a couple of quick attempts for a store hiccup, short
// enough not to stall the caller or the pipeline goroutine behind it.
var storeRetryConfig = errs.RetryConfig{
	MaxAttempts:  2,
	BaseDelay:    100 * time.Millisecond,
	MaxDelay:     time.Second,
	JitterFactor: 0.25,
}

// upsertWithRetry retries a store Upsert per storeRetryConfig, but only for
// errors errs.IsTransient classifies as worth retrying; anything else (or a
// still-failing transient error) falls through to the caller's degraded-mode
// handling.
func upsertWithRetry(ctx context.Context, store ports.TaskStore, logger logging.Logger, rec *domain.Record) error {
	return errs.RetryWithLog(ctx, storeRetryConfig, func(attemptCtx context.Context) error {
		return store.Upsert(attemptCtx, rec)
	}, logger)
}

const (
	defaultMaxTasks           = 10000
	maxSubscribersPerTask     = 100
	maxOutputBufferEntries    = 1000
	bufferTrimRetainFraction  = 0.8
	ageEvictionThreshold      = 7 * 24 * time.Hour
	ageEvictionSizeFraction   = 0.8
	normalCleanupInterval     = 5 * time.Minute
	elevatedCleanupInterval   = 2 * time.Minute
	level2CompletedRetention  = 2 * time.Hour
	level3CompletedRetention  = 24 * time.Hour
	level3AggressiveFraction  = 0.5
	resolvedFingerprintCacheN = 4096
)

// Validity is the outcome of cache adjudication (§4.F).
type Validity string

const (
	ValidityValid   Validity = "valid"
	ValidityRunning Validity = "running"
	ValidityInvalid Validity = "invalid"
)

// HealthStatus summarizes overall engine health (§4.F stats/health).
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Stats is the aggregate snapshot returned by Manager.Stats.
type Stats struct {
	ByStatus         map[domain.Status]int
	TotalSubscribers int
	MemoryUsedBytes  uint64
	MemoryBudget     uint64
	Pressure         PressureLevel
	Health           HealthStatus
}

// runningJob is the live-job-table entry for a task in flight.
type runningJob struct {
	cancel context.CancelCauseFunc
}

type subscriberEntry struct {
	subs map[int]ports.Subscriber
	next int
}

// PipelineRunner is what the task manager drives in the background; it is
// implemented by the pipeline driver (§4.E) and kept as a narrow interface
// here so app doesn't import domain's pipeline orchestration directly.
type PipelineRunner interface {
	Run(ctx context.Context, record *domain.Record, emit EventEmitter) error
}

// EventEmitter is the single callback interface the pipeline driver uses to
// report output chunks and progress (§5 "Ordering guarantees": both are
// serialized through the same interface).
type EventEmitter interface {
	AppendOutput(chunk string)
	UpdateProgress(step domain.Step, stepStatus domain.StepStatus, finishReason domain.FinishReason)
}

// Manager is the Task Manager of §4.F: identity, lifecycle, cache
// adjudication, per-task output buffer, subscriber registry, and
// memory-pressure cleanup. It holds one conceptual lock (§5 "Locking
// discipline") protecting the record table, subscriber counts, and job
// handles; long I/O happens outside the lock.
type Manager struct {
	mu sync.RWMutex

	store  ports.TaskStore
	logger logging.Logger

	records     map[string]*domain.Record
	jobs        map[string]*runningJob
	subscribers map[string]*subscriberEntry

	maxTasks int

	resolvedCache *lru.Cache[string, struct{}]
	launchGroup   singleflight.Group

	stopOnce sync.Once
	stopCh   chan struct{}

	storeDegraded bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxTasks overrides the default task-count cap used for subscriber
// bounds and age eviction thresholds.
func WithMaxTasks(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxTasks = n
		}
	}
}

// WithManagerLogger overrides the default component logger.
func WithManagerLogger(logger logging.Logger) ManagerOption {
	return func(m *Manager) {
		if !logging.IsNil(logger) {
			m.logger = logger
		}
	}
}

// NewManager builds a Task Manager backed by store and starts its
// background cleanup loop. Call Destroy on shutdown.
func NewManager(store ports.TaskStore, opts ...ManagerOption) *Manager {
	cache, _ := lru.New[string, struct{}](resolvedFingerprintCacheN)
	m := &Manager{
		store:         store,
		logger:        logging.NewComponentLogger("task_manager"),
		records:       make(map[string]*domain.Record),
		jobs:          make(map[string]*runningJob),
		subscribers:   make(map[string]*subscriberEntry),
		maxTasks:      defaultMaxTasks,
		resolvedCache: cache,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	async.Go(m.logger, "task_manager.cleanup_loop", m.cleanupLoop)
	return m
}

// Fingerprint exposes the identity derivation of §3/§4.F.
func (m *Manager) Fingerprint(params domain.Params) string {
	if params.UserMessageID != "" {
		return params.UserMessageID
	}
	return domain.Fingerprint(params)
}

// Validate adjudicates cache validity for id per §4.F. A positive
// (valid-complete) verdict is remembered in resolvedCache so repeat lookups
// for the same already-finished id skip the store round trip entirely.
func (m *Manager) Validate(ctx context.Context, id string) (Validity, *domain.Record) {
	if _, known := m.resolvedCache.Get(id); known {
		m.mu.RLock()
		rec := m.records[id]
		m.mu.RUnlock()
		if rec != nil {
			return ValidityValid, rec
		}
		if stored, err := m.store.Get(ctx, id); err == nil && stored != nil {
			return ValidityValid, stored
		}
		m.resolvedCache.Remove(id)
	}

	m.mu.RLock()
	rec, inMemory := m.records[id]
	_, running := m.jobs[id]
	m.mu.RUnlock()

	if !inMemory {
		stored, err := m.store.Get(ctx, id)
		if err != nil {
			m.logger.Warn("store lookup failed during validate for %s: %v", id, err)
			return ValidityInvalid, nil
		}
		if stored == nil {
			return ValidityInvalid, nil
		}
		rec = stored
	}

	if rec == nil {
		return ValidityInvalid, nil
	}
	if running && rec.Status == domain.StatusRunning {
		return ValidityRunning, rec
	}
	if rec.EvaluateCompletion() {
		m.resolvedCache.Add(id, struct{}{})
		return ValidityValid, rec
	}
	return ValidityInvalid, rec
}

// Archive renames the record at id to its archived form and drops all
// in-memory state for it (§3, §4.F "Archival").
func (m *Manager) Archive(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if ok {
		delete(m.records, id)
		delete(m.jobs, id)
		delete(m.subscribers, id)
	}
	m.mu.Unlock()
	m.resolvedCache.Remove(id)

	if !ok {
		stored, err := m.store.Get(ctx, id)
		if err != nil || stored == nil {
			return err
		}
		rec = stored
	}

	archivedID := domain.ArchivedID(id, time.Now())
	if err := m.store.Rename(ctx, id, archivedID); err != nil {
		return err
	}
	m.logger.Info("archived task %s as %s", id, archivedID)
	return nil
}

// StartBackgroundTask launches a pipeline run for id if one is not already
// running (idempotent on already-present id, §4.F "Job table"). It is safe
// to call concurrently for the same id; singleflight collapses races so
// exactly one launch wins.
func (m *Manager) StartBackgroundTask(ctx context.Context, id string, params domain.Params, attribution domain.Attribution, runner PipelineRunner) (*domain.Record, error) {
	pressure := m.Pressure()
	if pressure >= PressureCritical {
		return nil, domain.NewMemoryPressureError()
	}

	result, err, _ := m.launchGroup.Do(id, func() (any, error) {
		m.mu.Lock()
		if _, running := m.jobs[id]; running {
			rec := m.records[id]
			m.mu.Unlock()
			return rec, nil
		}

		rec := domain.NewRecord(id, params, attribution)
		m.records[id] = rec
		recCopy := *rec

		taskCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		m.jobs[id] = &runningJob{cancel: cancel}
		m.mu.Unlock()

		if err := upsertWithRetry(ctx, m.store, m.logger, &recCopy); err != nil {
			m.noteStoreFailure(err)
		}

		async.Go(m.logger, fmt.Sprintf("task_manager.run[%s]", id), func() {
			m.runPipeline(taskCtx, id, runner)
		})

		return &recCopy, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.Record), nil
}

func (m *Manager) runPipeline(ctx context.Context, id string, runner PipelineRunner) {
	defer func() {
		m.mu.Lock()
		delete(m.jobs, id)
		m.mu.Unlock()
	}()

	emitter := &taskEventEmitter{manager: m, id: id}
	err := runner.Run(ctx, m.snapshotRecord(id), emitter)

	m.mu.Lock()
	rec := m.records[id]
	if rec == nil {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	rec.UpdatedAt = now
	if err != nil {
		rec.Status = domain.StatusFailed
		rec.StepStatus = domain.StepStatusFailed
		rec.FailureReason = err.Error()
	} else {
		rec.Status = domain.StatusCompleted
	}
	rec.IsValidComplete = rec.EvaluateCompletion()
	if rec.CompletedAt == nil {
		rec.CompletedAt = &now
	}
	recCopy := *rec
	subs := m.subscribersFor(id)
	m.mu.Unlock()

	if uerr := upsertWithRetry(ctx, m.store, m.logger, &recCopy); uerr != nil {
		m.noteStoreFailure(uerr)
	}
	for _, sub := range subs {
		sub.Done(recCopy)
	}
}

// taskEventEmitter implements EventEmitter, routing pipeline callbacks
// through the manager's single lock and fanning out to subscribers.
type taskEventEmitter struct {
	manager *Manager
	id      string
}

func (e *taskEventEmitter) AppendOutput(chunk string) {
	e.manager.addOutput(e.id, chunk)
}

func (e *taskEventEmitter) UpdateProgress(step domain.Step, stepStatus domain.StepStatus, finishReason domain.FinishReason) {
	e.manager.updateProgress(e.id, step, stepStatus, finishReason)
}

func (m *Manager) addOutput(id, chunk string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.Output = append(rec.Output, chunk)
	rec.UpdatedAt = time.Now()
	subs := m.subscribersFor(id)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Emit(chunk)
	}
}

func (m *Manager) updateProgress(id string, step domain.Step, stepStatus domain.StepStatus, finishReason domain.FinishReason) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.Step = step
	rec.StepStatus = stepStatus
	rec.FinishReason = finishReason
	rec.Percentage = domain.ProgressPercent(step, stepStatus)
	rec.UpdatedAt = time.Now()
	if stepStatus == domain.StepStatusCompleted {
		now := time.Now()
		rec.LastStepCompletedAt = &now
	}
	recCopy := *rec
	subs := m.subscribersFor(id)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Progress(recCopy)
	}
}

func (m *Manager) snapshotRecord(id string) *domain.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// subscribersFor must be called with m.mu held.
func (m *Manager) subscribersFor(id string) []ports.Subscriber {
	entry, ok := m.subscribers[id]
	if !ok {
		return nil
	}
	out := make([]ports.Subscriber, 0, len(entry.subs))
	for _, sub := range entry.subs {
		out = append(out, sub)
	}
	return out
}

// Record returns a copy of the current in-memory record for id, falling
// back to the store.
func (m *Manager) Record(ctx context.Context, id string) (*domain.Record, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	if ok {
		cp := *rec
		m.mu.RUnlock()
		return &cp, nil
	}
	m.mu.RUnlock()
	return m.store.Get(ctx, id)
}

// Subscribe registers sub for id, enforcing the per-task and total caps of
// §4.F. It returns a token to pass to Unsubscribe.
func (m *Manager) Subscribe(id string, sub ports.Subscriber) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, entry := range m.subscribers {
		total += len(entry.subs)
	}
	if total >= 2*m.maxTasks {
		return 0, domain.NewTooManyConnectionsError(id)
	}

	entry, ok := m.subscribers[id]
	if !ok {
		entry = &subscriberEntry{subs: make(map[int]ports.Subscriber)}
		m.subscribers[id] = entry
	}
	if len(entry.subs) >= maxSubscribersPerTask {
		return 0, domain.NewTooManyConnectionsError(id)
	}

	token := entry.next
	entry.next++
	entry.subs[token] = sub
	return token, nil
}

// Unsubscribe removes the subscriber registered under token for id.
// Reaching zero subscribers removes the task's registry entry; the
// background job is unaffected (§4.G "The background job continues").
func (m *Manager) Unsubscribe(id string, token int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.subscribers[id]
	if !ok {
		return
	}
	delete(entry.subs, token)
	if len(entry.subs) == 0 {
		delete(m.subscribers, id)
	}
}

// SubscriberCount returns the current live subscriber count for id.
func (m *Manager) SubscriberCount(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.subscribers[id]
	if !ok {
		return 0
	}
	return len(entry.subs)
}

func (m *Manager) noteStoreFailure(err error) {
	m.mu.Lock()
	m.storeDegraded = true
	m.mu.Unlock()
	m.logger.Warn("task store operation failed, continuing in degraded mode: %v", err)
}

// Pressure reports the current memory pressure level (§4.F).
func (m *Manager) Pressure() PressureLevel {
	budget := MemoryBudget(TotalSystemMemory())
	used := CurrentProcessMemory()
	return CurrentPressure(used, budget)
}

// Stats returns the aggregate snapshot used for the stats/health endpoint
// and Prometheus gauges (§4.F, §11).
func (m *Manager) Stats(ctx context.Context) Stats {
	m.mu.RLock()
	byStatus := make(map[domain.Status]int)
	totalSubs := 0
	failed := 0
	total := len(m.records)
	for _, rec := range m.records {
		byStatus[rec.Status]++
		if rec.Status == domain.StatusFailed {
			failed++
		}
	}
	for _, entry := range m.subscribers {
		totalSubs += len(entry.subs)
	}
	m.mu.RUnlock()

	budget := MemoryBudget(TotalSystemMemory())
	used := CurrentProcessMemory()
	pressure := CurrentPressure(used, budget)

	health := HealthHealthy
	failureRate := 0.0
	if total > 0 {
		failureRate = float64(failed) / float64(total)
	}
	if pressure >= PressureHigh || failureRate > 0.10 {
		health = HealthWarning
	}
	if pressure >= PressureCritical {
		health = HealthCritical
	}

	m.reportMetrics(byStatus, totalSubs, pressure)

	return Stats{
		ByStatus:         byStatus,
		TotalSubscribers: totalSubs,
		MemoryUsedBytes:  used,
		MemoryBudget:     budget,
		Pressure:         pressure,
		Health:           health,
	}
}

// reportMetrics refreshes the Prometheus gauges of §11 to match the
// snapshot just computed. All known statuses are reset first so a status
// bucket that drains to zero doesn't linger at its last nonzero value.
func (m *Manager) reportMetrics(byStatus map[domain.Status]int, totalSubs int, pressure PressureLevel) {
	for _, status := range []domain.Status{domain.StatusRunning, domain.StatusPaused, domain.StatusCompleted, domain.StatusFailed} {
		metrics.TasksByStatus.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}
	metrics.ActiveSubscribers.Set(float64(totalSubs))
	metrics.MemoryPressureLevel.Set(float64(pressure))
}

// cleanupLoop runs the periodic maintenance pass, adjusting cadence with
// pressure level per §4.F.
func (m *Manager) cleanupLoop() {
	interval := normalCleanupInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runCleanupPass()
			nextInterval := normalCleanupInterval
			if m.Pressure() >= PressureHigh {
				nextInterval = elevatedCleanupInterval
			}
			if nextInterval != interval {
				interval = nextInterval
				ticker.Reset(interval)
			}
		}
	}
}

// runCleanupPass implements the tiered cleanup actions of §4.F.
func (m *Manager) runCleanupPass() {
	level := m.Pressure()

	if level >= PressureElevated {
		m.trimOversizeBuffers()
		m.dropOrphanedSubscribers()
	}
	if level >= PressureHigh {
		m.deleteCompletedOlderThan(level2CompletedRetention, 0)
	}
	if level >= PressureCritical {
		m.deleteCompletedOlderThan(level3CompletedRetention, level3AggressiveFraction)
		// Hint the runtime to return freed heap to the OS now rather than
		// waiting for the next GC cycle's own pacing decision.
		debug.FreeOSMemory()
	}

	m.evictByAge()
}

// trimOversizeBuffers trims buffers over the entry cap to their most recent
// 80%, preserving the suffix (§4.F, testable property "buffer trimming").
func (m *Manager) trimOversizeBuffers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if len(rec.Output) <= maxOutputBufferEntries {
			continue
		}
		keep := int(float64(len(rec.Output)) * bufferTrimRetainFraction)
		rec.Output = append([]string(nil), rec.Output[len(rec.Output)-keep:]...)
	}
}

// dropOrphanedSubscribers removes subscriber registry entries for task ids
// that no longer have a record (e.g. archived concurrently).
func (m *Manager) dropOrphanedSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.subscribers {
		if _, ok := m.records[id]; !ok {
			delete(m.subscribers, id)
		}
	}
}

// deleteCompletedOlderThan deletes completed tasks older than maxAge. If
// fraction > 0, at most that fraction of eligible candidates is removed
// (oldest first), matching level 3's "up to 50%" bound.
func (m *Manager) deleteCompletedOlderThan(maxAge time.Duration, fraction float64) {
	now := time.Now()

	m.mu.Lock()
	type candidate struct {
		id          string
		completedAt time.Time
	}
	var candidates []candidate
	for id, rec := range m.records {
		if rec.Status != domain.StatusCompleted || rec.CompletedAt == nil {
			continue
		}
		if now.Sub(*rec.CompletedAt) < maxAge {
			continue
		}
		candidates = append(candidates, candidate{id: id, completedAt: *rec.CompletedAt})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].completedAt.Before(candidates[j].completedAt) })

	limit := len(candidates)
	if fraction > 0 {
		limit = int(float64(len(candidates)) * fraction)
	}
	toDelete := candidates
	if limit < len(candidates) {
		toDelete = candidates[:limit]
	}
	for _, c := range toDelete {
		delete(m.records, c.id)
		delete(m.subscribers, c.id)
	}
	m.mu.Unlock()

	for _, c := range toDelete {
		if err := m.store.Delete(context.Background(), c.id); err != nil {
			m.noteStoreFailure(err)
		}
	}
}

// evictByAge deletes completed tasks older than 7 days once the store grows
// past 80% of maxTasks, oldest first (§4.F "Age eviction").
func (m *Manager) evictByAge() {
	now := time.Now()

	m.mu.Lock()
	if len(m.records) <= int(float64(m.maxTasks)*ageEvictionSizeFraction) {
		m.mu.Unlock()
		return
	}

	type candidate struct {
		id          string
		completedAt time.Time
	}
	var candidates []candidate
	for id, rec := range m.records {
		if rec.Status != domain.StatusCompleted || rec.CompletedAt == nil {
			continue
		}
		if now.Sub(*rec.CompletedAt) < ageEvictionThreshold {
			continue
		}
		candidates = append(candidates, candidate{id: id, completedAt: *rec.CompletedAt})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].completedAt.Before(candidates[j].completedAt) })

	excess := len(m.records) - int(float64(m.maxTasks)*ageEvictionSizeFraction)
	if excess > len(candidates) {
		excess = len(candidates)
	}
	toDelete := candidates[:excess]
	for _, c := range toDelete {
		delete(m.records, c.id)
		delete(m.subscribers, c.id)
	}
	m.mu.Unlock()

	for _, c := range toDelete {
		if err := m.store.Delete(context.Background(), c.id); err != nil {
			m.noteStoreFailure(err)
		}
	}
}

// Destroy stops the cleanup loop and clears in-memory tables. In-flight
// jobs are not awaited (§5 "Cancellation"); their final persist may be
// lost, compensated at next request via the invalid→archive+restart path.
func (m *Manager) Destroy() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*domain.Record)
	m.jobs = make(map[string]*runningJob)
	m.subscribers = make(map[string]*subscriberEntry)
}
