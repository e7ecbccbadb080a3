package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/research/domain"
)

// fakeRunner drives a record's emitter through a scripted sequence, used as
// the PipelineRunner stand-in so tests never depend on a real model/search
// client.
type fakeRunner struct {
	emit func(rec *domain.Record, emitter EventEmitter)
	err  error
}

func (r *fakeRunner) Run(ctx context.Context, rec *domain.Record, emitter EventEmitter) error {
	if r.emit != nil {
		r.emit(rec, emitter)
	}
	return r.err
}

// blockingRunner blocks until release is closed, letting tests observe the
// "running" window before completion.
type blockingRunner struct {
	release chan struct{}
	err     error
}

func (r *blockingRunner) Run(ctx context.Context, rec *domain.Record, emitter EventEmitter) error {
	select {
	case <-r.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.err
}

type fakeSubscriber struct {
	mu        sync.Mutex
	chunks    []string
	progress  []domain.Record
	doneRecs  []domain.Record
	doneCount int
}

func (s *fakeSubscriber) Emit(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
}

func (s *fakeSubscriber) Progress(record domain.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, record)
}

func (s *fakeSubscriber) Done(record domain.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doneRecs = append(s.doneRecs, record)
	s.doneCount++
}

func finishedRecord() func(rec *domain.Record, emitter EventEmitter) {
	return func(rec *domain.Record, emitter EventEmitter) {
		emitter.AppendOutput("<final-report>" + string(make([]byte, minValidOutputBytesForTest)) + "</final-report>")
		emitter.UpdateProgress(domain.StepFinalReport, domain.StepStatusCompleted, domain.FinishStop)
	}
}

const minValidOutputBytesForTest = 1000

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := NewInMemoryTaskStore()
	m := NewManager(store)
	t.Cleanup(m.Destroy)
	return m
}

func TestManager_StartBackgroundTask_RunsToCompletion(t *testing.T) {
	m := newTestManager(t)
	runner := &fakeRunner{emit: finishedRecord()}

	rec, err := m.StartBackgroundTask(context.Background(), "task-1", domain.Params{}, domain.Attribution{}, runner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, rec.Status)

	require.Eventually(t, func() bool {
		got, _ := m.Record(context.Background(), "task-1")
		return got != nil && got.Status == domain.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	validity, got := m.Validate(context.Background(), "task-1")
	assert.Equal(t, ValidityValid, validity)
	assert.True(t, got.IsValidComplete)
}

func TestManager_StartBackgroundTask_FailureSetsFailedStatus(t *testing.T) {
	m := newTestManager(t)
	runner := &fakeRunner{err: errors.New("stage exploded")}

	_, err := m.StartBackgroundTask(context.Background(), "task-1", domain.Params{}, domain.Attribution{}, runner)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := m.Record(context.Background(), "task-1")
		return got != nil && got.Status == domain.StatusFailed
	}, time.Second, 5*time.Millisecond)

	got, _ := m.Record(context.Background(), "task-1")
	assert.Equal(t, "stage exploded", got.FailureReason)
}

func TestManager_StartBackgroundTask_IdempotentOnAlreadyRunning(t *testing.T) {
	m := newTestManager(t)
	runner := &blockingRunner{release: make(chan struct{})}
	defer close(runner.release)

	rec1, err := m.StartBackgroundTask(context.Background(), "task-1", domain.Params{}, domain.Attribution{}, runner)
	require.NoError(t, err)
	rec2, err := m.StartBackgroundTask(context.Background(), "task-1", domain.Params{}, domain.Attribution{}, runner)
	require.NoError(t, err)

	assert.Equal(t, rec1.ID, rec2.ID)
	assert.Equal(t, rec1.CreatedAt, rec2.CreatedAt)
}

func TestManager_Validate_UnknownIDIsInvalid(t *testing.T) {
	m := newTestManager(t)
	validity, rec := m.Validate(context.Background(), "nope")
	assert.Equal(t, ValidityInvalid, validity)
	assert.Nil(t, rec)
}

func TestManager_Validate_RunningTaskReportsRunning(t *testing.T) {
	m := newTestManager(t)
	runner := &blockingRunner{release: make(chan struct{})}
	defer close(runner.release)

	_, err := m.StartBackgroundTask(context.Background(), "task-1", domain.Params{}, domain.Attribution{}, runner)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		validity, _ := m.Validate(context.Background(), "task-1")
		return validity == ValidityRunning
	}, time.Second, 5*time.Millisecond)
}

func TestManager_Archive_RenamesAndClearsInMemoryState(t *testing.T) {
	m := newTestManager(t)
	runner := &fakeRunner{emit: finishedRecord()}
	_, err := m.StartBackgroundTask(context.Background(), "task-1", domain.Params{}, domain.Attribution{}, runner)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := m.Record(context.Background(), "task-1")
		return got != nil && got.Status == domain.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Archive(context.Background(), "task-1"))

	validity, _ := m.Validate(context.Background(), "task-1")
	assert.Equal(t, ValidityInvalid, validity)
}

func TestManager_SubscribeUnsubscribe_TracksCount(t *testing.T) {
	m := newTestManager(t)
	sub := &fakeSubscriber{}

	token, err := m.Subscribe("task-1", sub)
	require.NoError(t, err)
	assert.Equal(t, 1, m.SubscriberCount("task-1"))

	m.Unsubscribe("task-1", token)
	assert.Equal(t, 0, m.SubscriberCount("task-1"))
}

func TestManager_Subscribe_EnforcesPerTaskCap(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < maxSubscribersPerTask; i++ {
		_, err := m.Subscribe("task-1", &fakeSubscriber{})
		require.NoError(t, err)
	}
	_, err := m.Subscribe("task-1", &fakeSubscriber{})
	require.Error(t, err)
	var engineErr *domain.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, domain.KindTooManyConnections, engineErr.Kind)
}

func TestManager_Pressure_ReflectsCurrentPressureTable(t *testing.T) {
	m := newTestManager(t)
	// Pressure is derived from real process/system memory so its exact tier
	// can't be pinned here; assert it's one of the defined levels rather
	// than asserting an unreachable zero-budget edge case.
	level := m.Pressure()
	assert.Contains(t, []PressureLevel{PressureNone, PressureElevated, PressureHigh, PressureCritical}, level)
}

func TestManager_Subscribers_ReceiveOutputAndProgress(t *testing.T) {
	m := newTestManager(t)
	sub := &fakeSubscriber{}
	_, err := m.Subscribe("task-1", sub)
	require.NoError(t, err)

	runner := &fakeRunner{emit: func(rec *domain.Record, emitter EventEmitter) {
		emitter.AppendOutput("hello")
		emitter.UpdateProgress(domain.StepSearch, domain.StepStatusRunning, domain.FinishUnknown)
	}}
	_, err = m.StartBackgroundTask(context.Background(), "task-1", domain.Params{}, domain.Attribution{}, runner)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := m.Record(context.Background(), "task-1")
		return got != nil && got.Status == domain.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Contains(t, sub.chunks, "hello")
	assert.NotEmpty(t, sub.progress)
	assert.Equal(t, 1, sub.doneCount)
}

func TestManager_Stats_CountsByStatus(t *testing.T) {
	m := newTestManager(t)
	runner := &fakeRunner{emit: finishedRecord()}
	_, err := m.StartBackgroundTask(context.Background(), "task-1", domain.Params{}, domain.Attribution{}, runner)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := m.Record(context.Background(), "task-1")
		return got != nil && got.Status == domain.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	stats := m.Stats(context.Background())
	assert.Equal(t, 1, stats.ByStatus[domain.StatusCompleted])
	assert.Contains(t, []HealthStatus{HealthHealthy, HealthWarning, HealthCritical}, stats.Health)
}

func TestManager_Fingerprint_PrefersUserMessageID(t *testing.T) {
	m := newTestManager(t)
	withID := domain.Params{UserMessageID: "msg-1", Query: "q"}
	assert.Equal(t, "msg-1", m.Fingerprint(withID))

	withoutID := domain.Params{Query: "q"}
	assert.Equal(t, domain.Fingerprint(withoutID), m.Fingerprint(withoutID))
}

func TestManager_Destroy_ClearsState(t *testing.T) {
	store := NewInMemoryTaskStore()
	m := NewManager(store)
	runner := &fakeRunner{emit: finishedRecord()}
	_, err := m.StartBackgroundTask(context.Background(), "task-1", domain.Params{}, domain.Attribution{}, runner)
	require.NoError(t, err)

	m.Destroy()

	validity, _ := m.Validate(context.Background(), "task-1")
	assert.Equal(t, ValidityInvalid, validity)
}
