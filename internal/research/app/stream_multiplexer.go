package app

import (
	"context"
	"time"

	"deepresearch/internal/logging"
	"deepresearch/internal/metrics"
	"deepresearch/internal/research/domain"
)

const (
	replayPacing  = 10 * time.Millisecond
	sessionBuffer = 64
)

// EventKind identifies what a multiplexer Event carries.
type EventKind string

const (
	EventChunk    EventKind = "chunk"
	EventProgress EventKind = "progress"
	EventDone     EventKind = "done"
)

// Event is one SSE-ready item the Stream Multiplexer hands to a transport.
// Seq is monotonically increasing per session and is meant to back the
// `id:` field of an SSE frame (§4.G).
type Event struct {
	Seq    int
	Kind   EventKind
	Chunk  string
	Record domain.Record
}

// Mode identifies which of the three §4.G session modes a request resolved
// to; exposed for logging and as the SSE sessions metric label.
type Mode string

const (
	ModeCacheHit      Mode = "cache-hit"
	ModeAttachRunning Mode = "attach-running"
	ModeSpawnNew      Mode = "spawn-new"
)

// StreamMultiplexer implements §4.G: per-request session setup, replay
// pacing, and live fan-out, all layered on top of the Task Manager's
// subscriber registry and output buffer.
type StreamMultiplexer struct {
	manager *Manager
	logger  logging.Logger
}

// NewStreamMultiplexer builds a multiplexer over manager.
func NewStreamMultiplexer(manager *Manager) *StreamMultiplexer {
	return &StreamMultiplexer{manager: manager, logger: logging.NewComponentLogger("stream_multiplexer")}
}

// sessionSubscriber implements ports.Subscriber, forwarding every callback
// into a buffered Go channel with an increasing sequence number.
type sessionSubscriber struct {
	out chan Event
	seq int
}

func (s *sessionSubscriber) Emit(chunk string) {
	s.seq++
	s.send(Event{Seq: s.seq, Kind: EventChunk, Chunk: chunk})
}

func (s *sessionSubscriber) Progress(record domain.Record) {
	s.seq++
	s.send(Event{Seq: s.seq, Kind: EventProgress, Record: record})
}

func (s *sessionSubscriber) Done(record domain.Record) {
	s.seq++
	s.send(Event{Seq: s.seq, Kind: EventDone, Record: record})
	close(s.out)
}

func (s *sessionSubscriber) send(ev Event) {
	select {
	case s.out <- ev:
	default:
		// Slow consumer: drop rather than block the pipeline goroutine.
		// The transport is expected to keep pace; best-effort per §4.G.
	}
}

// Open resolves id to one of the three §4.G modes and returns a channel of
// Events the caller (an HTTP handler) streams to the client, along with a
// close function to call on disconnect. The returned channel is closed once
// the task reaches a terminal state or ctx is cancelled. In cache-hit mode
// the close function also ends the replay; in the live modes it only
// unsubscribes the session.
func (mux *StreamMultiplexer) Open(ctx context.Context, id string, params domain.Params, attribution domain.Attribution, runner PipelineRunner) (<-chan Event, Mode, func(), error) {
	validity, rec := mux.manager.Validate(ctx, id)

	if params.ForceRestart {
		if rec != nil {
			_ = mux.manager.Archive(ctx, id)
		}
		metrics.SSESessionsTotal.WithLabelValues(string(ModeSpawnNew)).Inc()
		return mux.spawnNew(ctx, id, params, attribution, runner)
	}

	switch validity {
	case ValidityValid:
		mux.logger.Debug("session %s: cache hit, replaying %d buffered chunks", id, len(rec.Output))
		metrics.SSESessionsTotal.WithLabelValues(string(ModeCacheHit)).Inc()
		return mux.replayCacheHit(ctx, id, *rec)
	case ValidityRunning:
		mux.logger.Debug("session %s: attaching to running task", id)
		metrics.SSESessionsTotal.WithLabelValues(string(ModeAttachRunning)).Inc()
		return mux.attachRunning(ctx, id, *rec)
	default:
		if rec != nil {
			mux.logger.Debug("session %s: invalid cache entry, archiving before restart", id)
			_ = mux.manager.Archive(ctx, id)
		}
		metrics.SSESessionsTotal.WithLabelValues(string(ModeSpawnNew)).Inc()
		return mux.spawnNew(ctx, id, params, attribution, runner)
	}
}

// replayCacheHit streams the buffered output of an already-complete task,
// paced, then closes (§4.G mode 1).
func (mux *StreamMultiplexer) replayCacheHit(ctx context.Context, id string, rec domain.Record) (<-chan Event, Mode, func(), error) {
	out := make(chan Event, sessionBuffer)
	stop := make(chan struct{})

	go func() {
		defer close(out)
		seq := 0
		for _, chunk := range rec.Output {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-time.After(replayPacing):
			}
			seq++
			out <- Event{Seq: seq, Kind: EventChunk, Chunk: chunk}
		}
		seq++
		out <- Event{Seq: seq, Kind: EventDone, Record: rec}
	}()

	closeFn := func() { close(stop) }
	return out, ModeCacheHit, closeFn, nil
}

// attachRunning replays the buffer accumulated so far, then subscribes to
// live events from the in-progress job, closing when it reaches a terminal
// state (§4.G mode 2).
func (mux *StreamMultiplexer) attachRunning(ctx context.Context, id string, rec domain.Record) (<-chan Event, Mode, func(), error) {
	sub := &sessionSubscriber{out: make(chan Event, sessionBuffer)}
	token, err := mux.manager.Subscribe(id, sub)
	if err != nil {
		return nil, ModeAttachRunning, func() {}, err
	}

	out := make(chan Event, sessionBuffer)
	go func() {
		defer close(out)
		seq := 0
		for _, chunk := range rec.Output {
			select {
			case <-ctx.Done():
				return
			default:
			}
			seq++
			out <- Event{Seq: seq, Kind: EventChunk, Chunk: chunk}
		}
		mux.forward(ctx, sub.out, out, &seq)
	}()

	closeFn := func() { mux.manager.Unsubscribe(id, token) }
	return out, ModeAttachRunning, closeFn, nil
}

// spawnNew starts the background job (if not already started by a
// concurrent request for the same id) and streams its events live from the
// very first one (§4.G mode 3).
func (mux *StreamMultiplexer) spawnNew(ctx context.Context, id string, params domain.Params, attribution domain.Attribution, runner PipelineRunner) (<-chan Event, Mode, func(), error) {
	sub := &sessionSubscriber{out: make(chan Event, sessionBuffer)}
	token, err := mux.manager.Subscribe(id, sub)
	if err != nil {
		return nil, ModeSpawnNew, func() {}, err
	}

	if _, err := mux.manager.StartBackgroundTask(ctx, id, params, attribution, runner); err != nil {
		mux.manager.Unsubscribe(id, token)
		return nil, ModeSpawnNew, func() {}, err
	}

	out := make(chan Event, sessionBuffer)
	go func() {
		defer close(out)
		seq := 0
		mux.forward(ctx, sub.out, out, &seq)
	}()

	closeFn := func() { mux.manager.Unsubscribe(id, token) }
	return out, ModeSpawnNew, closeFn, nil
}

// forward relays events from a manager-fed subscriber channel to a
// session-local channel, renumbering sequence IDs contiguously and
// honoring context cancellation (client disconnect). The background job is
// left running; only this session's forwarding stops (§4.G "Honor client
// disconnect").
func (mux *StreamMultiplexer) forward(ctx context.Context, in <-chan Event, out chan<- Event, seq *int) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			*seq++
			ev.Seq = *seq
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Kind == EventDone {
				return
			}
		}
	}
}
