package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/mentatlab/orchestrator/pkg/types"
)

// runLog is the per-run ring buffer plus broadcast condition: a single
// writer (the scheduler goroutine owning the run)
// appends while any number of readers block on the condition until new
// events arrive or the run's log is closed.
type runLog struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []types.Event
	nextSeq uint64
	// floor is the lowest seq still retrievable. 0 means nothing has been
	// evicted yet (no gap exists).
	floor  uint64
	closed bool
}

// MemoryEventLog is the in-process EventLog backend: process-local,
// lost on restart, intended for dev and unit tests.
type MemoryEventLog struct {
	cfg  Config
	mu   sync.RWMutex
	runs map[string]*runLog
}

var _ EventLog = (*MemoryEventLog)(nil)

// NewMemoryEventLog constructs a MemoryEventLog with the given retention
// configuration.
func NewMemoryEventLog(cfg Config) *MemoryEventLog {
	return &MemoryEventLog{cfg: cfg, runs: make(map[string]*runLog)}
}

func (m *MemoryEventLog) get(runID string) *runLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runs[runID]
}

func (m *MemoryEventLog) NewRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rl := &runLog{}
	rl.cond = sync.NewCond(&rl.mu)
	m.runs[runID] = rl
	return nil
}

func (m *MemoryEventLog) Append(_ context.Context, runID string, kind types.EventKind, nodeID string, payload interface{}) (uint64, error) {
	rl := m.get(runID)
	if rl == nil {
		return 0, ErrUnknownRun
	}
	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return 0, ErrRunClosed
	}
	rl.nextSeq++
	seq := rl.nextSeq
	ev := types.Event{
		Seq:     seq,
		RunID:   runID,
		Kind:    kind,
		NodeID:  nodeID,
		Payload: types.MarshalPayload(payload),
		Ts:      time.Now().UTC(),
	}
	rl.buf = append(rl.buf, ev)
	m.trimLocked(rl)
	rl.cond.Broadcast()
	rl.mu.Unlock()
	return seq, nil
}

// trimLocked drops events older than the retention window while always
// preserving at least cfg.MinReplay most recent events. Caller holds rl.mu.
func (m *MemoryEventLog) trimLocked(rl *runLog) {
	if m.cfg.RetentionEvents <= 0 && m.cfg.RetentionWindow <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.cfg.RetentionWindow)
	keepFrom := 0
	for keepFrom < len(rl.buf)-m.cfg.MinReplay {
		e := rl.buf[keepFrom]
		tooOld := m.cfg.RetentionWindow > 0 && e.Ts.Before(cutoff)
		tooMany := m.cfg.RetentionEvents > 0 && len(rl.buf)-keepFrom > m.cfg.RetentionEvents
		if !tooOld && !tooMany {
			break
		}
		keepFrom++
	}
	if keepFrom == 0 {
		return
	}
	rl.floor = rl.buf[keepFrom].Seq
	rl.buf = append([]types.Event(nil), rl.buf[keepFrom:]...)
}

func (m *MemoryEventLog) Range(_ context.Context, runID string, fromSeqExclusive uint64, limit int) (RangeResult, error) {
	rl := m.get(runID)
	if rl == nil {
		return RangeResult{}, ErrUnknownRun
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var res RangeResult
	if rl.floor > 0 && fromSeqExclusive < rl.floor-1 && len(rl.buf) > 0 {
		res.Gap = &types.GapPayload{From: fromSeqExclusive + 1, To: rl.buf[0].Seq - 1}
	}
	for _, e := range rl.buf {
		if e.Seq <= fromSeqExclusive {
			continue
		}
		res.Events = append(res.Events, e)
		if limit > 0 && len(res.Events) >= limit {
			break
		}
	}
	return res, nil
}

func (m *MemoryEventLog) RetentionFloor(_ context.Context, runID string) (uint64, error) {
	rl := m.get(runID)
	if rl == nil {
		return 0, ErrUnknownRun
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.floor, nil
}

func (m *MemoryEventLog) RetentionTrim(_ context.Context, runID string) error {
	rl := m.get(runID)
	if rl == nil {
		return ErrUnknownRun
	}
	rl.mu.Lock()
	m.trimLocked(rl)
	rl.mu.Unlock()
	return nil
}

func (m *MemoryEventLog) Subscribe(ctx context.Context, runID string, fromSeqExclusive uint64) (*Cursor, error) {
	rl := m.get(runID)
	if rl == nil {
		return nil, ErrUnknownRun
	}

	ctx, cancel := context.WithCancel(ctx)
	events := make(chan types.Event, 32)

	// Wake the waiting reader when the caller cancels.
	go func() {
		<-ctx.Done()
		rl.mu.Lock()
		rl.cond.Broadcast()
		rl.mu.Unlock()
	}()

	go func() {
		defer close(events)
		cursor := fromSeqExclusive
		for {
			rl.mu.Lock()
			for {
				if ctx.Err() != nil {
					rl.mu.Unlock()
					return
				}
				if hasNewLocked(rl, cursor) {
					break
				}
				if rl.closed {
					rl.mu.Unlock()
					return
				}
				rl.cond.Wait()
			}
			pending := collectAfterLocked(rl, cursor)
			rl.mu.Unlock()

			for _, e := range pending {
				select {
				case events <- e:
					cursor = e.Seq
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Cursor{Events: events, cancel: cancel}, nil
}

func hasNewLocked(rl *runLog, cursor uint64) bool {
	return len(rl.buf) > 0 && rl.buf[len(rl.buf)-1].Seq > cursor
}

func collectAfterLocked(rl *runLog, cursor uint64) []types.Event {
	var out []types.Event
	for _, e := range rl.buf {
		if e.Seq > cursor {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryEventLog) CloseRun(runID string) {
	m.mu.Lock()
	rl := m.runs[runID]
	m.mu.Unlock()
	if rl == nil {
		return
	}
	rl.mu.Lock()
	rl.closed = true
	rl.cond.Broadcast()
	rl.mu.Unlock()
}
