package event

import (
	"sync"
	"time"
)

// Sequencer 为一次编排的事件编号并加盖时间，且保证终止事件之后不再转发任何事件。
type Sequencer struct {
	mu       sync.Mutex
	runID    string
	sink     Sink
	seq      int
	terminal bool
	now      func() time.Time
}

// NewSequencer 创建 Sequencer，sink 为空时事件被丢弃。
func NewSequencer(runID string, sink Sink) *Sequencer {
	if sink == nil {
		sink = Discard
	}
	return &Sequencer{runID: runID, sink: sink, now: time.Now}
}

// Emit 转发事件，返回事件是否被接受。
func (s *Sequencer) Emit(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return false
	}
	s.seq++
	e.Seq = s.seq
	e.RunID = s.runID
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	if e.Type.Terminal() {
		s.terminal = true
	}
	s.sink.Emit(e)
	return true
}
