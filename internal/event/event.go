package event

import (
	"sync"
	"time"
)

// Type 是事件类型。
type Type string

const (
	TypeStatus    Type = "status"
	TypeInfo      Type = "info"
	TypeAgent     Type = "agent"
	TypeDecision  Type = "decision"
	TypeAuth      Type = "auth"
	TypeAction    Type = "action"
	TypeError     Type = "error"
	TypeCancelled Type = "cancelled"
)

// Terminal 判断事件类型是否为终止事件。
func (t Type) Terminal() bool {
	return t == TypeAction || t == TypeError || t == TypeCancelled
}

// Event 是一条进度事件。
type Event struct {
	Seq     int       `json:"seq"`
	RunID   string    `json:"runId,omitempty"`
	Type    Type      `json:"type"`
	Name    string    `json:"name,omitempty"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	State   string    `json:"state,omitempty"`
	Time    time.Time `json:"time"`
}

// Sink 接收事件。实现必须可按顺序逐条处理，Emit 调用不会并发发生。
type Sink interface {
	Emit(Event)
}

// SinkFunc 允许普通函数实现 Sink。
type SinkFunc func(Event)

// Emit 实现 Sink。
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard 丢弃所有事件。
var Discard Sink = SinkFunc(func(Event) {})

// Log 在内存中按顺序记录事件，可并发读取。
type Log struct {
	mu     sync.RWMutex
	events []Event
}

// Emit 实现 Sink。
func (l *Log) Emit(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

// Events 返回已记录事件的副本。
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Event(nil), l.events...)
}

// Types 返回已记录事件的类型序列。
func (l *Log) Types() []Type {
	l.mu.RLock()
	defer l.mu.RUnlock()
	types := make([]Type, len(l.events))
	for i, e := range l.events {
		types[i] = e.Type
	}
	return types
}
