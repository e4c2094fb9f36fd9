package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrSuperseded cancels a stream when a newer one opens for the same code.
	ErrSuperseded = errors.New("stream superseded by a newer connection")
	// ErrShutdown cancels every stream when the relay stops.
	ErrShutdown = errors.New("relay shutting down")
)

type connection struct {
	id     string
	cancel context.CancelCauseFunc
}

// ConnectionManager tracks the one open stream per session code.
type ConnectionManager struct {
	mu    sync.Mutex
	conns map[string]connection
}

// NewConnectionManager creates an empty manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{conns: make(map[string]connection)}
}

// Add registers a stream for code and returns its connection id. An existing
// stream for the same code is cancelled with ErrSuperseded.
func (cm *ConnectionManager) Add(code string, cancel context.CancelCauseFunc) string {
	id := uuid.NewString()
	cm.mu.Lock()
	old, exists := cm.conns[code]
	cm.conns[code] = connection{id: id, cancel: cancel}
	cm.mu.Unlock()

	if exists {
		old.cancel(ErrSuperseded)
	}
	return id
}

// Remove drops the stream for code if id is still the current one.
func (cm *ConnectionManager) Remove(code, id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if c, ok := cm.conns[code]; ok && c.id == id {
		delete(cm.conns, code)
	}
}

// Active reports whether a stream is open for code.
func (cm *ConnectionManager) Active(code string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	_, ok := cm.conns[code]
	return ok
}

// Count returns the number of open streams.
func (cm *ConnectionManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.conns)
}

// CloseAll cancels every open stream.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.Lock()
	conns := cm.conns
	cm.conns = make(map[string]connection)
	cm.mu.Unlock()

	for _, c := range conns {
		c.cancel(ErrShutdown)
	}
}
