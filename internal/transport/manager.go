package transport

import (
	"sync"

	"go.uber.org/zap"
)

// RequestManager routes transport callbacks to the in-flight request that owns
// the identifier. Unknown identifiers are dropped.
type RequestManager struct {
	mu       sync.RWMutex
	requests map[string]Request
	logger   *zap.Logger
}

// NewRequestManager creates an empty RequestManager.
func NewRequestManager(logger *zap.Logger) *RequestManager {
	return &RequestManager{
		requests: make(map[string]Request),
		logger:   logger,
	}
}

// Add registers a request under its identifier.
func (m *RequestManager) Add(r Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID()] = r
}

// SetResponseCode records the status code; it reports whether the id was known.
func (m *RequestManager) SetResponseCode(id string, code int) bool {
	r, ok := m.get(id)
	if !ok {
		m.logger.Debug("response for unknown request", zap.String("id", id), zap.Int("status", code))
		return false
	}
	r.setResponse(code)
	return true
}

// Append hands a body chunk to the request if it supports incremental delivery.
func (m *RequestManager) Append(id string, data []byte) {
	r, ok := m.get(id)
	if !ok {
		return
	}
	if receiver, ok := r.(dataReceiver); ok {
		receiver.notifyIncomingData(data)
		return
	}
	m.logger.Debug("request does not accept data", zap.String("id", id))
}

// Complete releases the request and notifies its owner. Repeated calls for
// the same id are no-ops.
func (m *RequestManager) Complete(id string, err error) {
	m.mu.Lock()
	r, ok := m.requests[id]
	delete(m.requests, id)
	m.mu.Unlock()

	if !ok {
		return
	}
	r.complete(err)
}

// Len returns the number of in-flight requests.
func (m *RequestManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

func (m *RequestManager) get(id string) (Request, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	return r, ok
}
