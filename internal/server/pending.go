// Package server runs a cache node: the single-threaded event loop that
// owns every socket, the cache, the distribution rings and the peer table.
// No other goroutine touches any of that state; the loop suspends only in
// the poll call at the top of each tick.
package server

import (
	"time"

	"github.com/merry-bits/DCache/internal/protocol"
)

// ResponseHandler consumes the outcome of one outstanding peer request.
// code is nil when the request timed out, otherwise it is the error frame
// of the reply and payload holds the remaining frames. The handler returns
// the request IDs it considers resolved, which lets a fan-out cancel its
// siblings on a terminal outcome.
type ResponseHandler interface {
	HandleResponse(requestID string, code *protocol.RequestError, payload [][]byte) []string
}

type pendingRequest struct {
	handler  ResponseHandler
	deadline time.Time
}

// Pending correlates outstanding peer requests with their response
// handlers. Every registered ID sees exactly one of: a resolved reply or a
// timeout. Not safe for concurrent use.
type Pending struct {
	timeout time.Duration
	entries map[string]pendingRequest
}

// NewPending creates an empty tracker; timeout is the per-request deadline.
func NewPending(timeout time.Duration) *Pending {
	return &Pending{
		timeout: timeout,
		entries: make(map[string]pendingRequest),
	}
}

// Add registers a request ID with its handler. The deadline starts now.
func (p *Pending) Add(requestID []byte, handler ResponseHandler, now time.Time) {
	p.entries[string(requestID)] = pendingRequest{
		handler:  handler,
		deadline: now.Add(p.timeout),
	}
}

// Resolve dispatches a received reply to its handler and forgets every ID
// the handler reports resolved. It returns false for unknown IDs, which
// happens for late replies after a timeout or a sibling cancellation.
func (p *Pending) Resolve(requestID []byte, code protocol.RequestError, payload [][]byte) bool {
	id := string(requestID)
	entry, ok := p.entries[id]
	if !ok {
		return false
	}
	p.Forget(entry.handler.HandleResponse(id, &code, payload))
	delete(p.entries, id)
	return true
}

// Expire fires the timeout path for every entry whose deadline has passed:
// the handler runs once with a nil code and everything it reports resolved
// is forgotten.
func (p *Pending) Expire(now time.Time) {
	var expired []string
	for id, entry := range p.entries {
		if now.After(entry.deadline) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		entry, ok := p.entries[id]
		if !ok {
			continue // already cancelled by an earlier timeout in this batch
		}
		p.Forget(entry.handler.HandleResponse(id, nil, nil))
		delete(p.entries, id)
	}
}

// Forget drops the given IDs without calling their handlers.
func (p *Pending) Forget(requestIDs []string) {
	for _, id := range requestIDs {
		delete(p.entries, id)
	}
}

// Len returns the number of outstanding requests.
func (p *Pending) Len() int {
	return len(p.entries)
}
