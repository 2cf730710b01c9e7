package session

import (
	"encoding/json"
	"sync"
)

// pendingRequest is one in-flight call. Its completion slot is written
// at most once; the first writer wins and later completions are
// silently discarded.
type pendingRequest struct {
	id   int64
	done chan struct{}

	once   sync.Once
	result json.RawMessage
	err    error
}

func newPendingRequest(id int64) *pendingRequest {
	return &pendingRequest{id: id, done: make(chan struct{})}
}

func (p *pendingRequest) complete(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}
