package client

import (
	"sync"

	"github.com/outrun-sh/outrun/pkg/proto"
	"github.com/outrun-sh/outrun/pkg/proto/wire"
)

// waiterShards spreads the request id -> waiter map so the reader goroutine
// and many submitting workers rarely contend on one lock.
const waiterShards = 16

// callResult is what a waiter receives: the decoded envelope or a
// transport-level error.
type callResult struct {
	env wire.Envelope
	err error
}

// waiterTable routes responses to the goroutines awaiting them.
type waiterTable struct {
	shards [waiterShards]waiterShard
}

type waiterShard struct {
	mu      sync.Mutex
	waiters map[uint64]chan callResult
}

func newWaiterTable() *waiterTable {
	t := &waiterTable{}
	for i := range t.shards {
		t.shards[i].waiters = make(map[uint64]chan callResult)
	}
	return t
}

func (t *waiterTable) shard(id uint64) *waiterShard {
	return &t.shards[id%waiterShards]
}

// Register adds a waiter for a request id. The returned channel has
// capacity one so the reader never blocks delivering.
func (t *waiterTable) Register(id uint64) chan callResult {
	ch := make(chan callResult, 1)
	s := t.shard(id)
	s.mu.Lock()
	s.waiters[id] = ch
	s.mu.Unlock()
	return ch
}

// Remove drops a waiter, returning whether it was still registered.
// Cancellation removes the waiter and sends nothing on the wire; the
// server's reply, when it arrives, finds no waiter and is dropped.
func (t *waiterTable) Remove(id uint64) bool {
	s := t.shard(id)
	s.mu.Lock()
	_, ok := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	return ok
}

// Deliver hands a response to its waiter. Responses for cancelled requests
// fall on the floor by design.
func (t *waiterTable) Deliver(id uint64, res callResult) {
	s := t.shard(id)
	s.mu.Lock()
	ch, ok := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	if ok {
		ch <- res
	}
}

// FailAll wakes every waiter with the given error and empties the table.
// Used when the connection dies or the client shuts down: no in-flight
// request is ever orphaned.
func (t *waiterTable) FailAll(err error) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, ch := range s.waiters {
			ch <- callResult{err: err}
			delete(s.waiters, id)
		}
		s.mu.Unlock()
	}
}

// failAllError normalizes a transport error for waiter delivery.
func failAllError(err error) error {
	if err == nil {
		return proto.ErrShutdown
	}
	return err
}
