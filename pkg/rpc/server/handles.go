package server

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/outrun-sh/outrun/pkg/proto"
)

// handleShards spreads handle lookups so concurrent workers on one
// connection rarely contend.
const handleShards = 16

// handleTable maps opaque 64-bit handle ids to open files. Each connection
// owns one table: handles never leak across connections, and closing the
// connection closes every handle it minted.
type handleTable struct {
	next   atomic.Uint64
	shards [handleShards]handleShard
}

type handleShard struct {
	mu    sync.Mutex
	files map[uint64]*os.File
}

func newHandleTable() *handleTable {
	t := &handleTable{}
	for i := range t.shards {
		t.shards[i].files = make(map[uint64]*os.File)
	}
	return t
}

func (t *handleTable) shard(id uint64) *handleShard {
	return &t.shards[id%handleShards]
}

// Put registers an open file and returns its handle id. Ids start at 1 so
// zero is never a valid handle.
func (t *handleTable) Put(f *os.File) uint64 {
	id := t.next.Add(1)
	s := t.shard(id)
	s.mu.Lock()
	s.files[id] = f
	s.mu.Unlock()
	return id
}

// Get resolves a handle id.
func (t *handleTable) Get(id uint64) (*os.File, *proto.Error) {
	s := t.shard(id)
	s.mu.Lock()
	f, ok := s.files[id]
	s.mu.Unlock()
	if !ok {
		return nil, proto.NewError(proto.ErrnoBadHandle, "")
	}
	return f, nil
}

// Remove unregisters a handle and returns its file for closing.
func (t *handleTable) Remove(id uint64) (*os.File, *proto.Error) {
	s := t.shard(id)
	s.mu.Lock()
	f, ok := s.files[id]
	if ok {
		delete(s.files, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, proto.NewError(proto.ErrnoBadHandle, "")
	}
	return f, nil
}

// CloseAll closes every open handle. Called when the owning connection
// goes away.
func (t *handleTable) CloseAll() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, f := range s.files {
			f.Close()
			delete(s.files, id)
		}
		s.mu.Unlock()
	}
}
