package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// versionDedupe remembers the highest version submitted per request id so
// redelivered or stale request messages do not start duplicate builds.
type versionDedupe struct {
	mu   sync.Mutex
	seen *lru.Cache[string, uint64]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &versionDedupe{seen: c}
}

// claim reports whether v is newer than anything seen for requestID and, if
// so, records it.
func (d *versionDedupe) claim(requestID string, v uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen.Get(requestID); ok && v <= last {
		return false
	}
	d.seen.Add(requestID, v)
	return true
}

// release undoes a claim of v after a retryable submit failure. A newer
// version claimed in the meantime is left alone.
func (d *versionDedupe) release(requestID string, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen.Peek(requestID); ok && last == v {
		d.seen.Remove(requestID)
	}
}
