// Package audit counts accesses to private resources and periodically
// reports them as a digest.
package audit

import (
	"sync"

	"github.com/google/uuid"
	"github.com/stephnangue/capsule/helper"
	"github.com/stephnangue/capsule/link"
)

// AccessEvent is one request for a private resource through a token.
type AccessEvent struct {
	Token    uuid.UUID
	Resource string
}

// ParseAccess extracts the token and the resource name from a request path
// naming /<prefix>/<token>/<resource>[/...]. The path is matched the way it
// is resolved on disk: segments are percent-decoded and "." and ".." are
// folded first, so every spelling that reaches a resource is recognized.
func ParseAccess(prefix, path string) (AccessEvent, bool) {
	segments := helper.CleanSegments(path)
	if prefix == "" || len(segments) < 3 || segments[0] != prefix {
		return AccessEvent{}, false
	}

	token, err := link.ParseToken(segments[1])
	if err != nil {
		return AccessEvent{}, false
	}
	return AccessEvent{Token: token, Resource: segments[2]}, true
}

// IsPrivate reports whether path resolves below the private prefix.
func IsPrivate(prefix, path string) bool {
	segments := helper.CleanSegments(path)
	return prefix != "" && len(segments) > 0 && segments[0] == prefix
}

// Queue carries access events from request handlers to the background
// loop. Push never blocks; Drain takes everything queued so far.
type Queue struct {
	mu     sync.Mutex
	events []AccessEvent
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(ev AccessEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
}

func (q *Queue) Drain() []AccessEvent {
	q.mu.Lock()
	events := q.events
	q.events = nil
	q.mu.Unlock()
	return events
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
