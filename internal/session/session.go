// Package session implements the Session and Session Registry types from
// spec.md §3/§4.7: a tagged TCP/UDP flow handle plus a doubly-linked,
// oldest-first registry with an optional cap.
package session

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind distinguishes the two session variants (§3 Session: tagged TCP/UDP).
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
)

func (k Kind) String() string {
	if k == KindTCP {
		return "tcp"
	}
	return "udp"
}

// Terminator is supplied by the session variant; the registry only points at
// the eviction victim, it does not know how to tear one down (§4.7, and the
// open question in §9: the cap is enforced by logging + pointing, not by
// actually terminating — preserved here deliberately).
type Terminator interface {
	Terminate()
}

// Session is a live TCP or UDP flow being proxied, identified in logs by a
// UUID (domain-stack: github.com/google/uuid, per SPEC_FULL.md §12).
type Session struct {
	ID   string
	Kind Kind

	// node is set by Registry.Insert and cleared by Registry.Remove; it lets
	// Remove be O(1) instead of a linear scan for the common case.
	node *node
}

// New constructs a session handle with a fresh UUID. Its Terminator is
// supplied separately, to Registry.Insert.
func New(kind Kind) *Session {
	return &Session{ID: uuid.NewString(), Kind: kind}
}

type node struct {
	sess       *Session
	terminator Terminator
	prev, next *node
}

// Registry is the doubly-linked, mutex-guarded, oldest-first session list of
// spec.md §4.7.
type Registry struct {
	log *zap.Logger

	mu          sync.Mutex
	head, tail  *node
	size        int
	maxSessions int
}

// NewRegistry returns a registry. maxSessions<=0 disables the cap.
func NewRegistry(maxSessions int, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{maxSessions: maxSessions, log: log}
}

// Insert links sess at the tail. If the cap is exceeded, the oldest session's
// Terminator is pointed at (not invoked) and a warning is logged — matching
// the source's "continue past the cap" behavior (spec.md §9 open question a).
func (r *Registry) Insert(sess *Session, term Terminator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := &node{sess: sess, terminator: term}
	sess.node = n

	if r.tail == nil {
		r.head, r.tail = n, n
	} else {
		n.prev = r.tail
		r.tail.next = n
		r.tail = n
	}
	r.size++

	if r.maxSessions > 0 && r.size > r.maxSessions {
		// The registry only identifies the victim; termination, if any, is
		// the caller's responsibility — see Terminator.
		r.log.Warn("session cap exceeded",
			zap.Int("size", r.size), zap.Int("max", r.maxSessions),
			zap.String("oldest", r.head.sess.ID))
	}
}

// Remove unlinks sess. It is a no-op if sess was never inserted or has
// already been removed.
func (r *Registry) Remove(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := sess.node
	if n == nil {
		return
	}
	r.unlink(n)
	sess.node = nil
}

func (r *Registry) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		r.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		r.tail = n.prev
	}
	n.prev, n.next = nil, nil
	r.size--
}

// Size returns the current live session count.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Oldest returns the head session, or nil if the registry is empty.
func (r *Registry) Oldest() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.head == nil {
		return nil
	}
	return r.head.sess
}

// Shutdown walks the list and frees every node.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for n := r.head; n != nil; {
		next := n.next
		n.sess.node = nil
		n.prev, n.next = nil, nil
		n = next
	}
	r.head, r.tail, r.size = nil, nil, 0
}
