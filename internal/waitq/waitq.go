// Package waitq implements the doubly-linked wait queue that every
// blocking primitive in the core is built from (component B): FIFO and
// stable priority insertion, and O(1) idempotent removal of a node the
// caller still holds a pointer to.
//
// Nodes are meant to be externally allocated — typically embedded in
// the stack frame of a blocked thread, the way vanadium's nsync package
// embeds a "dll" element in its waiter struct. That's safe here because
// a thread is enlisted on at most one queue at a time, and only while
// it is not running (see internal/sched), mirroring nsync's sentinel-
// based circular list and twmb-dash's bucketed emulated futex.
package waitq

// Node is one entry in a Queue. Payload is a non-owning reference the
// queue never touches; Key is only meaningful for priority insertion.
type Node struct {
	prev, next *Node
	queue      *Queue
	Key        int64
	Payload    any
}

// NewNode returns a fresh, unenlisted Node wrapping payload.
func NewNode(payload any) *Node {
	return &Node{Payload: payload}
}

// Queue returns the queue this node currently belongs to, or nil if it
// is not enlisted anywhere.
func (n *Node) Queue() *Queue { return n.queue }

// Enlisted reports whether the node is currently in some queue.
func (n *Node) Enlisted() bool { return n.queue != nil }

// Queue is a doubly-linked FIFO/priority wait queue. The zero value is
// ready to use.
type Queue struct {
	head, tail *Node
	length     int
}

// Len returns the number of nodes currently enlisted.
func (q *Queue) Len() int { return q.length }

// Empty reports whether the queue has no nodes.
func (q *Queue) Empty() bool { return q.head == nil }

func (q *Queue) linkAtTail(n *Node) {
	n.next = nil
	n.prev = q.tail
	if q.tail != nil {
		q.tail.next = n
	} else {
		q.head = n
	}
	q.tail = n
}

// PushTail enlists n at the back of q, FIFO order, in O(1).
func (q *Queue) PushTail(n *Node) {
	n.queue = q
	q.linkAtTail(n)
	q.length++
}

// PushPriority enlists n in q ordered by key ascending (lower key =
// more urgent, matching the core's priority numbering). Insertion is
// stable: n is placed after every existing node whose key is <= key,
// so ties go to the back and arrival order within a priority is
// preserved. O(n).
func (q *Queue) PushPriority(n *Node, key int64) {
	n.queue = q
	n.Key = key

	cur := q.head
	for cur != nil && cur.Key <= key {
		cur = cur.next
	}
	if cur == nil {
		q.linkAtTail(n)
	} else {
		n.next = cur
		n.prev = cur.prev
		if cur.prev != nil {
			cur.prev.next = n
		} else {
			q.head = n
		}
		cur.prev = n
	}
	q.length++
}

// PeekHead returns the head node without removing it, or nil if empty.
func (q *Queue) PeekHead() *Node { return q.head }

// PopHead removes and returns the head node, or nil if q is empty. The
// popped node's back-pointer is always cleared: a node leaving the
// front of the queue this way is being handed to a new owner (e.g.
// dispatched to run, or woken), not left in an ambiguous state.
func (q *Queue) PopHead() *Node {
	n := q.head
	if n == nil {
		return nil
	}
	q.unlink(n)
	n.queue = nil
	return n
}

func (q *Queue) unlink(n *Node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		q.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		q.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	q.length--
}

// Remove unlinks n from q if it is currently enlisted there; it is a
// no-op (and safe to call twice) if n.Queue() != q, which covers both
// "never enlisted" and "already removed with release set". After
// Remove(n, false) the node still reports q, so a second Remove is not
// a no-op. If release is set, n's
// back-pointer is cleared so that a concurrently-racing abort path
// (checking n.Queue() == nil) observes "no longer enlisted"; if clear,
// the back-pointer is left pointing at q, e.g. because the caller is
// about to hand the node off without any window for that race.
func (q *Queue) Remove(n *Node, release bool) {
	if n.queue != q {
		return
	}
	q.unlink(n)
	if release {
		n.queue = nil
	}
}
