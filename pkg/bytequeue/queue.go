// Package bytequeue holds outbound bytes as a sequence of chunks so that a
// partial send only touches the chunks it actually consumes.
package bytequeue

import (
	"github.com/eapache/queue"
)

// Queue is a FIFO of byte chunks with O(1) append at both ends.
//
// Chunks added with Append live in a ring buffer; chunks pushed back with
// AppendLeft are kept on a small stack in front of it, the last element being
// the logical head. A Queue is not safe for concurrent use.
type Queue struct {
	front [][]byte
	back  *queue.Queue
	n     int
}

func New() *Queue {
	return &Queue{back: queue.New()}
}

// Len returns the number of queued bytes.
func (q *Queue) Len() int {
	return q.n
}

// Append adds p at the back. The queue keeps a reference to p.
func (q *Queue) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	q.back.Add(p)
	q.n += len(p)
}

// AppendLeft adds p at the front, ahead of every queued byte.
func (q *Queue) AppendLeft(p []byte) {
	if len(p) == 0 {
		return
	}
	q.front = append(q.front, p)
	q.n += len(p)
}

// PopLeft removes and returns up to n bytes from the front. It returns fewer
// bytes when the queue holds fewer, and nil when it is empty or n <= 0.
func (q *Queue) PopLeft(n int) []byte {
	if n <= 0 || q.n == 0 {
		return nil
	}
	if n > q.n {
		n = q.n
	}

	head := q.popChunk()
	if len(head) >= n {
		if len(head) > n {
			q.front = append(q.front, head[n:])
			head = head[:n:n]
		}
		q.n -= n
		return head
	}

	out := make([]byte, 0, n)
	out = append(out, head...)
	for len(out) < n {
		chunk := q.popChunk()
		want := n - len(out)
		if len(chunk) > want {
			q.front = append(q.front, chunk[want:])
			chunk = chunk[:want]
		}
		out = append(out, chunk...)
	}
	q.n -= n
	return out
}

// PopLeftAll drains the queue into one contiguous slice.
func (q *Queue) PopLeftAll() []byte {
	return q.PopLeft(q.n)
}

// Clear discards all queued bytes.
func (q *Queue) Clear() {
	q.front = nil
	if q.back.Length() > 0 {
		q.back = queue.New()
	}
	q.n = 0
}

// popChunk removes the logical first chunk. The caller checks q.n first.
func (q *Queue) popChunk() []byte {
	if last := len(q.front) - 1; last >= 0 {
		chunk := q.front[last]
		q.front[last] = nil
		q.front = q.front[:last]
		return chunk
	}
	return q.back.Remove().([]byte)
}
