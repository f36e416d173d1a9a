package relay

import "strings"

// StreamChecker validates per-task StreamToken ordering for a consumer.
// Tokens must arrive with strictly increasing seq starting at 1; a skip
// means bus data loss and the task must be marked failed.
type StreamChecker struct {
	next map[string]uint64
}

// NewStreamChecker builds an empty checker.
func NewStreamChecker() *StreamChecker {
	return &StreamChecker{next: make(map[string]uint64)}
}

// Observe records a token for its task. It returns (accept, err):
// accept=false drops a late or duplicate token (seq below the watermark);
// a non-nil err is an *ErrSequenceGap and the task is lost.
func (c *StreamChecker) Observe(t StreamToken) (bool, error) {
	want := c.next[t.TaskID]
	if want == 0 {
		want = 1
	}
	switch {
	case t.Seq < want:
		return false, nil // late token, dropped by policy
	case t.Seq > want:
		return false, &ErrSequenceGap{TaskID: t.TaskID, Want: want, Got: t.Seq}
	}
	c.next[t.TaskID] = want + 1
	return true, nil
}

// Forget releases the per-task watermark once the stream is final.
func (c *StreamChecker) Forget(taskID string) {
	delete(c.next, taskID)
}

// StreamAssembler accumulates accepted tokens into the single logical
// message a channel adapter live-edits.
type StreamAssembler struct {
	buf  strings.Builder
	done bool
}

// Append adds one token chunk.
func (a *StreamAssembler) Append(token string) {
	a.buf.WriteString(token)
}

// Finish marks the stream final. Returns the full text.
func (a *StreamAssembler) Finish() string {
	a.done = true
	return a.buf.String()
}

// Text returns the text assembled so far.
func (a *StreamAssembler) Text() string { return a.buf.String() }

// Done reports whether Finish was called.
func (a *StreamAssembler) Done() bool { return a.done }
