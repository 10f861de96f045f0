// Package media provides the track primitive shared by the upstream broker
// and the stream bridges: a push-delivered byte stream with multi-subscriber
// fan-out, end-of-stream signaling, and error propagation.
package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrTrackClosed is returned when writing to a closed track.
var ErrTrackClosed = errors.New("media track closed")

// Kind identifies the media type carried by a track.
type Kind string

// Track kinds.
const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Track is a single elementary media stream pushed by a device. Chunks are
// delivered to every subscriber in arrival order. Subscribers that cannot
// keep up have chunks dropped rather than stalling the producer.
type Track struct {
	kind Kind

	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	first  []byte
	closed bool
	err    error
}

// NewTrack creates an open track of the given kind.
func NewTrack(kind Kind) *Track {
	return &Track{
		kind: kind,
		subs: make(map[uuid.UUID]*Subscription),
	}
}

// Kind returns the media type of the track.
func (t *Track) Kind() Kind {
	return t.kind
}

// Write pushes one chunk to all subscribers. The chunk is copied, so the
// caller may reuse its buffer. Returns ErrTrackClosed after Close.
func (t *Track) Write(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	buf := make([]byte, len(chunk))
	copy(buf, chunk)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTrackClosed
	}
	if t.first == nil {
		t.first = buf
	}
	for _, sub := range t.subs {
		select {
		case sub.ch <- buf:
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}

// FirstChunk returns the first chunk ever written to the track, if any.
// For video tracks this is the initialization segment.
func (t *Track) FirstChunk() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.first == nil {
		return nil, false
	}
	return t.first, true
}

// Close marks the end of the stream. Subscriber channels are closed; readers
// observe a clean end of stream. Idempotent.
func (t *Track) Close() {
	t.CloseWithError(nil)
}

// CloseWithError marks the end of the stream with a source failure that
// subscribers can observe via Subscription.Err. Idempotent; the first call
// wins.
func (t *Track) CloseWithError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	t.err = err
	for id, sub := range t.subs {
		close(sub.ch)
		delete(t.subs, id)
	}
}

// Closed reports whether the track has ended.
func (t *Track) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Subscribe attaches a new reader buffering up to buffer chunks ahead of the
// consumer. Subscribing to a closed track yields an already-drained
// subscription carrying the track's terminal error.
func (t *Track) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	sub := &Subscription{
		id:    uuid.New(),
		track: t,
		ch:    make(chan []byte, buffer),
	}
	sub.C = sub.ch

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		close(sub.ch)
		return sub
	}
	t.subs[sub.id] = sub
	return sub
}

// Subscription is one reader of a track. Chunks arrive on C; C is closed on
// end of stream or cancellation.
type Subscription struct {
	// C delivers chunks in arrival order.
	C <-chan []byte

	id      uuid.UUID
	track   *Track
	ch      chan []byte
	dropped atomic.Uint64
}

// Err returns the track's terminal error, if the source failed. Only
// meaningful after C has been closed.
func (s *Subscription) Err() error {
	s.track.mu.Lock()
	defer s.track.mu.Unlock()
	return s.track.err
}

// Dropped returns how many chunks were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel detaches the subscription and closes C. Idempotent; safe to call
// concurrently with track writes and close.
func (s *Subscription) Cancel() {
	s.track.mu.Lock()
	defer s.track.mu.Unlock()

	if _, ok := s.track.subs[s.id]; !ok {
		return
	}
	delete(s.track.subs, s.id)
	close(s.ch)
}
