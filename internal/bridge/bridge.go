// Package bridge adapts a push-delivered media track into a pull-oriented
// endpoint: a unix socket an external transcoder process can read as if from
// a file. Chunks are buffered in arrival order before the reader attaches,
// delivered in order, and end-of-stream and source errors propagate to the
// reader as connection close.
package bridge

import (
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/camlink/camlink/internal/media"
	"github.com/camlink/camlink/internal/observability"
)

// subscriptionBuffer is how many chunks an endpoint may hold before its
// reader attaches or while the reader lags.
const subscriptionBuffer = 512

// Endpoint exposes one media track on a unix socket. It owns the socket and
// releases it exactly once on Close, no matter how many times or how
// concurrently Close is called.
type Endpoint struct {
	id       uuid.UUID
	kind     media.Kind
	path     string
	preface  []byte
	sub      *media.Subscription
	listener net.Listener
	logger   *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	bytesDelivered atomic.Uint64
}

// Open begins consuming the track and binds a unix socket in dir for an
// external process to read from.
func Open(track *media.Track, dir string, logger *slog.Logger) (*Endpoint, error) {
	return OpenWithPreface(track, nil, dir, logger)
}

// OpenWithPreface is Open with leading bytes delivered to the reader before
// any live chunk. A consumer attaching mid-stream needs the track's
// initialization segment first to be able to decode.
func OpenWithPreface(track *media.Track, preface []byte, dir string, logger *slog.Logger) (*Endpoint, error) {
	id := uuid.New()
	path := filepath.Join(dir, fmt.Sprintf("camlink-%s-%s.sock", track.Kind(), id.String()[:8]))

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("binding bridge socket: %w", err)
	}

	e := &Endpoint{
		id:       id,
		kind:     track.Kind(),
		path:     path,
		preface:  preface,
		sub:      track.Subscribe(subscriptionBuffer),
		listener: listener,
		logger: observability.WithComponent(logger, "bridge").With(
			slog.String("track", string(track.Kind())),
			slog.String("endpoint_id", id.String()[:8])),
		closed: make(chan struct{}),
	}

	e.wg.Add(1)
	go e.serve()

	e.logger.Debug("bridge endpoint opened", slog.String("path", path))
	return e, nil
}

// Address returns the endpoint address in the form the transcoder consumes
// as an input URL.
func (e *Endpoint) Address() string {
	return "unix://" + e.path
}

// Path returns the filesystem path of the socket.
func (e *Endpoint) Path() string {
	return e.path
}

// Kind returns the media type served by the endpoint.
func (e *Endpoint) Kind() media.Kind {
	return e.kind
}

// BytesDelivered returns how many bytes were written to the reader.
func (e *Endpoint) BytesDelivered() uint64 {
	return e.bytesDelivered.Load()
}

// Closed reports whether the endpoint has been closed.
func (e *Endpoint) Closed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// Close stops consuming the track and releases the socket. Idempotent and
// safe against a concurrent natural end-of-stream; the transport resource is
// released exactly once.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.sub.Cancel()
		// Closing the unix listener unlinks the socket file.
		if err := e.listener.Close(); err != nil {
			e.logger.Debug("listener close", slog.String("error", err.Error()))
		}
		e.wg.Wait()
		e.logger.Debug("bridge endpoint closed",
			slog.Uint64("bytes_delivered", e.bytesDelivered.Load()))
	})
}

// serve accepts the single transcoder connection and pumps chunks into it.
func (e *Endpoint) serve() {
	defer e.wg.Done()

	conn, err := e.listener.Accept()
	if err != nil {
		// Listener closed before the reader attached.
		return
	}
	defer conn.Close()

	// Unblock a stalled write when the endpoint closes underneath it.
	serveDone := make(chan struct{})
	defer close(serveDone)
	go func() {
		select {
		case <-e.closed:
			conn.Close()
		case <-serveDone:
		}
	}()

	if len(e.preface) > 0 {
		if _, err := conn.Write(e.preface); err != nil {
			return
		}
		e.bytesDelivered.Add(uint64(len(e.preface)))
	}

	for {
		select {
		case <-e.closed:
			return
		case chunk, ok := <-e.sub.C:
			if !ok {
				if srcErr := e.sub.Err(); srcErr != nil {
					e.logger.Warn("source track failed",
						slog.String("error", srcErr.Error()))
				}
				// End of stream: closing the connection is the EOF the
				// reader sees.
				return
			}
			if _, err := conn.Write(chunk); err != nil {
				if !e.Closed() {
					e.logger.Debug("reader write failed",
						slog.String("error", err.Error()))
				}
				return
			}
			e.bytesDelivered.Add(uint64(len(chunk)))
		}
	}
}
