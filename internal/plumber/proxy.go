package plumber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultAcceptTimeout bounds each wait for a new connection so idleness
	// is checked between accepts.
	DefaultAcceptTimeout = 30 * time.Second
	// DefaultIdleTimeout is how long a route may stay without connections
	// before its resource is stopped.
	DefaultIdleTimeout = 600 * time.Second
)

// Lifecycle is the backing resource of a forwarding loop.
type Lifecycle interface {
	EnsureRunning(ctx context.Context) error
	EnsureStopped() error
}

// ConnectionObserver is told about every proxied connection.
type ConnectionObserver interface {
	ConnectionOpened(route string)
	ConnectionClosed(route string)
}

type noopConnectionObserver struct{}

func (noopConnectionObserver) ConnectionOpened(string) {}
func (noopConnectionObserver) ConnectionClosed(string) {}

// LoopOptions tunes every forwarding loop of a Plumber.
type LoopOptions struct {
	AcceptTimeout time.Duration
	IdleTimeout   time.Duration
	// Clock measures idleness; the accept deadline always uses wall time.
	Clock clock.Clock
}

func (o LoopOptions) withDefaults() LoopOptions {
	if o.AcceptTimeout <= 0 {
		o.AcceptTimeout = DefaultAcceptTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// forwarder is the accept loop of one (route, source port) pair.
type forwarder struct {
	route    string
	source   *net.TCPAddr
	target   *net.TCPAddr
	resource Lifecycle
	observer ConnectionObserver
	opts     LoopOptions
	log      *logrus.Entry
	counter  *ConnectionCounter

	// bound is closed once the listener is up; tests wait on it.
	bound chan struct{}
}

func newForwarder(route string, source, target *net.TCPAddr, res Lifecycle, obs ConnectionObserver, opts LoopOptions, log *logrus.Entry) *forwarder {
	if obs == nil {
		obs = noopConnectionObserver{}
	}
	opts = opts.withDefaults()
	return &forwarder{
		route:    route,
		source:   source,
		target:   target,
		resource: res,
		observer: obs,
		opts:     opts,
		log:      log.WithFields(logrus.Fields{"route": route, "source": source.String(), "target": target.String()}),
		counter:  NewConnectionCounter(opts.Clock),
		bound:    make(chan struct{}),
	}
}

// run binds the source socket and serves it until ctx is cancelled. Only a
// bind failure is returned; per-connection failures are logged.
func (f *forwarder) run(ctx context.Context) error {
	f.log.Info("Starting listener")
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", f.source.String())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", f.source, err)
	}
	tl := ln.(*net.TCPListener)
	close(f.bound)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = tl.Close()
		case <-stop:
		}
	}()

	counter := f.counter
	relayCtx, cancelRelays := context.WithCancel(ctx)
	var relays sync.WaitGroup
	defer func() {
		_ = tl.Close()
		cancelRelays()
		relays.Wait()
		if err := f.resource.EnsureStopped(); err != nil {
			f.log.WithError(err).Warn("Failed to stop resource on shutdown")
		}
		f.log.Info("Listener stopped")
	}()

	for {
		_ = tl.SetDeadline(time.Now().Add(f.opts.AcceptTimeout))
		conn, err := tl.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				f.checkIdle(counter)
				continue
			}
			f.log.WithError(err).Warn("Accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		counter.AddConnection()
		f.observer.ConnectionOpened(f.route)
		if err := f.resource.EnsureRunning(ctx); err != nil {
			f.log.WithError(err).Error("Failed to start resource")
		}

		relays.Add(1)
		go func(c net.Conn) {
			defer relays.Done()
			defer func() {
				counter.RemConnection()
				f.observer.ConnectionClosed(f.route)
			}()
			if err := relay(relayCtx, c, f.target); err != nil {
				f.log.WithError(err).WithField("client", c.RemoteAddr().String()).Error("Error processing stream")
			}
		}(conn)
	}
}

func (f *forwarder) checkIdle(counter *ConnectionCounter) {
	since, idle := counter.NoConnectionsSince()
	if !idle || f.opts.Clock.Since(since) < f.opts.IdleTimeout {
		return
	}
	if err := f.resource.EnsureStopped(); err != nil {
		f.log.WithError(err).Error("Failed to stop idle resource")
	}
}

// relay dials target and copies bytes both ways. Whichever direction ends
// first, by EOF or error, closes both connections.
func relay(ctx context.Context, client net.Conn, target *net.TCPAddr) error {
	defer client.Close()

	var d net.Dialer
	backend, err := d.DialContext(ctx, "tcp", target.String())
	if err != nil {
		return fmt.Errorf("backend connect %s failed: %w", target, err)
	}
	defer backend.Close()

	done := make(chan error, 2)
	go func() { _, err := io.Copy(backend, client); done <- err }()
	go func() { _, err := io.Copy(client, backend); done <- err }()

	select {
	case err = <-done:
	case <-ctx.Done():
	}
	_ = client.Close()
	_ = backend.Close()
	// the losing copy unblocks once both ends are closed
	<-done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
