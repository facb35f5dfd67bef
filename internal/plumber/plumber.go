package plumber

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dghilardi/port-plumber/internal/api"
	"github.com/dghilardi/port-plumber/internal/config"
	"github.com/dghilardi/port-plumber/internal/resource"
)

// ResourceFactory builds the backing resource of a new port mapping.
type ResourceFactory func(route string, cfg *config.ResourceConfig) (Lifecycle, error)

// Plumber owns the virtual address allocators and the routing table
// (name -> addresses -> port mappings). Every port mapping is served by its
// own forwarding loop goroutine.
type Plumber struct {
	in  *AddressAllocator
	out *AddressAllocator

	mu     sync.RWMutex
	routes map[string]*plumbing

	ctx    context.Context
	cancel context.CancelFunc

	newResource ResourceFactory
	observer    ConnectionObserver
	loopOpts    LoopOptions
	log         *logrus.Entry
}

// Option customises a Plumber.
type Option func(*Plumber)

// WithLogger sets the base logger.
func WithLogger(log *logrus.Entry) Option {
	return func(p *Plumber) { p.log = log }
}

// WithResourceFactory replaces the default process-backed resources.
func WithResourceFactory(f ResourceFactory) Option {
	return func(p *Plumber) { p.newResource = f }
}

// WithConnectionObserver reports proxied connections to o.
func WithConnectionObserver(o ConnectionObserver) Option {
	return func(p *Plumber) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithLoopOptions tunes the forwarding loops.
func WithLoopOptions(o LoopOptions) Option {
	return func(p *Plumber) { p.loopOpts = o }
}

// WithRanges overrides the default virtual address ranges.
func WithRanges(in, out AddressRange) Option {
	return func(p *Plumber) {
		p.in = NewAddressAllocator(in)
		p.out = NewAddressAllocator(out)
	}
}

// New creates an empty Plumber. Its forwarding loops run until Close.
func New(opts ...Option) *Plumber {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Plumber{
		in:       NewAddressAllocator(DefaultInRange),
		out:      NewAddressAllocator(DefaultOutRange),
		routes:   make(map[string]*plumbing),
		ctx:      ctx,
		cancel:   cancel,
		observer: noopConnectionObserver{},
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithField("component", "plumber")
	if p.newResource == nil {
		p.newResource = ProcessResources(p.log)
	}
	return p
}

// ProcessResources is the default ResourceFactory: resources backed by OS
// processes.
func ProcessResources(log *logrus.Entry, opts ...resource.Option) ResourceFactory {
	return func(route string, cfg *config.ResourceConfig) (Lifecycle, error) {
		all := append([]resource.Option{resource.WithLogger(log)}, opts...)
		res, err := resource.New(route, cfg, all...)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

// Resolve returns the addresses of name, allocating them on first use. No
// listener is created.
func (p *Plumber) Resolve(name string) (AddressBinding, error) {
	r, err := p.allocateOrGet(name, nil, nil)
	if err != nil {
		return AddressBinding{}, err
	}
	return AddressBinding{Source: r.inAddr, Target: r.outAddr}, nil
}

// allocateOrGet returns the route of name, creating it with freshly
// allocated addresses (or the given ones) when missing. Concurrent first
// calls for the same name observe a single allocation.
func (p *Plumber) allocateOrGet(name string, inAddr, outAddr net.IP) (*plumbing, error) {
	p.mu.RLock()
	r, ok := p.routes[name]
	p.mu.RUnlock()
	if ok {
		return r, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.routes[name]; ok {
		return r, nil
	}
	// a failed allocation consumes neither address
	needIn, needOut := inAddr == nil, outAddr == nil
	if needIn {
		if _, err := p.in.Peek(); err != nil {
			return nil, fmt.Errorf("allocate source address for %s: %w", name, err)
		}
	}
	if needOut {
		if _, err := p.out.Peek(); err != nil {
			return nil, fmt.Errorf("allocate target address for %s: %w", name, err)
		}
	}
	var err error
	if needIn {
		if inAddr, err = p.in.Next(); err != nil {
			return nil, fmt.Errorf("allocate source address for %s: %w", name, err)
		}
	}
	if needOut {
		if outAddr, err = p.out.Next(); err != nil {
			return nil, fmt.Errorf("allocate target address for %s: %w", name, err)
		}
	}
	r = &plumbing{inAddr: inAddr, outAddr: outAddr}
	p.routes[name] = r
	p.log.WithFields(logrus.Fields{"route": name, "in": inAddr.String(), "out": outAddr.String()}).Debug("Route created")
	return r, nil
}

// Attach adds a port mapping to the route of name and starts its forwarding
// loop. Attaching an in-port the route already maps is a no-op.
func (p *Plumber) Attach(name string, d PlumbingDescriptor) error {
	r, err := p.allocateOrGet(name, d.InAddr, d.OutAddr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mappings {
		if m.inPort == d.InPort {
			p.log.Debugf("Plumbing already defined for %s:%d to %s:%d", r.inAddr, m.inPort, m.target, m.outPort)
			return nil
		}
	}

	targetIP := r.outAddr
	if d.OutAddr != nil {
		targetIP = d.OutAddr
	}
	source := &net.TCPAddr{IP: r.inAddr, Port: int(d.InPort)}
	target := &net.TCPAddr{IP: targetIP, Port: int(d.OutPort)}

	res, err := p.newResource(name, d.Resource)
	if err != nil {
		return fmt.Errorf("resource for %s: %w", source, err)
	}
	fw := newForwarder(name, source, target, res, p.observer, p.loopOpts, p.log)
	p.log.Debugf("%s -> %s", source, target)

	t := &task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if rec := recover(); rec != nil {
				t.err = fmt.Errorf("forwarding loop for %s panicked: %v", source, rec)
			}
		}()
		if err := fw.run(p.ctx); err != nil {
			p.log.WithError(err).Errorf("Error listening address %s", source)
		}
	}()

	r.mappings = append(r.mappings, &portMapping{inPort: d.InPort, outPort: d.OutPort, target: targetIP, task: t, conns: fw.counter})
	return nil
}

// Close stops every forwarding loop. Join returns once they are gone.
func (p *Plumber) Close() {
	p.cancel()
}

// Join drains the routing table one route at a time, waiting for every
// forwarding loop of the route to end. Loop failures are logged.
func (p *Plumber) Join() error {
	for {
		p.mu.Lock()
		var (
			name string
			r    *plumbing
		)
		for k, v := range p.routes {
			name, r = k, v
			break
		}
		if r != nil {
			delete(p.routes, name)
		}
		p.mu.Unlock()
		if r == nil {
			return nil
		}

		r.mu.Lock()
		mappings := append([]*portMapping(nil), r.mappings...)
		r.mu.Unlock()
		for _, m := range mappings {
			if err := m.task.wait(); err != nil {
				p.log.WithError(err).Error("Join error")
			}
		}
		p.log.WithField("route", name).Debug("Plumbing terminated")
	}
}

// Routes returns a snapshot of the routing table sorted by name.
func (p *Plumber) Routes() []api.Route {
	p.mu.RLock()
	names := make([]string, 0, len(p.routes))
	entries := make(map[string]*plumbing, len(p.routes))
	for k, v := range p.routes {
		names = append(names, k)
		entries[k] = v
	}
	p.mu.RUnlock()
	sort.Strings(names)

	out := make([]api.Route, 0, len(names))
	for _, name := range names {
		r := entries[name]
		route := api.Route{Name: name, Source: r.inAddr.String(), Target: r.outAddr.String()}
		r.mu.Lock()
		for _, m := range r.mappings {
			route.Mappings = append(route.Mappings, api.PortMapping{
				SourcePort:  m.inPort,
				Target:      net.JoinHostPort(m.target.String(), strconv.Itoa(int(m.outPort))),
				Connections: m.conns.Active(),
			})
		}
		r.mu.Unlock()
		out = append(out, route)
	}
	return out
}
