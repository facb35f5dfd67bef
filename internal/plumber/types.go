package plumber

import (
	"net"
	"sync"

	"github.com/dghilardi/port-plumber/internal/config"
)

// PlumbingDescriptor requests a new port mapping on a route. InAddr and
// OutAddr only matter when the route does not exist yet, except OutAddr
// which also overrides the target of this mapping.
type PlumbingDescriptor struct {
	InAddr   net.IP
	InPort   uint16
	OutAddr  net.IP
	OutPort  uint16
	Resource *config.ResourceConfig
}

// AddressBinding is the address pair of a route.
type AddressBinding struct {
	Source net.IP
	Target net.IP
}

// task is the handle of a forwarding loop goroutine.
type task struct {
	done chan struct{}
	err  error
}

func (t *task) wait() error {
	<-t.done
	return t.err
}

type portMapping struct {
	inPort  uint16
	outPort uint16
	target  net.IP
	task    *task
	conns   *ConnectionCounter
}

// plumbing is one route of the routing table.
type plumbing struct {
	inAddr  net.IP
	outAddr net.IP

	mu       sync.Mutex
	mappings []*portMapping
}
