package resolver

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dghilardi/port-plumber/internal/config"
	"github.com/dghilardi/port-plumber/internal/plumber"
)

// ErrNotFound is returned for names matching no configured suffix.
var ErrNotFound = errors.New("no plumbing configured for name")

// Plumbing is the part of *plumber.Plumber the resolver drives.
type Plumbing interface {
	Resolve(name string) (plumber.AddressBinding, error)
	Attach(name string, d plumber.PlumbingDescriptor) error
}

type suffixEntry struct {
	suffix  string
	sockets []config.NameSocket
}

// NameResolver turns names into routes: the first resolution of a name
// allocates its addresses and attaches the port mappings configured for its
// suffix.
type NameResolver struct {
	entries []suffixEntry
	plumber Plumbing
	log     *logrus.Entry
}

// New builds a resolver over the name-based plumbing of the configuration.
func New(cfg map[string]config.NamePlumbing, p Plumbing, log *logrus.Entry) *NameResolver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	entries := make([]suffixEntry, 0, len(cfg))
	for suffix, np := range cfg {
		entries = append(entries, suffixEntry{suffix: Normalize(suffix), sockets: np.Sockets})
	}
	// longest suffix first; keys are unique so equal lengths never both match
	sort.Slice(entries, func(i, j int) bool {
		if len(entries[i].suffix) != len(entries[j].suffix) {
			return len(entries[i].suffix) > len(entries[j].suffix)
		}
		return entries[i].suffix < entries[j].suffix
	})
	return &NameResolver{entries: entries, plumber: p, log: log.WithField("component", "resolver")}
}

// Normalize lower-cases name and strips the trailing dot of a FQDN.
func Normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

func (r *NameResolver) match(name string) (suffixEntry, bool) {
	for _, e := range r.entries {
		if strings.HasSuffix(name, e.suffix) {
			return e, true
		}
	}
	return suffixEntry{}, false
}

// Resolve returns the source address of name. Port mappings whose template
// fails to render are logged and skipped; the others are attached.
// Resolving a name again reuses its addresses and mappings.
func (r *NameResolver) Resolve(name string) (net.IP, error) {
	name = Normalize(name)
	entry, ok := r.match(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	binding, err := r.plumber.Resolve(name)
	if err != nil {
		return nil, err
	}
	params := NewTemplateParams(name, binding)
	log := r.log.WithFields(logrus.Fields{"name": name, "suffix": entry.suffix})

	for _, socket := range entry.sockets {
		res, err := RenderResource(socket.Resource, params)
		if err != nil {
			log.WithError(err).WithField("source_port", socket.SourcePort).Error("Failed to render resource template")
			continue
		}
		err = r.plumber.Attach(name, plumber.PlumbingDescriptor{
			InPort:   socket.SourcePort,
			OutPort:  socket.TargetPort,
			Resource: res,
		})
		if err != nil {
			log.WithError(err).WithField("source_port", socket.SourcePort).Error("Failed to attach plumbing")
		}
	}
	return binding.Source, nil
}
