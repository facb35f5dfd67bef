// Package nameserver answers DNS A queries with the source address of the
// route created for the queried name.
package nameserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/dghilardi/port-plumber/internal/resolver"
)

// TTL of every answer. Addresses never change for a name while the daemon
// runs.
const TTL = 60

// NameResolver maps a name to its source address.
type NameResolver interface {
	Resolve(name string) (net.IP, error)
}

// Server is a UDP DNS server in front of a NameResolver.
type Server struct {
	listen   string
	resolver NameResolver
	log      *logrus.Entry

	mu   sync.Mutex
	conn net.PacketConn
	srv  *dns.Server
}

func New(listen string, res NameResolver, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{listen: listen, resolver: res, log: log.WithField("component", "nameserver")}
}

func (s *Server) Name() string { return "dns" }

// Start binds the UDP socket.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", s.listen)
	if err != nil {
		return fmt.Errorf("listen dns %s: %w", s.listen, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.srv = &dns.Server{PacketConn: conn, Handler: s}
	s.mu.Unlock()
	s.log.WithField("listen", conn.LocalAddr().String()).Info("DNS front-end listening")
	return nil
}

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve answers queries until Stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return errors.New("dns server not started")
	}
	if err := srv.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, conn := s.srv, s.conn
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.ShutdownContext(ctx); err != nil {
		// never activated: nobody else owns the socket
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			return cerr
		}
	}
	return nil
}

// ServeDNS implements dns.Handler.
func (s *Server) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	resp := s.answer(req)
	if err := w.WriteMsg(resp); err != nil {
		s.log.WithError(err).Debug("Failed to write DNS response")
	}
}

func (s *Server) answer(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.RecursionAvailable = false

	if req.Opcode != dns.OpcodeQuery {
		resp.Rcode = dns.RcodeNotImplemented
		return resp
	}

	for _, q := range req.Question {
		if q.Qclass != dns.ClassINET || (q.Qtype != dns.TypeA && q.Qtype != dns.TypeANY) {
			continue
		}
		ip, err := s.resolver.Resolve(q.Name)
		switch {
		case errors.Is(err, resolver.ErrNotFound):
			resp.Rcode = dns.RcodeNameError
			continue
		case err != nil:
			s.log.WithError(err).WithField("name", q.Name).Error("Resolve failed")
			resp.Rcode = dns.RcodeServerFailure
			continue
		}
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    TTL,
			},
			A: ip.To4(),
		})
		s.log.WithFields(logrus.Fields{"name": q.Name, "ip": ip.String()}).Debug("Answered A query")
	}
	return resp
}
