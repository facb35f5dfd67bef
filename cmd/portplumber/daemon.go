package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dghilardi/port-plumber/internal/config"
	"github.com/dghilardi/port-plumber/internal/health"
	"github.com/dghilardi/port-plumber/internal/metrics"
	"github.com/dghilardi/port-plumber/internal/nameserver"
	"github.com/dghilardi/port-plumber/internal/plumber"
	"github.com/dghilardi/port-plumber/internal/resolver"
	"github.com/dghilardi/port-plumber/internal/resource"
	"github.com/dghilardi/port-plumber/internal/runtime/supervisor"
	"github.com/dghilardi/port-plumber/internal/server"
)

const shutdownTimeout = 30 * time.Second

func run(ctx context.Context, settings *config.Settings, logger *logrus.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logrus.NewEntry(logger)

	cfg, err := config.Load(settings.Config)
	if err != nil {
		return err
	}

	tracker := health.NewTracker()
	collector := metrics.New()
	p := plumber.New(
		plumber.WithLogger(log),
		plumber.WithConnectionObserver(collector),
		plumber.WithLoopOptions(plumber.LoopOptions{
			AcceptTimeout: settings.AcceptTimeout,
			IdleTimeout:   settings.IdleTimeout,
		}),
		plumber.WithResourceFactory(plumber.ProcessResources(log,
			resource.WithObserver(resource.Observers{tracker, collector}),
			resource.WithStopGrace(settings.StopGrace),
		)),
	)
	names := resolver.New(cfg.NamePlumbings(), p, log)
	control := server.NewGinServer(settings.Socket, p, names,
		server.WithVersion(version),
		server.WithLogger(log),
		server.WithHealthTracker(tracker),
		server.WithMetricsHandler(collector.Handler()),
	)

	sup := supervisor.New(log)
	sup.Register(supervisor.NewComponent("plumber",
		func(context.Context) error { return attachAddressPlumbing(p, cfg) },
		func(context.Context) error {
			p.Close()
			return p.Join()
		},
	))
	sup.Register(control)
	var dns *nameserver.Server
	if settings.DNSListen != "" {
		dns = nameserver.New(settings.DNSListen, names, log)
		sup.Register(dns)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"config":   settings.Config,
		"socket":   settings.Socket,
		"plumbing": len(cfg.Plumbing),
		"version":  version,
	}).Info("Port plumber started")
	notify(log, daemon.SdNotifyReady)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(control.Serve)
	if dns != nil {
		g.Go(dns.Serve)
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		notify(log, daemon.SdNotifyStopping)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return sup.Stop(shutdownCtx)
	})
	return g.Wait()
}

// attachAddressPlumbing binds every address-based entry. Name-based entries
// are bound lazily by the resolver.
func attachAddressPlumbing(p *plumber.Plumber, cfg *config.Config) error {
	for _, key := range cfg.Keys() {
		pc := cfg.Plumbing[key]
		switch pc.Kind {
		case config.KindAddress:
			a := pc.Address
			err := p.Attach(key, plumber.PlumbingDescriptor{
				InAddr:   a.Source.IP,
				InPort:   uint16(a.Source.Port),
				OutAddr:  a.Target.IP,
				OutPort:  uint16(a.Target.Port),
				Resource: a.Resource,
			})
			if err != nil {
				return fmt.Errorf("attach %s: %w", key, err)
			}
		case config.KindName:
		default:
			return fmt.Errorf("plumbing %s: unsupported kind %s", key, pc.Kind)
		}
	}
	return nil
}

func notify(log *logrus.Entry, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.WithError(err).Warn("Failed to notify systemd")
		return
	}
	if sent {
		log.WithField("state", state).Debug("Notified systemd")
	}
}
