// Package daemon wires a receive window, its NAK scheduler, a metrics HTTP
// server, and a hot-reloadable config watch into one long-running process.
// It generalizes teacher's pkg/client/userd/service.go run function: same
// dgroup.NewGroup shutdown shape, same named-goroutine-per-concern split,
// same panic recovery, different concerns.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/mirulimited/pgmrx/pkg/nak"
	"github.com/mirulimited/pgmrx/pkg/pgmconfig"
	"github.com/mirulimited/pgmrx/pkg/rxmetrics"
	"github.com/mirulimited/pgmrx/pkg/rxw"
	"github.com/mirulimited/pgmrx/pkg/transport"
)

const ProcessName = "pgmrecv"

// Deps collects the collaborators Run needs from its caller. Source, Sink
// and Tx are required and this package provides none of them itself:
// everything below the packet boundary (the wire codec and NAK
// transmission) is out of scope here.
type Deps struct {
	Source transport.Source
	Sink   transport.Sink
	Tx     transport.NAKTransmitter

	// Fs and ConfigPath locate the optional YAML overlay. Fs may be nil,
	// in which case afero.NewOsFs() is used.
	Fs         afero.Fs
	ConfigPath string

	// Registerer receives the Prometheus collectors; nil selects
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// validate collects every missing required collaborator into one error, so
// a misconfigured caller sees the whole list instead of one field at a time.
func (d Deps) validate() error {
	var result *multierror.Error
	if d.Source == nil {
		result = multierror.Append(result, errors.New("daemon: Deps.Source is required"))
	}
	if d.Sink == nil {
		result = multierror.Append(result, errors.New("daemon: Deps.Sink is required"))
	}
	if d.Tx == nil {
		result = multierror.Append(result, errors.New("daemon: Deps.Tx is required"))
	}
	return result.ErrorOrNil()
}

// Run loads configuration, constructs the receive window and its
// collaborators, and drives them until ctx is cancelled or a goroutine in
// the group fails. It returns the first error reported by the group, or nil
// on a clean shutdown.
func Run(ctx context.Context, d Deps) error {
	if err := d.validate(); err != nil {
		return err
	}
	if d.Fs == nil {
		d.Fs = afero.NewOsFs()
	}
	if d.Registerer == nil {
		d.Registerer = prometheus.DefaultRegisterer
	}

	cfg, err := pgmconfig.Load(ctx, d.Fs, d.ConfigPath)
	if err != nil {
		return err
	}
	ctx = dgroup.WithGoroutineName(ctx, "/"+ProcessName)

	recorder := rxmetrics.NewRecorder(d.Registerer)

	window, err := rxw.New(ctx, rxw.Config{
		TPDU:          cfg.TPDU,
		Preallocate:   cfg.Preallocate,
		WindowSeconds: cfg.WindowSeconds,
		MaxRateBps:    cfg.MaxRateBps,
		Metrics:       recorder,
	}, d.Sink)
	if err != nil {
		return err
	}
	defer window.Shutdown(ctx)

	scheduler := nak.New(nak.Config{
		TickInterval:       cfg.NAKTickInterval,
		InitialResendDelay: cfg.NAKInitialResendDelay,
		MaxRetries:         cfg.NAKMaxRetries,
		RateLimit:          cfg.RateLimit(),
		RateBurst:          cfg.NAKRateBurst,
	}, window, d.Tx, nil, recorder)

	watcher := pgmconfig.NewWatcher(d.Fs, d.ConfigPath, cfg)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})

	dlog.Info(ctx, "---")
	dlog.Infof(ctx, "pgmrx receive window starting, session %s", window.ID())
	dlog.Infof(ctx, "PID is %d", os.Getpid())
	dlog.Info(ctx, "")

	// A single mutex serializes every touch of window and scheduler, the
	// same way handler.go's h.Lock() guards both the receive path and
	// processResends.
	var mu sync.Mutex

	g.Go("receive-loop", func(c context.Context) error {
		for {
			pkt, err := d.Source.Receive(c)
			if err != nil {
				if c.Err() != nil {
					return nil
				}
				return err
			}
			mu.Lock()
			err = window.Push(c, pkt.Payload, pkt.Sequence, pkt.AdvertisedTrail)
			mu.Unlock()
			if err != nil {
				dlog.Debugf(c, "receive-loop: push #%d: %v", pkt.Sequence, err)
			}
		}
	})

	g.Go("nak-scheduler", func(c context.Context) error {
		return scheduler.Run(c, &mu)
	})

	g.Go("metrics-server", func(c context.Context) error {
		// Soft-cancel first so in-flight scrapes finish; the group's hard
		// context kills the listener if that takes longer than
		// SoftShutdownTimeout, the same two-stage shutdown service.go uses
		// for its gRPC listener.
		soft := dcontext.WithSoftness(dcontext.HardContext(c))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		sc := &dhttp.ServerConfig{Handler: mux}
		dlog.Infof(c, "metrics server listening on %s", cfg.MetricsAddr)
		err := sc.ListenAndServe(soft, cfg.MetricsAddr)
		if err != nil && c.Err() != nil {
			err = nil // normal shutdown
		}
		return err
	})

	g.Go("config-watch", func(c context.Context) error {
		return watcher.Run(c)
	})

	err = g.Wait()
	if err != nil {
		dlog.Error(ctx, err)
	}
	return err
}
