// Package runtime wires EntDB's four long-running tasks — the API
// listener, the applier, the archiver, and the snapshotter — into one
// supervised group (EntDB §5 "Four classes of long-running tasks
// coexist in a single process... Each is an independent supervised
// task").
package runtime

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/entdb/internal/apply"
	"github.com/cuemby/entdb/internal/archive"
	"github.com/cuemby/entdb/internal/api"
	"github.com/cuemby/entdb/internal/snapshot"
)

// Runtime owns the four tasks and their shared components.
type Runtime struct {
	Applier     *apply.Applier
	Archiver    *archive.Archiver
	Snapshotter *snapshot.Snapshotter
	APIHandler  *api.Handler
	Health      *api.GRPCHealthServer

	APIAddr        string
	GRPCHealthAddr string
	logger         zerolog.Logger
}

// New assembles a Runtime from its already-constructed components.
func New(applier *apply.Applier, archiver *archive.Archiver, snapshotter *snapshot.Snapshotter, apiHandler *api.Handler, health *api.GRPCHealthServer, apiAddr, grpcHealthAddr string, logger zerolog.Logger) *Runtime {
	return &Runtime{
		Applier: applier, Archiver: archiver, Snapshotter: snapshotter,
		APIHandler: apiHandler, Health: health,
		APIAddr: apiAddr, GRPCHealthAddr: grpcHealthAddr,
		logger: logger.With().Str("component", "runtime").Logger(),
	}
}

// Run starts every task and blocks until one exits or ctx is
// canceled, at which point it cancels the rest and waits for a clean
// shutdown (EntDB §5 "on cancellation the applier finishes the
// current event's transaction before exiting").
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{Addr: r.APIAddr, Handler: r.APIHandler.Routes()}

	g.Go(func() error {
		r.logger.Info().Str("addr", r.APIAddr).Msg("starting API listener")
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		return httpServer.Close()
	})

	g.Go(func() error {
		r.logger.Info().Msg("starting applier")
		return r.Applier.Run(gctx)
	})

	g.Go(func() error {
		r.logger.Info().Msg("starting archiver")
		return r.Archiver.Run(gctx)
	})

	g.Go(func() error {
		r.logger.Info().Msg("starting snapshotter")
		return r.Snapshotter.Run(gctx)
	})

	if r.Health != nil {
		g.Go(func() error {
			r.logger.Info().Str("addr", r.GRPCHealthAddr).Msg("starting gRPC health server")
			return r.Health.Serve(gctx, r.GRPCHealthAddr)
		})
		r.Health.MarkServing()
	}

	return g.Wait()
}
