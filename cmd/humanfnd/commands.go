package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	humanfn "github.com/goliatone/go-humanfn"
	"github.com/goliatone/go-humanfn/config"
	"github.com/goliatone/go-humanfn/registry"
	"github.com/goliatone/go-humanfn/server"
	"golang.org/x/sync/errgroup"
)

type serveCmd struct {
	Addr string `help:"Override the listen address." placeholder:"HOST:PORT"`
}

func (c *serveCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.serve(ctx)
}

func (a *app) httpHandler() (http.Handler, error) {
	opts := []server.Option{
		server.WithLogger(a.logger),
		server.WithRateLimit(a.cfg.Server.RateLimit, a.cfg.Server.RateBurst),
	}
	if a.collector != nil {
		opts = append(opts, server.WithMetrics(a.collector, a.cfg.Metrics.Path))
	}
	srv, err := server.New(a.engine, opts...)
	if err != nil {
		return nil, err
	}
	return srv.Handler(), nil
}

// serve runs the scheduler and the HTTP server until ctx is done or either
// of them fails.
func (a *app) serve(ctx context.Context) error {
	handler, err := a.httpHandler()
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
		IdleTimeout:       a.cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := a.scheduler.Start(gctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	g.Go(func() error {
		a.logger.Info("listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.hub.Close()
		return errors.Join(httpSrv.Shutdown(shutdownCtx), a.scheduler.Stop(shutdownCtx))
	})
	return g.Wait()
}

type statusCmd struct {
	ID      string `arg:"" help:"Execution id."`
	History bool   `help:"Print the audit trail instead of the status."`
}

func (c *statusCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	return c.run(context.Background(), cfg, os.Stdout)
}

func (c *statusCmd) run(ctx context.Context, cfg config.Config, out io.Writer) error {
	a, err := newApp(ctx, cfg, io.Discard)
	if err != nil {
		return err
	}
	defer a.Close()

	var v any
	if c.History {
		v, err = a.engine.GetHistory(ctx, c.ID)
	} else {
		v, err = a.engine.GetStatus(ctx, c.ID)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type definitionsCmd struct {
	Validate definitionsValidateCmd `cmd:"" help:"Parse definition files and compile their schemas and hooks."`
}

type definitionsValidateCmd struct {
	Paths []string `arg:"" name:"path" help:"Definition files or directories." type:"path"`
}

func (c *definitionsValidateCmd) Run() error {
	return c.run(os.Stdout)
}

func (c *definitionsValidateCmd) run(out io.Writer) error {
	reg := registry.New()
	n, err := reg.LoadPaths(c.Paths, registry.LoadOptions{Logger: humanfn.NopLogger{}})
	if err != nil {
		return err
	}
	for _, name := range reg.Names() {
		fmt.Fprintf(out, "ok  %s\n", name)
	}
	fmt.Fprintf(out, "%d definitions valid\n", n)
	return nil
}
