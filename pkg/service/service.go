// package service runs the application harness: apps register by
// priority, start hooks run under one errgroup, and stop hooks run in
// LIFO order so the last subsystem up is the first one down.
package service

import (
	"context"
	"log"
	"runtime/debug"
	"sort"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type Harness struct {
	Services []any

	onStart []func(context.Context) error
	onStop  []func(context.Context) error
}

// Add makes services discoverable to other apps (and the HTTP mux).
func (h *Harness) Add(svcs ...any) {
	h.Services = append(h.Services, svcs...)
}

func (h *Harness) OnStart(fn func(context.Context) error) {
	h.onStart = append(h.onStart, fn)
}

// OnStop registers a shutdown hook. Hooks run in reverse registration
// order.
func (h *Harness) OnStop(fn func(context.Context) error) {
	h.onStop = append(h.onStop, fn)
}

// Setup runs the app registration functions in priority order.
func (h *Harness) Setup(ctx context.Context, apps ...func(context.Context, *Harness) error) error {
	for _, app := range apps {
		if err := app(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// Run starts every OnStart hook and blocks until the first failure or
// context end, then drains the stop hooks LIFO.
func (h *Harness) Run(ctx context.Context, appName, version string) error {
	log.Println(appName, version, "starting")

	g, ctx := errgroup.WithContext(ctx)
	for i := range h.onStart {
		fn := h.onStart[i]
		g.Go(func() error { return fn(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		return h.Stop(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

// Stop drains the stop hooks in LIFO order, each with its own timeout.
func (h *Harness) Stop(ctx context.Context) error {
	var errs error
	for i := len(h.onStop) - 1; i >= 0; i-- {
		func() {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			errs = multierr.Append(errs, h.onStop[i](ctx))
		}()
	}
	return errs
}

type app struct {
	priority int
	fn       func(context.Context, *Harness) error
}

// Apps collects registrations from the per-app files in cmd.
type Apps []app

func (a *Apps) Register(priority int, fn func(context.Context, *Harness) error) bool {
	*a = append(*a, app{priority, fn})
	return true
}

func (a Apps) Apps() []func(context.Context, *Harness) error {
	sort.SliceStable(a, func(i, j int) bool { return a[i].priority < a[j].priority })
	fns := make([]func(context.Context, *Harness) error, len(a))
	for i := range a {
		fns[i] = a[i].fn
	}
	return fns
}

// AppName reads the module path and vcs revision from build info.
func AppName() (string, string) {
	name, version := "evently", "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Path != "" {
			name = info.Main.Path
		}
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				version = s.Value
			}
		}
	}
	return name, version
}
