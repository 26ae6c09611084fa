package service_test

import (
	"context"
	"testing"

	"github.com/matryer/is"

	"github.com/evently-cloud/rest-api/pkg/service"
)

func TestStopHooksRunLIFO(t *testing.T) {
	is := is.New(t)

	var order []string
	h := &service.Harness{}
	h.OnStop(func(context.Context) error { order = append(order, "first"); return nil })
	h.OnStop(func(context.Context) error { order = append(order, "second"); return nil })
	h.OnStop(func(context.Context) error { order = append(order, "third"); return nil })

	is.NoErr(h.Stop(context.Background()))
	is.Equal(order, []string{"third", "second", "first"})
}

func TestSetupRunsAppsInPriorityOrder(t *testing.T) {
	is := is.New(t)

	var apps service.Apps
	var order []int
	apps.Register(30, func(context.Context, *service.Harness) error { order = append(order, 30); return nil })
	apps.Register(10, func(context.Context, *service.Harness) error { order = append(order, 10); return nil })
	apps.Register(20, func(context.Context, *service.Harness) error { order = append(order, 20); return nil })

	h := &service.Harness{}
	is.NoErr(h.Setup(context.Background(), apps.Apps()...))
	is.Equal(order, []int{10, 20, 30})
}

func TestRunStopsOnContextEnd(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())

	stopped := false
	h := &service.Harness{}
	h.OnStart(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	h.OnStop(func(context.Context) error { stopped = true; return nil })

	cancel()
	is.NoErr(h.Run(ctx, "test", "dev"))
	is.True(stopped)
}

func TestServicesDiscoverable(t *testing.T) {
	is := is.New(t)

	h := &service.Harness{}
	h.Add("a", 42)

	is.Equal(len(h.Services), 2)
}
