package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/evently-cloud/rest-api/app/notify"
	"github.com/evently-cloud/rest-api/pkg/service"
	"github.com/evently-cloud/rest-api/pkg/slice"
)

// The upstream listener registers its stop hook last so fan-out halts
// before the HTTP server stops accepting.
var _ = apps.Register(40, func(ctx context.Context, svc *service.Harness) error {
	notifySvc, ok := slice.Find[*notify.Service](svc.Services...)
	if !ok {
		return fmt.Errorf("notify service is not configured")
	}

	listenCtx, unlisten := context.WithCancel(context.WithoutCancel(ctx))

	svc.OnStart(func(ctx context.Context) error {
		err := notifySvc.Run(listenCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	svc.OnStop(func(context.Context) error {
		unlisten()
		return nil
	})

	return nil
})
