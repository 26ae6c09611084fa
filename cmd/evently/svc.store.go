package main

import (
	"context"

	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/service"
	"github.com/evently-cloud/rest-api/pkg/store"
)

var _ = apps.Register(10, func(ctx context.Context, svc *service.Harness) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	db, err := store.Open(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	svc.Add(db)
	svc.OnStop(func(context.Context) error {
		db.Close()
		return nil
	})

	return nil
})
