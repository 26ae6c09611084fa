package main

import (
	"context"
	"fmt"

	appendapp "github.com/evently-cloud/rest-api/app/append"
	"github.com/evently-cloud/rest-api/app/home"
	"github.com/evently-cloud/rest-api/app/ledgers"
	"github.com/evently-cloud/rest-api/app/notify"
	"github.com/evently-cloud/rest-api/app/registry"
	"github.com/evently-cloud/rest-api/app/selectors"
	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/service"
	"github.com/evently-cloud/rest-api/pkg/slice"
	"github.com/evently-cloud/rest-api/pkg/store"
)

var _ = apps.Register(20, func(ctx context.Context, svc *service.Harness) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	db, ok := slice.Find[*store.DB](svc.Services...)
	if !ok {
		return fmt.Errorf("store is not configured")
	}

	source, err := selectors.NewSource(ctx, db)
	if err != nil {
		return err
	}
	ledgerSvc, err := ledgers.New(ctx, db, source)
	if err != nil {
		return err
	}
	registrySvc, err := registry.New(ctx, db, source)
	if err != nil {
		return err
	}
	appendSvc, err := appendapp.New(ctx, db, registrySvc)
	if err != nil {
		return err
	}
	notifySvc, err := notify.New(ctx, db, db)
	if err != nil {
		return err
	}

	selectorHTTP, err := selectors.NewService(ctx, source, ledgerSvc)
	if err != nil {
		return err
	}
	ledgerHTTP, err := ledgers.NewHTTP(ctx, ledgerSvc, selectorHTTP)
	if err != nil {
		return err
	}
	registryHTTP, err := registry.NewHTTP(ctx, registrySvc, ledgerSvc)
	if err != nil {
		return err
	}
	appendHTTP, err := appendapp.NewHTTP(ctx, appendSvc, source, ledgerSvc)
	if err != nil {
		return err
	}
	homeSvc, err := home.New(ctx, db)
	if err != nil {
		return err
	}

	svc.Add(source, ledgerSvc, registrySvc, appendSvc, notifySvc,
		selectorHTTP, ledgerHTTP, registryHTTP, appendHTTP, homeSvc)

	return nil
})
