package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/env"
	"github.com/evently-cloud/rest-api/pkg/mux"
	"github.com/evently-cloud/rest-api/pkg/service"
	"github.com/evently-cloud/rest-api/pkg/slice"
)

var _ = apps.Register(30, func(ctx context.Context, svc *service.Harness) error {
	s := &http.Server{}
	svc.Add(s)

	m := mux.New()
	s.Handler = lg.Htrace(m, "evently")

	s.Addr = ":" + env.Default("PORT", "4802")
	if strings.HasPrefix(s.Addr, ":") {
		s.Addr = "[::]" + s.Addr
	}

	svc.OnStart(func(ctx context.Context) error {
		_, span := lg.Span(ctx)
		defer span.End()

		log.Print("Listen on ", s.Addr)
		span.AddEvent("begin listen and serve on " + s.Addr)

		m.Add(slice.FilterType[interface{ RegisterHTTP(*http.ServeMux) }](svc.Services...)...)
		return s.ListenAndServe()
	})
	svc.OnStop(s.Shutdown)

	return nil
})
