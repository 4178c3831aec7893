// Copyright 2025 vrflow authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"errors"
	"net/http"
	_ "net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/vrflow/vrflow/pkg/log"
	"github.com/vrflow/vrflow/pkg/private/serrors"
	"github.com/vrflow/vrflow/private/app/launcher"
	"github.com/vrflow/vrflow/private/periodic"
	"github.com/vrflow/vrflow/vrouter"
	"github.com/vrflow/vrflow/vrouter/classify"
	"github.com/vrflow/vrflow/vrouter/config"
	"github.com/vrflow/vrflow/vrouter/flowdump"
	"github.com/vrflow/vrflow/vrouter/fwd"
	api "github.com/vrflow/vrflow/vrouter/mgmtapi"
)

var globalCfg config.Config

func main() {
	application := launcher.Application{
		TOMLConfig: &globalCfg,
		ShortName:  "vrouter flow engine",
		Main:       realMain,
	}
	application.Run()
}

func realMain(ctx context.Context) error {
	interfaces, err := loadInterfaces()
	if err != nil {
		return err
	}
	routes, err := loadRoutes()
	if err != nil {
		return err
	}
	fatFlow, err := loadFatFlow()
	if err != nil {
		return err
	}

	sink := &sink{logger: log.New("component", "sink")}
	dp, err := vrouter.New(vrouter.Config{
		Flow:     globalCfg.Flow.Table(),
		Fragment: globalCfg.Fragment.Table(),
		Run:      globalCfg.RunConfig(),
		Routes:   routes,
		FatFlow:  fatFlow,
		Trapper:  sink,
		Sender:   sink,
		Metrics:  vrouter.NewMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return serrors.Wrap("creating data plane", err)
	}
	sink.dp = dp

	g, errCtx := errgroup.WithContext(ctx)

	if globalCfg.API.Addr != "" {
		r := chi.NewRouter()
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
		}))
		server := api.Server{
			Dataplane:  dp,
			Interfaces: interfaces,
		}
		r.Route("/api/v1", server.Routes)
		log.Info("Exposing API", "addr", globalCfg.API.Addr)
		mgmtServer := &http.Server{
			Addr:    globalCfg.API.Addr,
			Handler: r,
		}
		g.Go(func() error {
			defer log.HandlePanic()
			<-errCtx.Done()
			return mgmtServer.Close()
		})
		g.Go(func() error {
			defer log.HandlePanic()
			err := mgmtServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return serrors.Wrap("serving management API", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer log.HandlePanic()
		return globalCfg.Metrics.ServePrometheus(errCtx)
	})
	if file := globalCfg.Flow.DumpFile; file != "" {
		dump := periodic.Start(flowdump.Task(file, dp.Flows()),
			globalCfg.Flow.DumpInterval.Duration, globalCfg.Flow.DumpInterval.Duration)
		g.Go(func() error {
			defer log.HandlePanic()
			<-errCtx.Done()
			dump.Stop()
			return nil
		})
	}
	g.Go(func() error {
		defer log.HandlePanic()
		if err := dp.Run(errCtx); err != nil {
			return serrors.Wrap("running data plane", err)
		}
		return nil
	})
	return g.Wait()
}

func loadInterfaces() (map[uint16]*fwd.Interface, error) {
	interfaces := make(map[uint16]*fwd.Interface, len(globalCfg.Interfaces))
	for _, c := range globalCfg.Interfaces {
		intf, err := c.Build()
		if err != nil {
			return nil, serrors.Wrap("loading interface", err, "id", c.ID)
		}
		interfaces[intf.ID] = intf
	}
	return interfaces, nil
}

func loadRoutes() (*fwd.CachedRoutes, error) {
	static := fwd.NewStaticRoutes()
	for _, c := range globalCfg.Routes {
		p, r, err := c.Build()
		if err != nil {
			return nil, serrors.Wrap("loading route", err, "prefix", c.Prefix)
		}
		static.Insert(c.VRF, p, r)
	}
	return fwd.NewCachedRoutes(static, globalCfg.Flow.RouteCacheSize)
}

func loadFatFlow() (*classify.FatFlowTable, error) {
	rules, err := globalCfg.FatFlowRules()
	if err != nil {
		return nil, err
	}
	t := classify.NewFatFlowTable()
	for ifID, r := range rules {
		if err := t.Set(ifID, r); err != nil {
			return nil, err
		}
	}
	return t, nil
}
