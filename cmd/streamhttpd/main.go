// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/linkdata/streamhttp"
	"github.com/linkdata/streamhttp/ringbuf"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	flagConfig   = flag.String("config", "", "YAML configuration file")
	flagHTTP     = flag.String("http", "127.0.0.1:8080", "HTTP gateway address")
	flagFastHTTP = flag.String("fasthttp", "", "fasthttp gateway address, empty to disable")
	flagMetrics  = flag.String("metrics", "", "separate prometheus metrics address, empty to serve /metrics through the gateway")
	flagGateway  = flag.String("gateway", "gateway", "source name of the HTTP gateway")
	flagProfile  = flag.Bool("profile", false, "write cpu profile to file")
	flagDebug    = flag.Bool("debug", false, "enable debug logging")
	flagPrintURL = flag.Bool("printurl", false, "print the gateway URL on stdout")
)

var usage = func() {
	fmt.Fprintf(os.Stderr, "usage: streamhttpd [flags]\n"+
		"  Settings are read from -config, then from %s* environment variables.\n", streamhttp.DefaultEnvPrefix)
	flag.CommandLine.PrintDefaults()
}

func loadConfig() (cfg streamhttp.Config, err error) {
	cfg = streamhttp.DefaultConfig()
	if *flagConfig != "" {
		if cfg, err = streamhttp.LoadConfig(*flagConfig); err != nil {
			return
		}
	}
	if err = cfg.ApplyEnv(os.Environ(), streamhttp.DefaultEnvPrefix); err == nil {
		err = cfg.Validate()
	}
	return
}

func newLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if *flagDebug {
		zcfg = zap.NewDevelopmentConfig()
	}
	return zcfg.Build()
}

func newDirectory(cfg streamhttp.Config) *ringbuf.Directory {
	return ringbuf.NewDirectory(cfg.StreamsCapacity, cfg.ThrottleCapacity)
}

func newTransport(cfg streamhttp.Config, dir *ringbuf.Directory) *streamhttp.DirectoryTransport {
	return &streamhttp.DirectoryTransport{Dir: dir, Name: cfg.Name}
}

func newMetrics() (*streamhttp.Metrics, error) {
	m := streamhttp.NewMetrics("streamhttp")
	return m, m.Register(prometheus.DefaultRegisterer)
}

func newServer(lc fx.Lifecycle, cfg streamhttp.Config, dt *streamhttp.DirectoryTransport, reg *streamhttp.Registry, m *streamhttp.Metrics, logger *zap.Logger) *streamhttp.Server {
	w := dt.Watch()
	srv := streamhttp.NewServer(cfg, dt, w, reg, logger)
	srv.Stats = m
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		w.Close()
		return nil
	}})
	return srv
}

func newGateway(lc fx.Lifecycle, cfg streamhttp.Config, dir *ringbuf.Directory, reg *streamhttp.Registry, logger *zap.Logger) (*streamhttp.Gateway, error) {
	gw, err := streamhttp.NewGateway(dir, cfg.Name, *flagGateway, reg, logger)
	if err == nil {
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return gw.Close() }})
	}
	return gw, err
}

// renderRequest writes the request line and sorted headers. The request
// body follows it in the open response.
func renderRequest(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "%s %s\n", r.Method, r.RequestURI)
	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, strings.Join(r.Header[k], ", "))
	}
	fmt.Fprint(w, "\n")
}

func bindDemo(reg *streamhttp.Registry) error {
	router := httprouter.New()
	router.GET("/hello/:name", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		fmt.Fprintf(w, "hello, %s\n", ps.ByName("name"))
	})

	fast := streamhttp.FastHTTPHandler(func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("text/plain; charset=utf-8")
		fmt.Fprintf(ctx, "fast %s %s\n", ctx.Method(), ctx.Path())
	})

	var err error
	for path, h := range map[string]http.Handler{
		"/hello/": router,
		"/fast/":  fast,
		"/echo/":  http.HandlerFunc(renderRequest),
	} {
		_, berr := reg.Bind(path, h)
		err = multierr.Append(err, berr)
	}
	if *flagMetrics == "" {
		_, berr := reg.Bind("/metrics", promhttp.Handler())
		err = multierr.Append(err, berr)
	}
	return err
}

func runServer(lc fx.Lifecycle, srv *streamhttp.Server, gw *streamhttp.Gateway, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			eg.Go(func() error { return srv.Serve(ctx) })
			eg.Go(func() error { return gw.Run(ctx) })
			return nil
		},
		OnStop: func(context.Context) error {
			err := srv.Close()
			cancel()
			if werr := eg.Wait(); werr != nil && errors.Cause(werr) != streamhttp.ErrServerClosed && errors.Cause(werr) != context.Canceled {
				err = multierr.Append(err, werr)
			}
			logger.Info("server stopped", zap.Int64("bytes_read", srv.BytesRead()), zap.Int64("bytes_written", srv.BytesWritten()))
			return err
		},
	})
}

func runHTTP(lc fx.Lifecycle, gw *streamhttp.Gateway, logger *zap.Logger) {
	hs := &http.Server{Addr: *flagHTTP, Handler: gw}
	var fs *fasthttp.Server
	if *flagFastHTTP != "" {
		fs = &fasthttp.Server{Handler: gw.HandleFastHTTP, Name: "streamhttpd"}
	}
	var ms *http.Server
	if *flagMetrics != "" {
		ms = &http.Server{Addr: *flagMetrics, Handler: promhttp.Handler()}
	}

	serve := func(name string, ln net.Listener, fn func(net.Listener) error) {
		logger.Info("listening", zap.String("listener", name), zap.Stringer("addr", ln.Addr()))
		go func() {
			if err := fn(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("serve", zap.String("listener", name), zap.Error(err))
			}
		}()
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", hs.Addr)
			if err != nil {
				return err
			}
			if *flagPrintURL {
				fmt.Fprintf(os.Stdout, "http://%s/\n", ln.Addr().String())
			}
			serve("http", ln, hs.Serve)
			if fs != nil {
				fln, err := net.Listen("tcp", *flagFastHTTP)
				if err != nil {
					return multierr.Append(err, hs.Close())
				}
				serve("fasthttp", fln, fs.Serve)
			}
			if ms != nil {
				mln, err := net.Listen("tcp", ms.Addr)
				if err != nil {
					return multierr.Append(err, hs.Close())
				}
				serve("metrics", mln, ms.Serve)
			}
			return nil
		},
		OnStop: func(ctx context.Context) (err error) {
			err = hs.Shutdown(ctx)
			if fs != nil {
				err = multierr.Append(err, fs.Shutdown())
			}
			if ms != nil {
				err = multierr.Append(err, ms.Shutdown(ctx))
			}
			return
		},
	})
}

func main() {
	flag.CommandLine.Usage = usage
	flag.Parse()

	if *flagProfile {
		defer profile.Start().Stop()
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newDirectory,
			newTransport,
			streamhttp.NewRegistry,
			newMetrics,
			newServer,
			newGateway,
		),
		fx.Invoke(bindDemo, runServer, runHTTP),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)
	app.Run()
}
