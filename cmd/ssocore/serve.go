package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/ghodss/yaml"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ssocore/ssocore/auth"
	"github.com/ssocore/ssocore/hasher"
	"github.com/ssocore/ssocore/jwtcodec"
	"github.com/ssocore/ssocore/key"
	"github.com/ssocore/ssocore/notify"
	"github.com/ssocore/ssocore/oauth2provider"
	"github.com/ssocore/ssocore/pkg/log"
	tracepkg "github.com/ssocore/ssocore/pkg/otel"
	"github.com/ssocore/ssocore/server"
	"github.com/ssocore/ssocore/servicestore"
	"github.com/ssocore/ssocore/storage"
	"github.com/ssocore/ssocore/userstore"
)

type serveOptions struct {
	config string
}

// commandServe takes one required positional config-file argument, no flag
// overrides beyond that.
func commandServe() *cobra.Command {
	options := serveOptions{}
	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch ssocore",
		Example: "ssocore serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runServe(options)
		},
	}
	return cmd
}

func runServe(options serveOptions) error {
	configData, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %v", options.config, err)
	}

	var c Config
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return fmt.Errorf("error parsing config file %s: %v", options.config, err)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	slogger, err := newLogger(parseLevel(c.Logger.Level), c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	log.Infof("config storage: %s", c.Storage.Type)

	shutdownTracing, err := tracepkg.InitTracerProvider("ssocore", c.Tracing.Sampler)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Errorf("tracer provider shutdown: %v", err)
		}
	}()

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register Go runtime metrics: %v", err)
	}
	if err := prometheusRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := c.Storage.Config.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %v", err)
	}
	defer store.Close()

	keys := key.NewManager(store.Keys())
	users := userstore.NewFacade(store.Users(), hasher.New(hasher.DefaultParams))
	services := servicestore.NewFacade(store.Services())
	// Both nonce stores come from the storage backend, so single-use holds
	// across instances and consume commits in the same database as the key
	// mutations it gates.
	csrfStore := store.Csrfs()
	oauth2States := store.OAuth2Codes()
	codec := jwtcodec.New()

	mailer := notify.NewDevMailer(256)
	notifier := notify.NewDispatcher(mailer, 256)

	providers := map[string]oauth2provider.Provider{}
	if c.OAuth2.GitHub != nil {
		providers["github"] = oauth2provider.NewGitHub(*c.OAuth2.GitHub, oauth2States)
	}
	if c.OAuth2.Microsoft != nil {
		providers["microsoft"] = oauth2provider.NewMicrosoft(*c.OAuth2.Microsoft, oauth2States)
	}
	if c.OAuth2.SSO != nil {
		providers["sso"] = oauth2provider.NewSSO(*c.OAuth2.SSO, oauth2States)
	}

	access, refresh, revoke := c.Expiry.ttls()
	engine := auth.New(services, users, keys, csrfStore, codec, notifier, providers, store.Audits(), storage.NewID)

	srv, err := server.NewServer(server.Config{
		Engine:             engine,
		Keys:               keys,
		Users:              users,
		Services:           services,
		Audits:             store.Audits(),
		Csrf:               csrfStore,
		Providers:          providers,
		TTLs:               auth.TTLs{Access: access, Refresh: refresh, Revoke: revoke},
		AllowedOrigins:     c.Web.AllowedOrigins,
		AllowedHeaders:     c.Web.AllowedHeaders,
		Logger:             slogger,
		PrometheusRegistry: prometheusRegistry,
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %v", err)
	}

	var g run.Group
	{
		httpListener, err := net.Listen("tcp", c.Web.HTTP)
		if err != nil {
			return fmt.Errorf("listening on %s: %v", c.Web.HTTP, err)
		}
		httpServer := &http.Server{Handler: srv}
		g.Add(func() error {
			log.Infof("listening (http) on %s", c.Web.HTTP)
			return httpServer.Serve(httpListener)
		}, func(err error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Errorf("graceful shutdown (http): %v", err)
			}
		})
	}

	{
		gcCtx, cancelGC := context.WithCancel(context.Background())
		g.Add(func() error {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case now := <-ticker.C:
					result, err := store.GarbageCollect(gcCtx, now)
					switch {
					case err != nil:
						log.Errorf("gc: %v", err)
					case result.CsrfEntries+result.OAuth2Codes > 0:
						log.Infof("gc: reaped %d csrf, %d oauth2 entries", result.CsrfEntries, result.OAuth2Codes)
					}
				case <-gcCtx.Done():
					return gcCtx.Err()
				}
			}
		}, func(err error) {
			cancelGC()
		})
	}

	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := g.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		log.Infof("%v, shutdown now", err)
	}
	return nil
}
