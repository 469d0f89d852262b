/*
 * wahost
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Command wahostd runs one WhatsApp connection hosting instance: it
// joins the instance registry, recovers the sessions this instance
// owns, and serves diagnostics until signalled to stop.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	openai "github.com/sashabaranov/go-openai"

	"github.com/gravitational/wahost"
	"github.com/gravitational/wahost/lib/config"
	"github.com/gravitational/wahost/lib/coordinator"
	"github.com/gravitational/wahost/lib/docstore"
	"github.com/gravitational/wahost/lib/eventbus"
	"github.com/gravitational/wahost/lib/pool"
	"github.com/gravitational/wahost/lib/proxy"
	"github.com/gravitational/wahost/lib/reconcile"
	"github.com/gravitational/wahost/lib/secrets"
	"github.com/gravitational/wahost/lib/sessionstore"
	"github.com/gravitational/wahost/lib/statemgr"
	"github.com/gravitational/wahost/lib/waproto"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.ErrorContext(ctx, "Instance terminated.", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	log := slog.Default().With(wahost.ComponentKey, wahost.ComponentDaemon)

	if cfg.FirestoreProject == "" {
		return trace.BadParameter("FIRESTORE_PROJECT_ID is required")
	}
	docs, err := docstore.NewFirestore(ctx, docstore.FirestoreConfig{
		ProjectID: cfg.FirestoreProject,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer docs.Close()

	var bus eventbus.Emitter
	if cfg.NATSURL != "" {
		bus, err = eventbus.NewNATS(eventbus.NATSConfig{URL: cfg.NATSURL})
		if err != nil {
			return trace.Wrap(err)
		}
	} else {
		log.WarnContext(ctx, "NATS_URL is not set, domain events will not be published.")
		bus = eventbus.Discard{}
	}
	defer bus.Close()

	var awsOpts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return trace.Wrap(err)
	}
	secretStore, err := secrets.New(secrets.Config{
		API: secretsmanager.NewFromConfig(awsCfg),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	store, err := newSessionStore(ctx, cfg, awsCfg, secretStore)
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()

	var allocator *proxy.Allocator
	if cfg.UseProxy {
		allocator, err = newAllocator(ctx, cfg, secretStore)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	states, err := statemgr.New(statemgr.Config{
		Store:             docs,
		Emitter:           bus,
		InstanceURL:       cfg.InstanceURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer states.Close()

	strategy, err := coordinator.ParseStrategy(cfg.LoadBalanceStrategy)
	if err != nil {
		return trace.Wrap(err)
	}

	// The coordinator reports the pool's live session count, but the
	// pool needs the coordinator to claim ownership. Break the cycle
	// with a late-bound counter.
	var sessions *pool.Pool
	coord, err := coordinator.New(coordinator.Config{
		Store:             docs,
		InstanceURL:       cfg.InstanceURL,
		MaxSessions:       cfg.MaxSessionsPerInstance,
		Strategy:          strategy,
		HeartbeatInterval: cfg.HeartbeatInterval,
		InstanceTimeout:   cfg.InstanceTimeout,
		CleanupInterval:   cfg.CleanupInterval,
		ConnectionCount: func() int {
			if sessions == nil {
				return 0
			}
			return sessions.Len()
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer coord.Close()

	dialer, err := waproto.DefaultDialer()
	if err != nil {
		return trace.Wrap(err)
	}

	poolCfg := pool.Config{
		Dialer:               dialer,
		Store:                store,
		States:               states,
		Coordinator:          coord,
		UseProxy:             cfg.UseProxy,
		Emitter:              bus,
		MaxSessions:          cfg.MaxSessions,
		PriorityCountries:    cfg.PriorityCountries,
		BrowserName:          cfg.BrowserName,
		AutoReconnect:        cfg.AutoReconnect,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectDelay,
		AttachTimeout:        cfg.AttachTimeout,
		SyncTimeout:          cfg.SyncTimeout,
	}
	if allocator != nil {
		poolCfg.Proxy = allocator
	}
	sessions, err = pool.New(poolCfg)
	if err != nil {
		return trace.Wrap(err)
	}

	if err := coord.Start(ctx); err != nil {
		return trace.Wrap(err)
	}

	reconciler, err := reconcile.New(reconcile.Config{
		Pool:     sessions,
		States:   states,
		Store:    docs,
		Emitter:  bus,
		Interval: cfg.ReconcileInterval,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	reconciler.Start(ctx)
	defer reconciler.Close()

	// Sessions that were live before the last restart come back up
	// before the instance starts taking new work.
	recovered, err := sessions.RecoverAll(ctx)
	if err != nil {
		log.WarnContext(ctx, "Session recovery finished with errors.",
			"recovered", recovered, "error", err)
	} else if recovered > 0 {
		log.InfoContext(ctx, "Recovered persisted sessions.", "count", recovered)
	}
	coord.SetStatus(ctx, coordinator.StatusHealthy)

	diag := newDiagnosticsServer(cfg, sessions)
	serveErr := make(chan error, 1)
	go func() {
		if err := diag.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- trace.Wrap(err)
		}
	}()
	log.InfoContext(ctx, "Instance started.",
		"instance_id", coord.InstanceID(),
		"diagnostics_addr", cfg.DiagnosticsAddr,
		"max_sessions", cfg.MaxSessions,
		"storage", string(cfg.StorageMode),
		"proxy", cfg.UseProxy)

	select {
	case err := <-serveErr:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	log.InfoContext(ctx, "Shutting down, preserving sessions.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	diag.Shutdown(shutdownCtx)
	reconciler.Close()
	if err := sessions.Shutdown(shutdownCtx, pool.ShutdownPreserving); err != nil {
		log.WarnContext(shutdownCtx, "Session shutdown finished with errors.", "error", err)
	}
	return nil
}

// newSessionStore builds the credential blob store, wiring the object
// store backup path and its at-rest encryption for cloud and hybrid
// modes.
func newSessionStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config, secretStore *secrets.Store) (sessionstore.Store, error) {
	storeCfg := sessionstore.Config{
		Mode: cfg.StorageMode,
		Path: cfg.StoragePath,
	}
	if cfg.StorageMode == sessionstore.ModeCloud || cfg.StorageMode == sessionstore.ModeHybrid {
		key, err := secrets.EncryptionKey(ctx, secretStore, cfg.EncryptionKeySecret)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cipher, err := sessionstore.NewCipher(key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		storeCfg.Client = s3.NewFromConfig(awsCfg)
		storeCfg.Bucket = cfg.StorageBucket
		storeCfg.Cipher = cipher
		storeCfg.BackupInterval = cfg.BackupInterval
	}
	store, err := sessionstore.New(storeCfg)
	return store, trace.Wrap(err)
}

// newAllocator builds the egress IP allocator. The LLM fallback oracle
// is optional; without a model or API key the static proximity table
// answers alone.
func newAllocator(ctx context.Context, cfg *config.Config, secretStore *secrets.Store) (*proxy.Allocator, error) {
	vendor, err := proxy.NewVendor(ctx, proxy.VendorConfig{
		APIURL:   cfg.ProxyAPIURL,
		Host:     cfg.ProxyHost,
		Port:     cfg.ProxyPort,
		Customer: cfg.ProxyCustomer,
		Zone:     cfg.ProxyZone,
		Type:     cfg.ProxyType,
		Secrets:  secretStore,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var oracle proxy.Oracle
	if apiKey := os.Getenv("OPENAI_API_KEY"); cfg.OracleModel != "" && apiKey != "" {
		oracle, err = proxy.NewLLMOracle(proxy.LLMOracleConfig{
			Client: openai.NewClient(apiKey),
			Model:  cfg.OracleModel,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	allocator, err := proxy.NewAllocator(proxy.AllocatorConfig{
		Vendor: vendor,
		Oracle: oracle,
		Strict: cfg.ProxyStrict,
	})
	return allocator, trace.Wrap(err)
}

// newDiagnosticsServer serves the operational surface: Prometheus
// metrics, a liveness probe, and a readiness probe that sheds traffic
// once the pool is full.
func newDiagnosticsServer(cfg *config.Config, sessions *pool.Pool) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if sessions.Len() >= cfg.MaxSessions {
			http.Error(w, "at capacity", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              cfg.DiagnosticsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
