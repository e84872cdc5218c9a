package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	"github.com/shawn/session-gateway/internal/api"
	"github.com/shawn/session-gateway/internal/config"
	"github.com/shawn/session-gateway/internal/lifecycle"
	"github.com/shawn/session-gateway/internal/lock"
	"github.com/shawn/session-gateway/internal/manager"
	"github.com/shawn/session-gateway/internal/metrics"
	"github.com/shawn/session-gateway/internal/protocol"
	_ "github.com/shawn/session-gateway/internal/protocol/sim"
	"github.com/shawn/session-gateway/internal/reconciler"
	"github.com/shawn/session-gateway/internal/registry"
	"github.com/shawn/session-gateway/internal/webhook"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"
)

func main() {
	cfg, err := config.Load(os.Getenv("GATEWAY_CONFIG"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg, closeReg, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeReg()

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		locker = lock.New(rdb)
	}

	factory, err := protocol.Open(cfg.Protocol.Driver)
	if err != nil {
		return err
	}

	m := metrics.New()
	dispatcher := webhook.New(
		webhook.WithRetries(cfg.Webhook.MaxRetries, cfg.Webhook.RetryBase.D()),
		webhook.WithTimeout(cfg.Webhook.Timeout.D()),
		webhook.WithRecorder(m),
		webhook.WithLogger(logger),
	)

	mgr := manager.New(cfg.Manager(), manager.Deps{
		Registry:   reg,
		Locker:     locker,
		Factory:    factory,
		Dispatcher: dispatcher,
		Clock:      clock.RealClock{},
		Metrics:    m,
		Logger:     logger,
	})
	rec := reconciler.New(reg, mgr, cfg.Reconciler.Interval.D(), logger)

	// The workload owns every session; with leader election only one replica
	// runs it at a time.
	workload := func(ctx context.Context) {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := mgr.Run(ctx); err != nil {
				logger.Error("manager stopped", "err", err)
			}
		}()
		go func() {
			defer wg.Done()
			rec.Run(ctx)
		}()
		wg.Wait()
	}

	var opts []api.Option
	done := make(chan struct{})
	if cfg.Leader.Enabled {
		cs, err := kubeClient(cfg.LocalMode)
		if err != nil {
			return err
		}
		lc := lifecycle.New(cs, lifecycle.Config{
			Namespace: cfg.Leader.Namespace,
			LeaseName: cfg.Leader.LeaseName,
			ID:        cfg.Leader.ID,
		}, workload, logger)
		opts = append(opts, api.WithReadiness(func() error {
			if !lc.IsLeader() {
				return errors.New("not the leader")
			}
			return nil
		}))
		go func() {
			defer close(done)
			lc.Run(ctx)
		}()
	} else {
		go func() {
			defer close(done)
			lifecycle.RunLocal(ctx, workload)
		}()
	}

	h := api.New(mgr, m.Handler(), logger, opts...)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", cfg.Server.Port, "store", cfg.Store.Backend,
			"driver", cfg.Protocol.Driver, "leader_election", cfg.Leader.Enabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
		logger.Error("server error", "err", err)
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	cancel()
	<-done
	return err
}

func openRegistry(ctx context.Context, cfg *config.Config) (registry.Client, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.BoltPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create registry dir: %w", err)
		}
		bc, err := registry.NewBoltFromFile(cfg.Store.BoltPath, nil)
		if err != nil {
			return nil, nil, err
		}
		return bc, func() { bc.Close() }, nil
	case config.BackendMemory:
		return registry.NewMemory(), func() {}, nil
	}

	var awsOptFns []func(*awsconfig.LoadOptions) error
	if cfg.LocalMode {
		// Static credentials for DynamoDB Local
		awsOptFns = append(awsOptFns,
			awsconfig.WithRegion("us-east-1"),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				getenv("AWS_ACCESS_KEY_ID", "test"),
				getenv("AWS_SECRET_ACCESS_KEY", "test"),
				"",
			)),
		)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOptFns...)
	if err != nil {
		return nil, nil, fmt.Errorf("load AWS config: %w", err)
	}
	var dynamoOpts []func(*dynamodb.Options)
	if endpoint := cfg.Store.DynamoEndpoint; endpoint != "" {
		dynamoOpts = append(dynamoOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	db := dynamodb.NewFromConfig(awsCfg, dynamoOpts...)
	return registry.New(db, cfg.Store.DynamoTable), func() {}, nil
}

func kubeClient(localMode bool) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if localMode {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		restCfg, err = clientcmd.BuildConfigFromFlags("", rules.GetDefaultFilename())
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("k8s config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return cs, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
