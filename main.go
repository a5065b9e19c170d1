package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
	"github.com/anvil-platform/anvil-mgmt/controllers"
	"github.com/anvil-platform/anvil-mgmt/internal/capability"
	"github.com/anvil-platform/anvil-mgmt/internal/composer"
	"github.com/anvil-platform/anvil-mgmt/internal/config"
	"github.com/anvil-platform/anvil-mgmt/internal/definitions"
	"github.com/anvil-platform/anvil-mgmt/internal/resource"
	"github.com/anvil-platform/anvil-mgmt/internal/restart"
	"github.com/anvil-platform/anvil-mgmt/internal/service"
	"github.com/anvil-platform/anvil-mgmt/internal/transport"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(mgmtv1alpha1.AddToScheme(scheme))
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the configuration file (default ./mgmt.yaml).")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}

	if err := run(ctrl.SetupSignalHandler(), cfg); err != nil {
		setupLog.Error(err, "problem running management daemon")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	eventLog := ctrl.Log.WithName("events")
	broadcaster := record.NewBroadcaster()
	broadcaster.StartLogging(func(format string, args ...interface{}) {
		eventLog.V(1).Info(fmt.Sprintf(format, args...))
	})
	defer broadcaster.Shutdown()
	recorder := broadcaster.NewRecorder(scheme, corev1.EventSource{Component: "anvil-mgmt"})

	var redisClient redis.UniversalClient
	if cfg.Redis.Address != "" {
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Address},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	container := service.NewContainer(
		service.WithStartTimeout(cfg.ServiceStartTimeout),
		service.WithInstallObserver(controllers.ObserveServiceInstall),
	)
	comp := composer.New(capability.New(), container, composer.WithStoreErrorObserver(controllers.ObserveStoreError))
	mc := &controllers.ManagementController{
		Tree:         resource.NewTree(definitions.NewRoot(definitions.Options{Redis: redisClient, KeyPrefix: cfg.Redis.KeyPrefix})),
		Composer:     comp,
		Coordinator:  restart.New(comp),
		Recorder:     recorder,
		ModelVersion: cfg.Version(),
	}

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddress, err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(transport.LoggingInterceptor(ctrl.Log.WithName("management"))))
	transport.RegisterManagementServer(grpcServer, transport.NewServer(mc))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: metricsMux}

	probeMux := http.NewServeMux()
	probeMux.Handle("/healthz", &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}})
	probeMux.Handle("/readyz", &healthz.Handler{Checks: map[string]healthz.Checker{"redis": redisCheck(redisClient)}})
	probeServer := &http.Server{Addr: cfg.ProbeAddress, Handler: probeMux}

	errCh := make(chan error, 3)
	go func() { errCh <- grpcServer.Serve(lis) }()
	go func() { errCh <- listenAndServe(metricsServer) }()
	go func() { errCh <- listenAndServe(probeServer) }()
	setupLog.Info("management daemon started",
		"listen", cfg.ListenAddress, "metrics", cfg.MetricsAddress, "probes", cfg.ProbeAddress,
		"modelVersion", cfg.ModelVersion, "redis", cfg.Redis.Address != "")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	setupLog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = probeServer.Shutdown(shutdownCtx)
	if err := container.Shutdown(shutdownCtx); err != nil {
		setupLog.Error(err, "services did not stop cleanly")
	}
	return runErr
}

func listenAndServe(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", s.Addr, err)
	}
	return nil
}

func redisCheck(client redis.UniversalClient) healthz.Checker {
	return func(req *http.Request) error {
		if client == nil {
			return nil
		}
		return client.Ping(req.Context()).Err()
	}
}
