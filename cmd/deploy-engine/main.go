package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/prism-mining/deploy-engine/internal/api"
	"github.com/prism-mining/deploy-engine/internal/engine"
	"github.com/prism-mining/deploy-engine/internal/registry"
	"github.com/prism-mining/deploy-engine/pkg/artifact"
	"github.com/prism-mining/deploy-engine/pkg/cluster"
	"github.com/prism-mining/deploy-engine/pkg/observe"
)

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	var (
		kubeconfig  string
		listenAddr  string
		metricsPort string
	)

	flag.StringVar(&kubeconfig, "kubeconfig", "", "path to kubeconfig file (uses in-cluster config if not set)")
	flag.StringVar(&listenAddr, "listen-addr", ":8080", "address for the deployment API")
	flag.StringVar(&metricsPort, "metrics-port", "9090", "port to listen to for metrics")
	flag.Parse()

	// init logging
	log.SetFlags(log.LstdFlags | log.Lshortfile | log.LUTC)
	opts := slog.HandlerOptions{Level: slog.LevelInfo}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &opts)))

	registryURL := os.Getenv("ARTIFACT_REGISTRY_URL")
	if registryURL == "" {
		slog.Error("Artifact registry URL is required",
			"env", "ARTIFACT_REGISTRY_URL")
		os.Exit(1)
	}
	metricsURL := os.Getenv("METRICS_SOURCE_URL")
	if metricsURL == "" {
		slog.Error("Metrics source URL is required",
			"env", "METRICS_SOURCE_URL")
		os.Exit(1)
	}

	artifacts, err := artifact.NewClient(registryURL,
		artifact.WithAPIToken(getEnvOrDefault("API_TOKEN", "")),
		artifact.WithRateLimiter(10, 20),
	)
	if err != nil {
		slog.Error("Failed to create artifact registry client",
			"error", err)
		os.Exit(1)
	}

	k8sCfg, err := createK8sConfig(kubeconfig)
	if err != nil {
		slog.Error("Failed to create Kubernetes config",
			"error", err)
		os.Exit(1)
	}

	clientset, err := kubernetes.NewForConfig(k8sCfg)
	if err != nil {
		slog.Error("Error creating Kubernetes client",
			"error", err)
		os.Exit(1)
	}

	eng := engine.New(
		registry.NewMemoryStore(),
		cluster.NewK8sGateway(clientset),
		artifacts,
		observe.NewHTTPSource(metricsURL),
		engine.Options{},
	)

	// Start the metrics server
	var promSrv = &http.Server{
		Addr:              ":" + metricsPort,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		Handler:           http.NewServeMux(),
	}
	promSrv.Handler.(*http.ServeMux).Handle("/metrics", promhttp.Handler())

	go func() {
		slog.Info("starting Prometheus metrics server",
			"url", promSrv.Addr)
		if err := promSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start metrics server",
				"error", err)
		}
	}()

	apiSrv := &http.Server{
		Addr:              listenAddr,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		Handler:           api.NewServer(eng).Router(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := promSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown metrics server gracefully",
				"error", err)
		}
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown API server gracefully",
				"error", err)
		}
	}()

	slog.Info("Starting deploy-engine API",
		"addr", listenAddr)
	if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Error running API server",
			"error", err)
		eng.Close()
		os.Exit(1)
	}

	// Drain in-flight rollouts and monitors before exiting.
	eng.Close()
}

func createK8sConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}

	if os.Getenv("KUBECONFIG") != "" {
		return clientcmd.BuildConfigFromFlags("", os.Getenv("KUBECONFIG"))
	}

	// Try in-cluster config first
	config, err := rest.InClusterConfig()
	if err == nil {
		return config, nil
	}

	// Fall back to default kubeconfig location
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}
	return clientcmd.BuildConfigFromFlags("", homeDir+"/.kube/config")
}
