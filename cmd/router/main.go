// Command router runs the fan-in entry point: an HTTP server exposing
// POST /infer and GET /stats, dispatching to worker nodes over HTTP via
// consistent hashing and per-worker circuit breakers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/torua-infer/internal/config"
	"github.com/dreamware/torua-infer/internal/router"
	"github.com/dreamware/torua-infer/internal/telemetry"
	"github.com/dreamware/torua-infer/internal/transport"
)

var (
	configPath      string
	workerEndpoints []string
)

var flagCfg config.RouterConfig

var rootCmd = &cobra.Command{
	Use:   "router",
	Short: "Run the torua-infer router",
	Run:   run,
}

func init() {
	flagCfg = config.DefaultRouterConfig()

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to a router YAML config file")
	rootCmd.Flags().IntVar(&flagCfg.ListenPort, "listen-port", flagCfg.ListenPort, "HTTP listen port")
	rootCmd.Flags().StringArrayVar(&workerEndpoints, "worker", nil, "Worker base URL, e.g. http://127.0.0.1:8081 (repeatable)")
	rootCmd.Flags().IntVar(&flagCfg.FailureThreshold, "failure-threshold", flagCfg.FailureThreshold, "Circuit breaker failure threshold")
	rootCmd.Flags().IntVar(&flagCfg.SuccessThreshold, "success-threshold", flagCfg.SuccessThreshold, "Circuit breaker success threshold")
	rootCmd.Flags().DurationVar(&flagCfg.CoolDown, "cool-down", flagCfg.CoolDown, "Circuit breaker cool-down")
	rootCmd.Flags().IntVar(&flagCfg.VirtualNodes, "virtual-nodes", flagCfg.VirtualNodes, "Virtual nodes per worker on the hash ring")
	rootCmd.Flags().DurationVar(&flagCfg.ConnectTimeout, "connect-timeout", flagCfg.ConnectTimeout, "Worker connect timeout")
	rootCmd.Flags().DurationVar(&flagCfg.ReadTimeout, "read-timeout", flagCfg.ReadTimeout, "Worker read timeout")
	rootCmd.Flags().StringVar(&flagCfg.LogLevel, "log-level", flagCfg.LogLevel, "Log level (trace, debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		logrus.Fatalf("router: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("router: %v", err)
	}

	log := telemetry.NewLogger(cfg.LogLevel)
	entry := log.WithField("component", "router")

	clients := make(map[string]router.WorkerClient, len(cfg.WorkerEndpoints))
	for _, endpoint := range cfg.WorkerEndpoints {
		id, err := nodeIDFromEndpoint(endpoint)
		if err != nil {
			logrus.Fatalf("router: %v", err)
		}
		clients[id] = transport.NewClient(endpoint, transport.ClientConfig{
			ConnectTimeout: cfg.ConnectTimeout,
			ReadTimeout:    cfg.ReadTimeout,
		})
	}

	r := router.New(cfg.VirtualNodes, clients, router.BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		CoolDown:         cfg.CoolDown,
	}, entry)

	probeCtx, cancelProbe := context.WithTimeout(context.Background(), cfg.ConnectTimeout*2)
	r.ProbeAll(probeCtx)
	cancelProbe()

	metrics := telemetry.NewRouterMetrics(prometheus.DefaultRegisterer)
	r.SetMetrics(metrics)

	mux := http.NewServeMux()
	mux.HandleFunc("/infer", handleInfer(r, metrics, entry))
	mux.HandleFunc("/stats", handleStats(r))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addrFromPort(cfg.ListenPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		entry.WithField("addr", srv.Addr).WithField("workers", len(clients)).Info("router listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Fatal("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	entry.Info("router stopped")
}

// loadConfig starts from the YAML file (or defaults, if --config is unset)
// and then applies only the flags the caller actually passed. Checking
// cmd.Flags().Changed rather than comparing against the flag's default
// matters here: flagCfg is itself seeded from config.DefaultRouterConfig,
// so an unset flag still holds a non-zero value that would otherwise
// silently clobber whatever the YAML file set.
func loadConfig(cmd *cobra.Command) (config.RouterConfig, error) {
	cfg, err := config.LoadRouterConfig(configPath)
	if err != nil {
		return config.RouterConfig{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("worker") {
		cfg.WorkerEndpoints = workerEndpoints
	}
	if flags.Changed("listen-port") {
		cfg.ListenPort = flagCfg.ListenPort
	}
	if flags.Changed("failure-threshold") {
		cfg.FailureThreshold = flagCfg.FailureThreshold
	}
	if flags.Changed("success-threshold") {
		cfg.SuccessThreshold = flagCfg.SuccessThreshold
	}
	if flags.Changed("cool-down") {
		cfg.CoolDown = flagCfg.CoolDown
	}
	if flags.Changed("virtual-nodes") {
		cfg.VirtualNodes = flagCfg.VirtualNodes
	}
	if flags.Changed("connect-timeout") {
		cfg.ConnectTimeout = flagCfg.ConnectTimeout
	}
	if flags.Changed("read-timeout") {
		cfg.ReadTimeout = flagCfg.ReadTimeout
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagCfg.LogLevel
	}
	return cfg, nil
}

// nodeIDFromEndpoint derives a stable worker identifier from its base URL
// host:port, since routers are configured with a bare endpoint list,
// not pre-assigned node ids.
func nodeIDFromEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse worker endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse worker endpoint %q: missing host", endpoint)
	}
	return strings.TrimSuffix(u.Host, "/"), nil
}

func handleInfer(r *router.Router, metrics *telemetry.RouterMetrics, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var in transport.InferRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			transport.WriteError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if in.RequestID == "" {
			in.RequestID = uuid.NewString()
		}

		start := time.Now()
		resp, err := r.Route(req.Context(), in)
		if metrics != nil {
			metrics.RouteDuration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if metrics != nil {
				metrics.RequestsTotal.WithLabelValues("error").Inc()
			}
			log.WithError(err).Warn("route failed")
			transport.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if metrics != nil {
			metrics.RequestsTotal.WithLabelValues("ok").Inc()
		}
		transport.WriteJSON(w, http.StatusOK, resp)
	}
}

func handleStats(r *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		stats := r.Stats()

		if sample := req.URL.Query().Get("sample"); sample != "" {
			keys := strings.Split(sample, ",")
			dist := r.Distribution(keys)
			transport.WriteJSON(w, http.StatusOK, struct {
				transport.StatsResponse
				KeySampleDistribution map[string]int `json:"key_sample_distribution"`
			}{StatsResponse: stats, KeySampleDistribution: dist})
			return
		}

		transport.WriteJSON(w, http.StatusOK, stats)
	}
}

func addrFromPort(port int) string {
	if port <= 0 {
		port = 8000
	}
	return ":" + strconv.Itoa(port)
}
