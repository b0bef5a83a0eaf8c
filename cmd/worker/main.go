// Command worker runs one inference worker node: an HTTP server exposing
// POST /infer and GET /health, backed by a cache-then-batch pipeline over
// a model executor.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/torua-infer/internal/config"
	"github.com/dreamware/torua-infer/internal/executor"
	"github.com/dreamware/torua-infer/internal/telemetry"
	"github.com/dreamware/torua-infer/internal/transport"
	"github.com/dreamware/torua-infer/internal/worker"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a torua-infer worker node",
	Run:   run,
}

var flagCfg config.WorkerConfig

func init() {
	flagCfg = config.DefaultWorkerConfig()

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to a worker YAML config file")
	rootCmd.Flags().IntVar(&flagCfg.ListenPort, "listen-port", flagCfg.ListenPort, "HTTP listen port")
	rootCmd.Flags().StringVar(&flagCfg.NodeID, "node-id", "", "Unique worker node identifier (required)")
	rootCmd.Flags().StringVar(&flagCfg.ModelPath, "model-path", "", "Path to the model artifact this worker serves (required)")
	rootCmd.Flags().IntVar(&flagCfg.CacheCapacity, "cache-capacity", flagCfg.CacheCapacity, "LRU cache capacity")
	rootCmd.Flags().IntVar(&flagCfg.MaxBatchSize, "max-batch-size", flagCfg.MaxBatchSize, "Maximum batch size")
	rootCmd.Flags().DurationVar(&flagCfg.BatchTimeout, "batch-timeout", flagCfg.BatchTimeout, "Batch coalescing timeout")
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
		logrus.Fatalf("worker: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("worker: %v", err)
	}

	log := telemetry.NewLogger(cfg.LogLevel)
	entry := log.WithField("component", "worker").WithField("node_id", cfg.NodeID)

	entry.WithFields(logrus.Fields{
		"model_path":     cfg.ModelPath,
		"cache_capacity": cfg.CacheCapacity,
		"max_batch_size": cfg.MaxBatchSize,
		"batch_timeout":  cfg.BatchTimeout,
		"listen_port":    cfg.ListenPort,
	}).Info("starting worker node")

	exec := executor.NewStub(4, 0)

	w := worker.New(cfg.NodeID, worker.Config{
		CacheCapacity: cfg.CacheCapacity,
		MaxBatchSize:  cfg.MaxBatchSize,
		BatchTimeout:  cfg.BatchTimeout,
	}, exec, entry)
	w.Start()
	defer w.Stop()

	metrics := telemetry.NewWorkerMetrics(prometheus.DefaultRegisterer)
	w.SetMetrics(metrics)

	mux := http.NewServeMux()
	mux.HandleFunc("/infer", handleInfer(w, metrics, entry))
	mux.HandleFunc("/health", handleHealth(w))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addrFromPort(cfg.ListenPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		entry.WithField("addr", srv.Addr).Info("worker listening")
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
	entry.Info("worker stopped")
}

// loadConfig starts from the YAML file (or defaults, if --config is unset)
// and then applies only the flags the caller actually passed. Checking
// cmd.Flags().Changed rather than comparing against the flag's default
// matters here: flagCfg is itself seeded from config.DefaultWorkerConfig,
// so an unset flag still holds a non-zero value that would otherwise
// silently clobber whatever the YAML file set.
func loadConfig(cmd *cobra.Command) (config.WorkerConfig, error) {
	cfg, err := config.LoadWorkerConfig(configPath)
	if err != nil {
		return config.WorkerConfig{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("node-id") {
		cfg.NodeID = flagCfg.NodeID
	}
	if flags.Changed("model-path") {
		cfg.ModelPath = flagCfg.ModelPath
	}
	if flags.Changed("listen-port") {
		cfg.ListenPort = flagCfg.ListenPort
	}
	if flags.Changed("cache-capacity") {
		cfg.CacheCapacity = flagCfg.CacheCapacity
	}
	if flags.Changed("max-batch-size") {
		cfg.MaxBatchSize = flagCfg.MaxBatchSize
	}
	if flags.Changed("batch-timeout") {
		cfg.BatchTimeout = flagCfg.BatchTimeout
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagCfg.LogLevel
	}
	return cfg, nil
}

func handleInfer(w *worker.Worker, metrics *telemetry.WorkerMetrics, log *logrus.Entry) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req transport.InferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			transport.WriteError(rw, http.StatusBadRequest, "malformed request body")
			return
		}

		resp, err := w.Infer(r.Context(), toWorkerRequest(req))
		if err != nil {
			log.WithError(err).Warn("infer failed")
			transport.WriteError(rw, http.StatusInternalServerError, err.Error())
			return
		}

		if metrics != nil {
			if resp.Cached {
				metrics.CacheHits.Inc()
				metrics.RequestsTotal.WithLabelValues("hit").Inc()
			} else {
				metrics.CacheMisses.Inc()
				metrics.RequestsTotal.WithLabelValues("miss").Inc()
			}
		}

		transport.WriteJSON(rw, http.StatusOK, fromWorkerResponse(resp))
	}
}

func handleHealth(w *worker.Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		h := w.HealthSnapshot()
		transport.WriteJSON(rw, http.StatusOK, transport.HealthResponse{
			Healthy:       h.Healthy,
			NodeID:        h.NodeID,
			TotalRequests: h.TotalRequests,
			CacheHits:     h.CacheHits,
			CacheSize:     h.CacheSize,
			CacheHitRate:  h.CacheHitRate,
			BatchProc: transport.BatchProcessorSummary{
				TotalBatches:   h.BatchMetrics.TotalBatches,
				AvgBatchSize:   h.BatchMetrics.AvgBatchSize,
				TimeoutBatches: h.BatchMetrics.TimeoutBatches,
				FullBatches:    h.BatchMetrics.FullBatches,
			},
		})
	}
}

func toWorkerRequest(req transport.InferRequest) worker.Request {
	return worker.Request{RequestID: req.RequestID, InputData: req.InputData}
}

func fromWorkerResponse(resp worker.Response) transport.InferResponse {
	return transport.InferResponse{
		RequestID:       resp.RequestID,
		OutputData:      resp.OutputData,
		NodeID:          resp.NodeID,
		Cached:          resp.Cached,
		InferenceTimeUs: resp.InferenceTimeUs,
	}
}

func addrFromPort(port int) string {
	if port <= 0 {
		port = 8081
	}
	return ":" + strconv.Itoa(port)
}
