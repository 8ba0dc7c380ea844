package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/asr"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/chunkstore"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/config"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/finalize"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/gateway"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/inference"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/kv"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/resolver"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/session"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/storage"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/transcript"
)

// defaultASRURL is the DashScope realtime inference endpoint.
const defaultASRURL = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"

const version = "0.3.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the edge session daemon",
	Long: `Start the HTTP/WebSocket server.

Environment knobs (override the config file):
  LISTEN_ADDR                     bind address (default :8080)
  WORKER_API_KEY                  client API key; empty disables auth
  ASR_ENABLED                     enable upstream transcription
  ASR_REALTIME_ENABLED            realtime drivers vs. windowed-only
  ASR_WS_URL, ASR_MODEL           upstream recognizer endpoint and model
  ALIYUN_DASHSCOPE_API_KEY        recognizer credential
  INFERENCE_BASE_URL_PRIMARY      inference backend
  INFERENCE_BASE_URL_SECONDARY    failover backend
  INFERENCE_FAILOVER_ENABLED      enable failover
  INFERENCE_API_KEY               inference credential
  INFERENCE_TIMEOUT_MS            per-attempt timeout (default 60000)
  INFERENCE_RETRY_MAX             retries per base (default 2)
  INFERENCE_RETRY_BACKOFF_MS      backoff between retries (default 180)
  INFERENCE_CIRCUIT_OPEN_MS       circuit hold-off (default 15000)
  FINALIZE_V2_ENABLED             enable analysis/synthesis stages`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) error {
	log := slog.Default()

	db, err := openKV(cfg.Store)
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := openFileStore(ctx, cfg.Store)
	if err != nil {
		return err
	}

	states := state.NewStore(db, log)
	chunks := chunkstore.New(files)

	inf := inference.NewClient(inference.Config{
		PrimaryURL:      cfg.Inference.PrimaryURL,
		SecondaryURL:    cfg.Inference.SecondaryURL,
		APIKey:          cfg.Inference.APIKey,
		FailoverEnabled: cfg.Inference.FailoverEnabled,
		Timeout:         config.MS(cfg.Inference.TimeoutMS),
		RetryMax:        cfg.Inference.RetryMax,
		RetryBackoff:    config.MS(cfg.Inference.RetryBackoffMS),
		CircuitOpen:     config.MS(cfg.Inference.CircuitOpenMS),
	}, inference.WithLogger(log))

	asrURL := cfg.ASR.URL
	if asrURL == "" {
		asrURL = defaultASRURL
	}
	windowed := asr.WindowedConfig{
		URL:           asrURL,
		APIKey:        cfg.ASR.APIKey,
		Model:         cfg.ASR.Model,
		WindowSeconds: cfg.ASR.WindowSeconds,
		HopSeconds:    cfg.ASR.HopSeconds,
	}
	res := resolver.New(states, chunks, inf, resolver.Thresholds{
		EnrollTopScore: cfg.Resolver.EnrollTopScore,
		EnrollMargin:   cfg.Resolver.EnrollMargin,
		NameLock:       cfg.Resolver.NameLock,
	}, log)
	finCfg := finalize.Config{
		DrainTimeout:    config.MS(cfg.Finalize.DrainTimeoutMS),
		Windowed:        windowed,
		AnalysisEnabled: cfg.Finalize.AnalysisEnabled,
		MergeOptions: transcript.Options{
			MergeGapMS:     cfg.Finalize.MergeGapMS,
			JaccardCutoff:  cfg.Finalize.JaccardCutoff,
			EdgeOverlap:    cfg.Finalize.EdgeOverlap,
			DedupeWindowMS: cfg.Finalize.DedupeWindowMS,
		},
		ResolveUtterance: res.ResolveUtterance,
	}
	fin := finalize.New(states, chunks, inf, finCfg, log)

	mgr := session.NewManager(session.Config{
		ASREnabled:      cfg.ASR.Enabled,
		RealtimeEnabled: cfg.ASR.RealtimeEnabled,
		Driver: asr.DriverConfig{
			URL:      asrURL,
			APIKey:   cfg.ASR.APIKey,
			Model:    cfg.ASR.Model,
			QueueCap: cfg.ASR.QueueCap,
		},
		Windowed: windowed,
		Finalize: finCfg,
	}, states, chunks, res, fin, log)

	gw := gateway.New(gateway.Config{
		APIKey:             cfg.APIKey,
		ASREnabled:         cfg.ASR.Enabled,
		ASRRealtimeEnabled: cfg.ASR.RealtimeEnabled,
		ASRModel:           cfg.ASR.Model,
		AnalysisEnabled:    cfg.Finalize.AnalysisEnabled,
		Version:            version,
		KVBackend:          kvBackendName(cfg.Store),
		AudioBackend:       audioBackendName(cfg.Store),
	}, mgr, log)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("edged listening", "addr", cfg.ListenAddr,
			"asr_enabled", cfg.ASR.Enabled, "realtime", cfg.ASR.RealtimeEnabled)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	// Drivers persist their replay cursors on stop; a restart resumes
	// from the durable chunk log.
	if err := mgr.Shutdown(shutCtx); err != nil {
		return err
	}
	return nil
}

func kvBackendName(cfg config.StoreConfig) string {
	if cfg.KVPath != "" {
		return "badger"
	}
	return "memory"
}

func audioBackendName(cfg config.StoreConfig) string {
	switch {
	case cfg.S3Bucket != "":
		return "s3"
	case cfg.AudioDir != "":
		return "local"
	default:
		return "memory"
	}
}

func openKV(cfg config.StoreConfig) (kv.Store, error) {
	if cfg.KVPath == "" {
		return kv.NewMemory(nil), nil
	}
	db, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.KVPath})
	if err != nil {
		return nil, fmt.Errorf("open state db at %s: %w", cfg.KVPath, err)
	}
	return db, nil
}

func openFileStore(ctx context.Context, cfg config.StoreConfig) (storage.FileStore, error) {
	switch {
	case cfg.S3Bucket != "":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return storage.NewS3(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Prefix), nil
	case cfg.AudioDir != "":
		return storage.NewLocal(cfg.AudioDir)
	default:
		return storage.NewMemory(), nil
	}
}
