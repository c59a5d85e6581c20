// Command pipeline runs one stage worker of the content pipeline, or enqueues
// work into it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/content-pipeline/internal/config"
	"github.com/fpang/content-pipeline/internal/envelope"
	"github.com/fpang/content-pipeline/internal/health"
	"github.com/fpang/content-pipeline/internal/logging"
	"github.com/fpang/content-pipeline/internal/queue"
	"github.com/fpang/content-pipeline/internal/secerr"
	"github.com/fpang/content-pipeline/internal/worker"
)

// Build-time version info, injected via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// CLI flags
var (
	stageFlag        string
	queueURLFlag     string
	batchIDFlag      string
	forceRebuildFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Multi-stage content pipeline worker",
	Long: `pipeline runs one stage worker of the content pipeline
(collect, process, render or publish) against its stage queue,
or enqueues a work-available signal to kick a stage off.

Examples:
  pipeline run --stage collect
  pipeline run --stage process
  pipeline enqueue --queue-url https://sqs.../collect-queue
  pipeline enqueue --queue-url https://sqs.../render-queue --force-rebuild`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a stage worker until shutdown",
	RunE:  runWorker,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a work-available signal onto a stage queue",
	RunE:  runEnqueue,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pipeline %s (%s, %s)\n", version, commit, runtime.Version())
	},
}

func init() {
	runCmd.Flags().StringVarP(&stageFlag, "stage", "s", "", "Stage to run: collect, process, render or publish")
	runCmd.MarkFlagRequired("stage")

	enqueueCmd.Flags().StringVar(&queueURLFlag, "queue-url", "", "Target stage queue URL")
	enqueueCmd.Flags().StringVar(&batchIDFlag, "batch-id", "", "Batch ID (generated when omitted)")
	enqueueCmd.Flags().BoolVar(&forceRebuildFlag, "force-rebuild", false, "Rebuild even when content is unchanged")
	enqueueCmd.MarkFlagRequired("queue-url")

	rootCmd.AddCommand(runCmd, enqueueCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	logging.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(stageFlag)
	if err != nil {
		return err
	}

	w, err := worker.New(ctx, cfg)
	if err != nil {
		return err
	}

	healthSrv := startHealthServer(cfg, w)
	defer shutdownHealthServer(healthSrv)

	log.Info().
		Str("stage", cfg.Stage).
		Str("version", version).
		Int("healthPort", cfg.HealthPort).
		Msg("Pipeline worker starting")

	return w.Run(ctx)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	logging.Init()
	ctx := context.Background()

	batchID := batchIDFlag
	if batchID == "" {
		batchID = uuid.NewString()
	}

	env := &envelope.Envelope{
		BatchID:   batchID,
		Operation: envelope.OpWorkAvailable,
		Trigger:   envelope.TriggerManual,
		Timestamp: time.Now().UTC(),
		ContentSummary: &envelope.ContentSummary{
			// A manual kick always counts as new work; force-rebuild
			// additionally overrides dedup downstream.
			ArtifactsCreated: 1,
			ForceRebuild:     forceRebuildFlag,
		},
	}
	body, err := env.Marshal()
	if err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	q := queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), queueURLFlag)
	if err := q.Send(ctx, body); err != nil {
		return fmt.Errorf("enqueue signal: %w", err)
	}

	log.Info().
		Str("queueUrl", queueURLFlag).
		Str("batchId", batchID).
		Bool("forceRebuild", forceRebuildFlag).
		Msg("Signal enqueued")
	return nil
}

func startHealthServer(cfg *config.Config, w *worker.Worker) *http.Server {
	reporter := secerr.NewReporter("pipeline-" + cfg.Stage)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HealthPort),
		Handler:           health.NewServer(cfg.Stage, w.Queue(), w, reporter).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Health server failed")
		}
	}()
	return srv
}

func shutdownHealthServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Health server shutdown failed")
	}
}
