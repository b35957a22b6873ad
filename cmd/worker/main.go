package main

import (
	"flag"
	"os"
	"time"

	"github.com/spf13/afero"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"insight-resolver/internal/activities"
	"insight-resolver/internal/config"
	"insight-resolver/internal/executor"
	"insight-resolver/internal/issues"
	"insight-resolver/internal/playbook"
	"insight-resolver/internal/workflows"
)

func main() {
	configPath := flag.String("config", "", "path to resolver.yaml")
	flag.Parse()

	cfg, err := config.NewLoader(afero.NewOsFs(), nil).Load(*configPath)
	if err != nil {
		config.DefaultConfig().Log.NewLogger(os.Stderr).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stdout)

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		logger.Error("unable to create Temporal client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ResolveInsight)

	// The worker process only knows the seeded sample issues.
	a := &activities.Activities{
		Worker: playbook.NewWorker(playbook.CredentialRotation, playbook.WithDelay(cfg.Executor.StepDelay)),
		Scorer: executor.ReportedScorer{},
		Issues: issues.NewFeed(issues.SampleIssues(time.Now())...),
	}
	w.RegisterActivity(a)

	logger.Info("worker started", "taskQueue", cfg.Temporal.TaskQueue)
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}
