// extraction-worker consumes extraction requests from the queue and runs the
// session-to-memories pipeline for each.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/engramlabs/engram/pkg/bootstrap"
	"github.com/engramlabs/engram/pkg/config"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/queue"
)

type options struct {
	Config string `short:"c" long:"config" description:"Path to a dotenv config file"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		return 1
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		return 2
	}
	defer rt.Close()

	handler := func(ctx context.Context, data []byte) error {
		req, err := queue.DecodeExtractionRequest(data)
		if err != nil {
			return err
		}
		return rt.Coordinator.RunExtractionJob(ctx, req)
	}

	worker, err := queue.NewWorker(rt.Fabric, rt.Logger, handler, queue.WorkerOptions{
		Kind:         memory.JobExtract,
		Durable:      "extraction-workers",
		Concurrency:  cfg.WorkerConcurrency,
		DrainTimeout: cfg.WorkerDrainTimeout,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		return 2
	}
	if err := worker.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		return 2
	}

	rt.Logger.Info("Extraction worker running", "queue", cfg.QueueURL)
	<-ctx.Done()

	rt.Logger.Info("Signal received, draining")
	worker.Stop()
	return 0
}
