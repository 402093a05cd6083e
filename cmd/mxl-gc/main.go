// Command mxl-gc runs a standalone instance of the garbage collector and
// domain watcher described in spec.md §4.8/§4.9 against a single domain
// directory.
//
// Flag parsing, logging init, and the errgroup-of-{run,WaitInterrupted}
// shape are grounded on
// controlplane/cmd/yncp-director/main.go almost line for line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mxlflow/mxl/common/go/logging"
	"github.com/mxlflow/mxl/common/go/xcmd"
	"github.com/mxlflow/mxl/internal/layout"
	"github.com/mxlflow/mxl/pkg/domaincfg"
	"github.com/mxlflow/mxl/pkg/instance"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	DomainPath string
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "mxl-gc",
	Short: "Garbage-collect and watch a media exchange domain",
	Run: func(rawCmd *cobra.Command, args []string) {
		if err := run(cmd); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.DomainPath, "domain", "d", "", "Path to the domain directory (required)")
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the daemon configuration file")
	rootCmd.MarkFlagRequired("domain")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg := domaincfg.DefaultConfig()
	if cmd.ConfigPath != "" {
		loaded, err := domaincfg.LoadConfig(cmd.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	log, atomicLevel, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	inst, err := instance.New(layout.NewDomain(cmd.DomainPath), cfg,
		instance.WithLog(log),
		instance.WithAtomicLogLevel(&atomicLevel),
		instance.WithGCInterval(cfg.GarbageCollection.Interval),
	)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}

	removed, err := inst.GarbageCollect()
	if err != nil {
		log.Warnw("startup garbage collection failed", "error", err)
	} else {
		log.Infow("startup garbage collection complete", "removed", len(removed))
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return inst.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
