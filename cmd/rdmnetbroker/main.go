// Package main is the RDMnet broker's command-line entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ETCLabs/RDMnet-sub004/internal/broker"
	"github.com/ETCLabs/RDMnet-sub004/internal/brokercfg"
	"github.com/ETCLabs/RDMnet-sub004/internal/rlog"
)

// Version is set at build time via -ldflags, following the teacher's
// core.VERSION pattern.
var Version = "undefined"

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:     "rdmnetbroker",
		Short:   "RDMnet Broker: an RPT message router for a single scope",
		Version: Version,
		RunE:    run,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := brokercfg.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("rdmnetbroker: %w", err)
	}

	logger := rlog.Initialize(cfg.Log)
	fields := log.Fields{"context": "main"}

	b, err := broker.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("rdmnetbroker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		if err := b.Run(ctx, wg); err != nil {
			logger.WithFields(fields).WithError(err).Error("broker run failed")
		}
	}()

	go drainEvents(logger, b)

	logger.WithFields(fields).Infof("RDMnet Broker starting, scope=%s cid=%s", cfg.Scope, cfg.CID)

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)
	<-termChan

	logger.WithFields(fields).Info("shutdown signal received")
	cancel()
	wg.Wait()

	logger.WithFields(fields).Info("RDMnet Broker stopped")
	return nil
}

// drainEvents logs every asynchronous broker.Event until its channel is
// closed or ctx-driven shutdown stops producing new ones; the broker itself
// owns no log sink for events so something must consume the channel or
// Broker's non-blocking postEvent starts dropping them immediately.
func drainEvents(logger *log.Entry, b *broker.Broker) {
	for ev := range b.Events {
		entry := logger.WithFields(log.Fields{"event": ev.Kind, "handle": ev.Handle})
		if ev.Err != nil {
			entry.WithError(ev.Err).Warn("broker event")
			continue
		}
		entry.Info("broker event")
	}
}
