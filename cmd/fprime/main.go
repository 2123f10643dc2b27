// fprime: runs one deployment as a long-lived process
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

// Configuration comes from flags, FPRIME_* environment variables and the
// deployment file, in that order of precedence.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NoahBraasch/fprime"
	"github.com/NoahBraasch/fprime/cmd/cli"
	"github.com/sirupsen/logrus"
)

func main() {
	config := fprime.NewConfigManager("fprime").
		SetDescription("Component messaging and scheduling kernel").
		SetVersion(cli.Version).
		DurationFlag("duration", 0, "Stop after this long (0 runs until interrupted)").
		DurationFlag("stats-interval", 0, "Log statistics periodically").
		StringFlag("log-level", "warn", "Minimum console event level: info, warn, critical, fault").
		BoolFlag("debug", false, "Print the resolved configuration")

	config.ParseArgsOrExit()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(config, logger); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(config *fprime.ConfigManager, logger *logrus.Logger) error {
	path := config.GetString(fprime.FlagDeployment)
	if path == "" {
		config.PrintUsage()
		return fmt.Errorf("--%s is required", fprime.FlagDeployment)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	level, ok := fprime.ParseEventLevel(config.GetString("log-level"))
	if !ok {
		return fmt.Errorf("invalid --log-level %q", config.GetString("log-level"))
	}
	cfg.Reporter = cli.NewConsoleReporter(logger, level)

	if config.GetBool("debug") {
		for flag := range config.GetBoundFlags() {
			logger.Infof("%s (env %s)", flag, config.FlagToEnvKey(flag))
		}
		logger.WithFields(logrus.Fields{
			"name":           cfg.Name,
			"base_tick":      cfg.BaseTick,
			"stop_timeout":   cfg.StopTimeout,
			"queue_capacity": cfg.QueueCapacity,
			"queue_policy":   cfg.QueuePolicy.String(),
			"events":         cfg.EventLog.Enabled,
		}).Info("resolved configuration")
	}

	d, err := fprime.LoadDeployment(path)
	if err != nil {
		return err
	}
	sys, err := d.Build(*cfg)
	if err != nil {
		return err
	}
	if err := sys.Start(); err != nil {
		_ = sys.Stop()
		return err
	}
	logger.Infof("deployment %s started", sys.Topology.Name())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration := config.GetDuration("duration"); duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	var tick <-chan time.Time
	if interval := config.GetDuration("stats-interval"); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			logStats(logger, sys.Topology.Stats())
		case <-ctx.Done():
			stats := sys.Topology.Stats()
			err := sys.Stop()
			logStats(logger, stats)
			logger.Infof("deployment %s stopped", stats.Name)
			return err
		}
	}
}

func logStats(logger *logrus.Logger, s fprime.TopologyStats) {
	for _, g := range s.RateGroups {
		logger.WithFields(logrus.Fields{
			"cycles":    g.Cycles,
			"max_cycle": g.MaxCycle,
			"overruns":  g.Overruns,
			"slips":     g.Slips,
		}).Infof("rate group %s", g.Name)
	}
	for _, c := range s.Components {
		fields := logrus.Fields{
			"state":      c.State,
			"dispatched": c.Dispatched,
			"errors":     c.HandlerErrors,
		}
		if c.Queue != nil {
			fields["depth"] = c.Queue.Depth
			fields["high_water"] = c.Queue.HighWater
			fields["dropped"] = c.Queue.Dropped
		}
		logger.WithFields(fields).Infof("component %s", c.Name)
	}
}
