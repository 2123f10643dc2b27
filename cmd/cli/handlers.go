// Command handlers for the fprime CLI
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/NoahBraasch/fprime"
	clitools "github.com/NoahBraasch/fprime/internal/cli"
	"github.com/agilira/go-errors"
	"github.com/agilira/orpheus/pkg/orpheus"
	"github.com/sugawarayuuta/sonnet"
	"go.yaml.in/yaml/v3"
)

// handleInit writes a deployment template.
func (m *Manager) handleInit(ctx *orpheus.Context) error {
	path := ctx.GetArg(0)
	if path == "" {
		return errors.New(fprime.ErrCodeInvalidConfig, "usage: fprimectl init <file>")
	}
	if _, err := os.Stat(path); err == nil && !ctx.GetFlagBool("force") {
		return errors.New(fprime.ErrCodeInvalidConfig, fmt.Sprintf("%s already exists (use --force)", path))
	}

	d, err := clitools.DeploymentTemplate(ctx.GetFlagString("template"), ctx.GetFlagString("name"))
	if err != nil {
		return errors.Wrap(err, fprime.ErrCodeInvalidConfig, "failed to create template")
	}
	data, err := yaml.Marshal(d)
	if err != nil {
		return errors.Wrap(err, fprime.ErrCodeIOError, "failed to encode template")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return errors.Wrap(err, fprime.ErrCodeIOError, "failed to create directory")
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrap(err, fprime.ErrCodeIOError, "failed to write deployment")
	}

	fmt.Fprintf(m.out, "Deployment template written to %s\n", path)
	return nil
}

// handleValidate loads a deployment and builds it without starting it, so
// schema, deadlock and period checks all run.
func (m *Manager) handleValidate(ctx *orpheus.Context) error {
	path := ctx.GetArg(0)
	if path == "" {
		return errors.New(fprime.ErrCodeInvalidConfig, "usage: fprimectl validate <deployment>")
	}
	d, err := fprime.LoadDeployment(path)
	if err != nil {
		return err
	}
	config := d.Config()
	result := config.WithDefaults().ValidateDetailed()
	if !result.Valid {
		return config.WithDefaults().Validate()
	}
	config.EventLog.Enabled = false
	sys, err := d.Build(config)
	if err != nil {
		return err
	}

	t := sys.Topology
	fmt.Fprintf(m.out, "Deployment %q is valid\n", t.Name())
	fmt.Fprintf(m.out, "  components:  %d\n", len(t.Components()))
	fmt.Fprintf(m.out, "  rate groups: %d\n", len(t.RateGroups()))
	fmt.Fprintf(m.out, "  connections: %d\n", len(t.Connections()))
	for _, c := range t.Connections() {
		fmt.Fprintf(m.out, "    %s\n", c)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(m.out, "  warning: %s\n", w)
	}
	return nil
}

// handleRun runs a deployment until the duration elapses or the process is
// interrupted.
func (m *Manager) handleRun(ctx *orpheus.Context) error {
	path := ctx.GetArg(0)
	if path == "" {
		return errors.New(fprime.ErrCodeInvalidConfig, "usage: fprimectl run <deployment>")
	}
	duration, err := clitools.ParseAge(ctx.GetFlagString("duration"))
	if err != nil {
		return errors.Wrap(err, fprime.ErrCodeInvalidConfig, "invalid --duration")
	}
	level, ok := fprime.ParseEventLevel(ctx.GetFlagString("level"))
	if !ok {
		return errors.New(fprime.ErrCodeInvalidConfig, "invalid --level").
			WithContext("level", ctx.GetFlagString("level"))
	}

	config, err := fprime.LoadConfigMultiSource(path)
	if err != nil {
		return err
	}
	if events := ctx.GetFlagString("events"); events != "" {
		config.EventLog.Enabled = true
		config.EventLog.OutputFile = events
	}
	if ctx.GetFlagBool("no-events") {
		config.EventLog.Enabled = false
	}
	config.Reporter = NewConsoleReporter(m.logger, level)
	config = config.WithDefaults()
	result := config.ValidateDetailed()
	for _, w := range result.Warnings {
		m.logger.Warnf("config: %s", w)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	sys, err := m.startDeployment(path, config)
	if err != nil {
		return err
	}
	m.logger.Infof("deployment %s running (base tick %s)", sys.Topology.Name(), config.BaseTick)
	if sys.Events != nil {
		m.logger.Infof("recording events to %s", describeEventLog(sys.Events))
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, duration)
		defer cancel()
	}
	<-runCtx.Done()

	stats := sys.Topology.Stats()
	stopErr := sys.Stop()
	m.summarize(stats)
	if ctx.GetFlagBool("stats") {
		if err := m.printJSON(stats); err != nil {
			return err
		}
	}
	return stopErr
}

// handleStats runs a deployment quietly and prints its statistics.
func (m *Manager) handleStats(ctx *orpheus.Context) error {
	path := ctx.GetArg(0)
	if path == "" {
		return errors.New(fprime.ErrCodeInvalidConfig, "usage: fprimectl stats <deployment>")
	}
	duration, err := clitools.ParseAge(ctx.GetFlagString("duration"))
	if err != nil {
		return errors.Wrap(err, fprime.ErrCodeInvalidConfig, "invalid --duration")
	}

	config, err := fprime.LoadConfigMultiSource(path)
	if err != nil {
		return err
	}
	config.EventLog.Enabled = false

	sys, err := m.startDeployment(path, config)
	if err != nil {
		return err
	}
	time.Sleep(duration)
	stats := sys.Topology.Stats()
	if err := sys.Stop(); err != nil {
		return err
	}
	return m.printJSON(stats)
}

func (m *Manager) startDeployment(path string, config *fprime.Config) (*fprime.System, error) {
	if config.BaseTick <= 0 {
		return nil, errors.New(fprime.ErrCodeConfiguration, "deployment needs a base_tick to drive its rate groups").
			WithContext("deployment", path)
	}
	d, err := fprime.LoadDeployment(path)
	if err != nil {
		return nil, err
	}
	sys, err := d.Build(*config)
	if err != nil {
		return nil, err
	}
	if err := sys.Start(); err != nil {
		_ = sys.Stop()
		return nil, err
	}
	return sys, nil
}

// summarize logs the counters an operator looks at first.
func (m *Manager) summarize(s fprime.TopologyStats) {
	m.logger.Infof("deployment %s stopped after %s", s.Name, s.Uptime.Round(time.Millisecond))
	for _, g := range s.RateGroups {
		m.logger.Infof("rate group %s: %d cycles, max %s, %d overruns, %d slips",
			g.Name, g.Cycles, g.MaxCycle, g.Overruns, g.Slips)
	}
	for _, c := range s.Components {
		if c.Queue == nil {
			continue
		}
		m.logger.Infof("component %s: %d dispatched, queue high water %d/%d, %d dropped",
			c.Name, c.Dispatched, c.Queue.HighWater, c.Queue.Capacity, c.Queue.Dropped)
	}
	for _, h := range s.Health {
		if h.Status != fprime.HealthOK.String() {
			m.logger.Warnf("health %s: %s after %d missed cycles", h.Component, h.Status, h.Outstanding)
		}
	}
}

// handleEventsQuery prints recorded events, oldest first.
func (m *Manager) handleEventsQuery(ctx *orpheus.Context) error {
	since, err := clitools.ParseAge(ctx.GetFlagString("since"))
	if err != nil {
		return errors.Wrap(err, fprime.ErrCodeInvalidConfig, "invalid --since")
	}
	level, ok := fprime.ParseEventLevel(ctx.GetFlagString("level"))
	if !ok {
		return errors.New(fprime.ErrCodeInvalidConfig, "invalid --level").
			WithContext("level", ctx.GetFlagString("level"))
	}

	store, err := openEventStore(ctx.GetFlagString("db"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	events, err := store.Query(fprime.EventQuery{
		Since:     time.Now().Add(-since),
		MinLevel:  level,
		Event:     ctx.GetFlagString("event"),
		Component: ctx.GetFlagString("component"),
		Limit:     ctx.GetFlagInt("limit"),
	})
	if err != nil {
		return errors.Wrap(err, fprime.ErrCodeIOError, "failed to query events")
	}

	for i := range events {
		e := &events[i]
		mark := " "
		if !e.VerifyChecksum() {
			mark = "!"
		}
		line := fmt.Sprintf("%s%s %-8s %-16s %s", mark, e.Timestamp.Format(time.RFC3339Nano), e.Level, e.Component, e.Event)
		if len(e.Context) > 0 {
			if data, err := sonnet.Marshal(e.Context); err == nil {
				line += " " + string(data)
			}
		}
		fmt.Fprintln(m.out, line)
	}
	fmt.Fprintf(m.out, "%d events\n", len(events))
	return nil
}

// handleEventsCleanup deletes events older than the given age.
func (m *Manager) handleEventsCleanup(ctx *orpheus.Context) error {
	age, err := clitools.ParseAge(ctx.GetFlagString("older-than"))
	if err != nil {
		return errors.Wrap(err, fprime.ErrCodeInvalidConfig, "invalid --older-than")
	}

	store, err := openEventStore(ctx.GetFlagString("db"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if ctx.GetFlagBool("dry-run") {
		old, err := store.Query(fprime.EventQuery{Until: time.Now().Add(-age).Add(-time.Nanosecond)})
		if err != nil {
			return errors.Wrap(err, fprime.ErrCodeIOError, "failed to query events")
		}
		fmt.Fprintf(m.out, "Would delete %d events older than %s\n", len(old), age)
		return nil
	}

	removed, err := store.Cleanup(age)
	if err != nil {
		return errors.Wrap(err, fprime.ErrCodeIOError, "failed to delete events")
	}
	fmt.Fprintf(m.out, "Deleted %d events older than %s\n", removed, age)
	return nil
}

// handleEventsStats prints the store summary as JSON.
func (m *Manager) handleEventsStats(ctx *orpheus.Context) error {
	store, err := openEventStore(ctx.GetFlagString("db"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	stats, err := store.Stats()
	if err != nil {
		return errors.Wrap(err, fprime.ErrCodeIOError, "failed to read event store")
	}
	return m.printJSON(stats)
}

// handleInfo displays kernel limits and build information.
func (m *Manager) handleInfo(ctx *orpheus.Context) error {
	fmt.Fprintf(m.out, "fprime component kernel\n")
	fmt.Fprintf(m.out, "Version: %s\n", Version)
	fmt.Fprintf(m.out, "Max payload: %d bytes\n", fprime.MaxPayloadBytes)
	fmt.Fprintf(m.out, "Max arguments: %d\n", fprime.MaxArgs)
	fmt.Fprintf(m.out, "Default queue capacity: %d\n", fprime.DefaultQueueCapacity)

	if ctx.GetFlagBool("verbose") {
		policies := []string{}
		for _, p := range []fprime.OverflowPolicy{fprime.OverflowBlock, fprime.OverflowDropNewest, fprime.OverflowDropOldest, fprime.OverflowHook} {
			policies = append(policies, p.String())
		}
		fmt.Fprintf(m.out, "\nSystem Details:\n")
		fmt.Fprintf(m.out, "Go version: %s\n", runtime.Version())
		fmt.Fprintf(m.out, "Overflow policies: %s\n", strings.Join(policies, ", "))
		fmt.Fprintf(m.out, "Health thresholds: warn %d, fatal %d cycles\n", fprime.DefaultPingWarn, fprime.DefaultPingFatal)
		fmt.Fprintf(m.out, "Event store: %s\n", clitools.ResolveEventStore(""))
	}
	return nil
}

func openEventStore(path string) (*fprime.EventLogger, error) {
	config := fprime.DefaultEventLogConfig()
	config.OutputFile = clitools.ResolveEventStore(path)
	config.FlushInterval = 0
	config.RetentionDays = 0
	return fprime.NewEventLogger(config)
}

func describeEventLog(l *fprime.EventLogger) string {
	s, _ := l.Stats()
	return fmt.Sprintf("%s (%s)", s.Path, s.Backend)
}

// printJSON writes v as indented JSON.
func (m *Manager) printJSON(v interface{}) error {
	data, err := sonnet.Marshal(v)
	if err != nil {
		return errors.Wrap(err, fprime.ErrCodeIOError, "failed to encode JSON")
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return errors.Wrap(err, fprime.ErrCodeIOError, "failed to format JSON")
	}
	fmt.Fprintln(m.out, out.String())
	return nil
}
