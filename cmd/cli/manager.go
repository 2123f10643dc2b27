// Package cli provides the command-line interface for fprime deployments.
//
// The CLI is built on the Orpheus framework and covers the operator's
// workflow around a deployment file: scaffold it, validate it, run it,
// inspect its counters and query the kernel event log it produced.
//
// Architecture:
// - Manager: command tree and shared output
// - Handlers: one function per command
// - ConsoleReporter: kernel events to a logrus logger
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"io"
	"os"

	"github.com/agilira/orpheus/pkg/orpheus"
	"github.com/sirupsen/logrus"
)

// Version of the fprime tools
const Version = "1.0.0"

// Manager owns the Orpheus application and the output streams of the
// command handlers.
type Manager struct {
	app    *orpheus.App
	out    io.Writer
	logger *logrus.Logger
}

// NewManager creates the CLI with every command registered.
func NewManager() *Manager {
	app := orpheus.New("fprimectl").
		SetDescription("Component messaging and scheduling kernel tools").
		SetVersion(Version)

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	manager := &Manager{
		app:    app,
		out:    os.Stdout,
		logger: logger,
	}

	manager.setupDeploymentCommands()
	manager.setupEventCommands()
	manager.setupUtilityCommands()

	return manager
}

// WithOutput redirects command output and console events, mainly for tests.
func (m *Manager) WithOutput(w io.Writer) *Manager {
	m.out = w
	m.logger.SetOutput(w)
	return m
}

// Run executes the CLI with the provided arguments, without the program
// name.
func (m *Manager) Run(args []string) error {
	return m.app.Run(args)
}

// setupDeploymentCommands registers init, validate, run and stats.
func (m *Manager) setupDeploymentCommands() {
	// init <file> [--template=minimal] [--name=example]
	initCmd := orpheus.NewCommand("init", "Write a deployment template").
		AddFlag("template", "t", "minimal", "Template (minimal|pipeline)").
		AddFlag("name", "n", "example", "Deployment name").
		AddBoolFlag("force", "f", false, "Overwrite an existing file").
		SetHandler(m.handleInit)
	m.app.AddCommand(initCmd)

	// validate <deployment>
	validateCmd := orpheus.NewCommand("validate", "Validate a deployment file").
		SetHandler(m.handleValidate)
	m.app.AddCommand(validateCmd)

	// run <deployment> [--duration=10s] [--events=path] [--no-events]
	runCmd := orpheus.NewCommand("run", "Run a deployment").
		AddFlag("duration", "d", "10s", "How long to run (0 runs until interrupted)").
		AddFlag("events", "e", "", "Event log file (.jsonl for JSONL, SQLite otherwise)").
		AddBoolFlag("no-events", "", false, "Do not record an event log").
		AddFlag("level", "l", "warn", "Minimum console event level (info|warn|critical|fault)").
		AddBoolFlag("stats", "s", false, "Print final statistics as JSON").
		SetHandler(m.handleRun)
	m.app.AddCommand(runCmd)

	// stats <deployment> [--duration=1s]
	statsCmd := orpheus.NewCommand("stats", "Run a deployment briefly and print its statistics").
		AddFlag("duration", "d", "1s", "How long to run before sampling").
		SetHandler(m.handleStats)
	m.app.AddCommand(statsCmd)
}

// setupEventCommands registers the event log group.
func (m *Manager) setupEventCommands() {
	eventsCmd := orpheus.NewCommand("events", "Kernel event log management")

	queryCmd := eventsCmd.Subcommand("query", "Query recorded events", m.handleEventsQuery)
	queryCmd.AddFlag("db", "", "", "Event store (default: shared SQLite database)")
	queryCmd.AddFlag("since", "s", "24h", "Time range (e.g., 24h, 7d, 2w)")
	queryCmd.AddFlag("event", "e", "", "Event name filter")
	queryCmd.AddFlag("component", "c", "", "Component filter")
	queryCmd.AddFlag("level", "", "info", "Minimum level")
	queryCmd.AddIntFlag("limit", "l", 100, "Maximum results")

	cleanupCmd := eventsCmd.Subcommand("cleanup", "Delete old events", m.handleEventsCleanup)
	cleanupCmd.AddFlag("db", "", "", "Event store (default: shared SQLite database)")
	cleanupCmd.AddFlag("older-than", "o", "30d", "Delete entries older than")
	cleanupCmd.AddBoolFlag("dry-run", "d", false, "Show what would be deleted")

	statsCmd := eventsCmd.Subcommand("stats", "Summarize the event store", m.handleEventsStats)
	statsCmd.AddFlag("db", "", "", "Event store (default: shared SQLite database)")

	m.app.AddCommand(eventsCmd)
}

// setupUtilityCommands registers info.
func (m *Manager) setupUtilityCommands() {
	infoCmd := orpheus.NewCommand("info", "Kernel limits and build information")
	infoCmd.SetHandler(m.handleInfo)
	infoCmd.AddBoolFlag("verbose", "v", false, "Verbose information")
	m.app.AddCommand(infoCmd)
}
