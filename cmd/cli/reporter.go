// Console reporting of kernel events for the fprime CLI
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"github.com/NoahBraasch/fprime"
	"github.com/sirupsen/logrus"
)

// ConsoleReporter writes kernel events at or above a level to a logrus
// logger. It is safe for concurrent use.
type ConsoleReporter struct {
	logger   *logrus.Logger
	minLevel fprime.EventLevel
}

// NewConsoleReporter creates a reporter on logger.
func NewConsoleReporter(logger *logrus.Logger, minLevel fprime.EventLevel) *ConsoleReporter {
	return &ConsoleReporter{logger: logger, minLevel: minLevel}
}

// ReportEvent implements fprime.Reporter.
func (r *ConsoleReporter) ReportEvent(level fprime.EventLevel, event, component string, context map[string]interface{}) {
	if level < r.minLevel {
		return
	}
	fields := logrus.Fields{"component": component}
	for k, v := range context {
		fields[k] = v
	}
	entry := r.logger.WithFields(fields)
	switch level {
	case fprime.EventInfo:
		entry.Info(event)
	case fprime.EventWarn:
		entry.Warn(event)
	default:
		entry.Errorf("%s (%s)", event, level)
	}
}
