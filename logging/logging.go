/*
 *    logging.go - logger construction conventions shared across every core
 *    component.
 *
 *    Copyright (C) 2024  The quietflow Authors
 *
 *    This program is free software: you can redistribute it and/or modify
 *    it under the terms of the GNU General Public License as published by
 *    the Free Software Foundation, either version 3 of the License, or
 *    (at your option) any later version.
 *
 *    This program is distributed in the hope that it will be useful,
 *    but WITHOUT ANY WARRANTY; without even the implied warranty of
 *    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *    GNU General Public License for more details.
 *
 *    You should have received a copy of the GNU General Public License
 *    along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package logging establishes the one way every core component builds its
// logger: a *logrus.Entry pre-populated with a "component" field, so a host
// aggregating log lines from several Machines can filter on it without every
// call site repeating WithField("component", ...).
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Config controls the base logrus.Logger every component's Entry is derived
// from. A zero Config gives a text formatter on stderr at logrus.PanicLevel,
// the zero value of Level; set Level explicitly for any other threshold.
type Config struct {
	Level        logrus.Level
	JSON         bool
	Output       io.Writer
	ReportCaller bool
}

// New builds the base *logrus.Logger a host constructs once and then passes
// (via Component below, per-component) to each Machine/Pipeline it starts.
func New(cfg Config) *logrus.Logger {
	l := logrus.New()
	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stderr)
	}
	if cfg.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetReportCaller(cfg.ReportCaller)
	l.SetLevel(cfg.Level)
	return l
}

// Component returns an Entry scoped to one named core component (e.g.
// "tcpstate", "retransguard"), the form every constructor in this module
// that takes a *logrus.Entry expects.
func Component(base *logrus.Logger, name string) *logrus.Entry {
	return base.WithField("component", name)
}

// Flow returns an Entry further scoped to one flow, for call sites that log
// more than once against the same tuple (spec §7's per-kind anomaly
// logging): fields are named flow/state/seq/reason throughout the core,
// matching this helper's own field name so grep'ing logs for one flow works
// the same everywhere.
func Flow(base *logrus.Entry, flow fmt.Stringer) *logrus.Entry {
	return base.WithField("flow", flow.String())
}
