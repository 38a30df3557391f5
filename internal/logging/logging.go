// Package logging wraps github.com/sirupsen/logrus with the gateway's
// tagging conventions: one *logrus.Entry per Session (carrying session_id,
// protocol, state) and one per Engine for lifecycle and administrative
// events, mirroring the teacher's per-component logger ownership.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus.Logger configured at the given level. Level strings
// follow logrus's own vocabulary ("debug", "info", "warn", "error"); an
// unrecognised level falls back to "info".
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Engine returns the lifecycle/administrative logger entry for an Engine
// instance, tagged with its name.
func Engine(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithFields(logrus.Fields{"component": "engine", "engine": name})
}

// Session returns the per-session logger entry, tagged with the fields a
// reader needs to follow a single conversation across a busy log stream.
func Session(l *logrus.Logger, sessionID uint64, protocol, state string) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"component":  "session",
		"session_id": sessionID,
		"protocol":   protocol,
		"state":      state,
	})
}

// Library returns the logger entry for a connected Library process.
func Library(l *logrus.Logger, libraryID int) *logrus.Entry {
	return l.WithFields(logrus.Fields{"component": "library", "library_id": libraryID})
}
