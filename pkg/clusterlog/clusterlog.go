// pkg/clusterlog/clusterlog.go
package clusterlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Level mirrors logrus's level names so callers don't need to import logrus
// directly just to configure a cluster's logger.
type Level = logrus.Level

const (
	LevelDebug = logrus.DebugLevel
	LevelInfo  = logrus.InfoLevel
	LevelWarn  = logrus.WarnLevel
	LevelError = logrus.ErrorLevel
)

// New builds a logrus logger preconfigured for cluster output: text
// formatting with full timestamps, writing to out (os.Stderr if nil).
func New(level Level, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

// ForCluster returns a logger entry with the cluster's name and id bound as
// structured fields, so every log line it produces is attributable without
// the caller repeating those fields at each call site.
func ForCluster(l *logrus.Logger, name string, id int) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"cluster_name": name,
		"cluster_id":   id,
	})
}

// Discard is a logger that drops everything, used where the caller supplied
// no logger (performance hooks and logging are both optional collaborators).
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
