// pkg/clusterlog/clusterlog_test.go
package clusterlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestForClusterBindsFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelInfo, &buf)
	entry := ForCluster(l, "orders", 7)
	entry.Info("opened")

	out := buf.String()
	if !strings.Contains(out, "cluster_name=orders") {
		t.Errorf("expected cluster_name field in output, got %q", out)
	}
	if !strings.Contains(out, "cluster_id=7") {
		t.Errorf("expected cluster_id field in output, got %q", out)
	}
}

func TestDiscardProducesNoOutput(t *testing.T) {
	l := Discard()
	l.Info("should not appear anywhere observable")
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelInfo, &buf)
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected debug line to be filtered at info level, got %q", buf.String())
	}
	l.Info("visible")
	if buf.Len() == 0 {
		t.Error("expected info line to be written")
	}
}
