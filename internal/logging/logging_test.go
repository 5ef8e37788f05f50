package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_VerboseEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)
	l.WithField("addr", "0x0100").Debug("sending record")

	if !strings.Contains(buf.String(), "sending record") {
		t.Errorf("debug message missing from %q", buf.String())
	}
	if !strings.Contains(buf.String(), "addr=0x0100") {
		t.Errorf("field missing from %q", buf.String())
	}
}

func TestNew_QuietDropsDebug(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Debug("hidden")
	l.Info("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("debug message should be dropped: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("info message missing: %q", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	// must not panic or write anywhere
	Discard().WithField("k", 1).Error("nothing")
}
