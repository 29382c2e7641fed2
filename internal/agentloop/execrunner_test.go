package agentloop

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecRunner_CapturesStdoutAsOutput(t *testing.T) {
	r := ExecRunner{Command: "cat"}
	result, err := r.Run(context.Background(), "hello from the task board", t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(result.Output, "hello from the task board") {
		t.Fatalf("expected prompt echoed back, got %q", result.Output)
	}
}

func TestExecRunner_ReturnsErrorOnNonZeroExit(t *testing.T) {
	r := ExecRunner{Command: "false"}
	_, err := r.Run(context.Background(), "", t.TempDir())
	if err == nil {
		t.Fatal("expected error from failing command")
	}
}

func TestExecRunner_RespectsTimeout(t *testing.T) {
	r := ExecRunner{Command: "sleep", Args: []string{"5"}, Timeout: 20 * time.Millisecond}
	_, err := r.Run(context.Background(), "", t.TempDir())
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
