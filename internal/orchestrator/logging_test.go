package orchestrator

import (
	bytes2 "bytes"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mysleekdesigns/fixpool/internal/agent"
	"github.com/mysleekdesigns/fixpool/pkg/models"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes2.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureStdLogger(t *testing.T) (*lockedBuffer, func()) {
	t.Helper()

	buf := &lockedBuffer{}
	prevOut := log.Writer()
	prevFlags := log.Flags()
	prevPrefix := log.Prefix()

	log.SetOutput(buf)
	log.SetFlags(0)
	log.SetPrefix("")

	return buf, func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
		log.SetPrefix(prevPrefix)
	}
}

func waitForLog(t *testing.T, buf *lockedBuffer, want string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out := buf.String(); strings.Contains(out, want) {
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %q in logs, got:\n%s", want, buf.String())
	return ""
}

func TestAgentLifecycleLogging_ReceivedAndStarted(t *testing.T) {
	buf, restore := captureStdLogger(t)
	defer restore()

	env := newTestEnv(t, Config{}, nil)
	id, _ := env.start(t, "task-log", models.FixCategorySecurity)

	out := buf.String()
	if !strings.Contains(out, "agent_event=received task_id=task-log category=security") {
		t.Fatalf("Expected received log entry, got:\n%s", out)
	}
	if !strings.Contains(out, "agent_event=started agent_id="+id) {
		t.Fatalf("Expected started log entry, got:\n%s", out)
	}
	if !strings.Contains(out, "findings=1") {
		t.Fatalf("Expected findings count in logs, got:\n%s", out)
	}
}

func TestAgentLifecycleLogging_Finished(t *testing.T) {
	buf, restore := captureStdLogger(t)
	defer restore()

	env := newTestEnv(t, Config{}, nil)
	id, h := env.start(t, "task-log", models.FixCategoryQuality)

	h.send(agent.ProcessEvent{Kind: agent.EventSpawned, PID: 99})
	h.output(assistantText(`<fix_json>{"success":true,"summary":"done"}</fix_json>`))
	h.send(agent.ProcessEvent{Kind: agent.EventExit})

	out := waitForLog(t, buf, "agent_event=finished agent_id="+id)
	if !strings.Contains(out, "agent_event=spawned agent_id="+id+" task_id=task-log pid=99") {
		t.Fatalf("Expected spawned log entry, got:\n%s", out)
	}
	if !strings.Contains(out, "agent_event=first_output agent_id="+id) {
		t.Fatalf("Expected first_output log entry, got:\n%s", out)
	}
	if !strings.Contains(out, "status=completed") || !strings.Contains(out, "exit_code=0") {
		t.Fatalf("Expected completed status and exit code in logs, got:\n%s", out)
	}
}

func TestAgentLifecycleLogging_FailedWithReason(t *testing.T) {
	buf, restore := captureStdLogger(t)
	defer restore()

	env := newTestEnv(t, Config{SpawnTimeout: 10 * time.Millisecond}, nil)
	id, _ := env.start(t, "task-log", models.FixCategorySecurity)

	out := waitForLog(t, buf, "agent_event=failed agent_id="+id)
	if !strings.Contains(out, `reason="spawn_timeout"`) {
		t.Fatalf("Expected spawn_timeout reason in logs, got:\n%s", out)
	}
}

func TestAgentLifecycleLogging_CancelledAndEvicted(t *testing.T) {
	buf, restore := captureStdLogger(t)
	defer restore()

	env := newTestEnv(t, Config{RetainFinished: 1}, nil)
	first, _ := env.start(t, "task-a", models.FixCategorySecurity)
	env.start(t, "task-b", models.FixCategorySecurity)

	env.orch.CancelAllFixes("task-a")
	env.orch.CancelAllFixes("task-b")

	out := waitForLog(t, buf, "agent_event=evicted agent_id="+first)
	if !strings.Contains(out, "agent_event=cancelled agent_id="+first) {
		t.Fatalf("Expected cancelled log entry, got:\n%s", out)
	}
}

func TestAgentLifecycleLogging_TruncatesWholeRunes(t *testing.T) {
	buf, restore := captureStdLogger(t)
	defer restore()

	env := newTestEnv(t, Config{}, nil)
	id, h := env.start(t, "task-log", models.FixCategorySecurity)

	h.send(agent.ProcessEvent{Kind: agent.EventExit, ExitCode: 2, StderrTail: strings.Repeat("é", 600)})

	out := waitForLog(t, buf, "agent_event=failed agent_id="+id)
	if strings.Contains(out, `\x`) {
		t.Fatalf("Expected truncated message to keep runes whole, got:\n%s", out)
	}
	if !strings.Contains(out, "éé...") {
		t.Fatalf("Expected truncated message in logs, got:\n%s", out)
	}
}
