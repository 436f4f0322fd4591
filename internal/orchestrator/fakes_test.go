package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mysleekdesigns/fixpool/internal/agent"
	"github.com/mysleekdesigns/fixpool/internal/store"
	"github.com/mysleekdesigns/fixpool/pkg/models"
)

// fakeHandle is a scripted process. Tests push events with send.
type fakeHandle struct {
	spec       agent.LaunchSpec
	events     chan agent.ProcessEvent
	kills      atomic.Int32
	killCloses bool

	mu     sync.Mutex
	closed bool
}

func (h *fakeHandle) Events() <-chan agent.ProcessEvent { return h.events }

func (h *fakeHandle) LogFile() string { return "/tmp/" + h.spec.ID + ".log" }

func (h *fakeHandle) Kill() {
	h.kills.Add(1)
	if h.killCloses {
		h.close()
	}
}

func (h *fakeHandle) send(ev agent.ProcessEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- ev
}

func (h *fakeHandle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
}

func (h *fakeHandle) output(lines ...string) {
	for _, line := range lines {
		h.send(agent.ProcessEvent{Kind: agent.EventOutput, Data: []byte(line + "\n")})
	}
}

// fakeLauncher records launches and hands out fakeHandles.
type fakeLauncher struct {
	mu         sync.Mutex
	handles    []*fakeHandle
	launched   chan *fakeHandle
	err        error
	killCloses bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launched: make(chan *fakeHandle, 16)}
}

func (l *fakeLauncher) Launch(_ context.Context, spec agent.LaunchSpec) (agent.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	h := &fakeHandle{spec: spec, events: make(chan agent.ProcessEvent, 32), killCloses: l.killCloses}
	l.handles = append(l.handles, h)
	l.launched <- h
	return h, nil
}

func (l *fakeLauncher) next(t *testing.T) *fakeHandle {
	t.Helper()
	select {
	case h := <-l.launched:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for launch")
		return nil
	}
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.handles {
		h.close()
	}
}

// recordingEmitter captures notifications.
type recordingEmitter struct {
	mu       sync.Mutex
	progress []models.ProgressEvent
	complete []models.CompleteEvent
}

func (e *recordingEmitter) EmitProgress(ev models.ProgressEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = append(e.progress, ev)
}

func (e *recordingEmitter) EmitComplete(ev models.CompleteEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.complete = append(e.complete, ev)
}

func (e *recordingEmitter) messages(category models.FixCategory) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.progress {
		if ev.FixCategory == category {
			out = append(out, ev.Message)
		}
	}
	return out
}

func (e *recordingEmitter) completions(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.complete {
		if ev.TaskID == taskID {
			n++
		}
	}
	return n
}

// gatedStore wraps a Store and measures concurrent Upsert calls.
type gatedStore struct {
	store.Store
	delay    time.Duration
	inflight atomic.Int32
	peak     atomic.Int32
}

func (s *gatedStore) Upsert(rec *models.FixRecord) (*models.FixRecord, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(s.delay)
	return s.Store.Upsert(rec)
}

type testEnv struct {
	orch     *Orchestrator
	launcher *fakeLauncher
	emitter  *recordingEmitter
	store    store.Store
}

func newTestEnv(t *testing.T, cfg Config, wrap func(store.Store) store.Store) *testEnv {
	t.Helper()

	fileStore, err := store.NewFileStore(filepath.Join(t.TempDir(), "fixes.json"))
	require.NoError(t, err)
	var st store.Store = fileStore
	if wrap != nil {
		st = wrap(fileStore)
	}

	env := &testEnv{
		launcher: newFakeLauncher(),
		emitter:  &recordingEmitter{},
		store:    st,
	}
	if cfg.SpawnTimeout == 0 {
		cfg.SpawnTimeout = time.Minute
	}
	if cfg.NoOutputTimeout == 0 {
		cfg.NoOutputTimeout = time.Minute
	}

	orch, err := New(cfg, Deps{Store: st, Launcher: env.launcher, Emitter: env.emitter})
	require.NoError(t, err)
	env.orch = orch

	t.Cleanup(func() {
		orch.Shutdown()
		fileStore.Close()
	})
	t.Cleanup(env.launcher.closeAll)
	return env
}

func (env *testEnv) start(t *testing.T, taskID string, category models.FixCategory) (string, *fakeHandle) {
	t.Helper()
	id, err := env.orch.StartFix(context.Background(), models.FixAgentOptions{
		TaskID:      taskID,
		Category:    category,
		ProjectPath: t.TempDir(),
		Findings:    []models.Finding{{Title: "finding", Severity: "high"}},
	})
	require.NoError(t, err)
	return id, env.launcher.next(t)
}

func (env *testEnv) waitStatus(t *testing.T, agentID string, want models.AgentStatus) models.AgentSnapshot {
	t.Helper()
	var snap models.AgentSnapshot
	require.Eventually(t, func() bool {
		s, ok := env.orch.GetAgentStatus(agentID)
		snap = s
		return ok && s.Status == want
	}, 2*time.Second, 5*time.Millisecond, "agent %s never reached %s (last: %+v)", agentID, want, snap)
	return snap
}

func (env *testEnv) waitRecord(t *testing.T, taskID string, category models.FixCategory, want models.FixStatus) *models.FixRecord {
	t.Helper()
	var rec *models.FixRecord
	require.Eventually(t, func() bool {
		r, err := env.store.Get(taskID, category)
		if err != nil {
			return false
		}
		rec = r
		return r.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func assistantText(text string) string {
	data, _ := json.Marshal(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	})
	return string(data)
}

func toolUse(name string, input map[string]any) string {
	data, _ := json.Marshal(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []map[string]any{{"type": "tool_use", "name": name, "input": input}},
		},
	})
	return string(data)
}

var errLaunch = errors.New("exec: no such binary")

// delayedFinishStore wraps a Store and slows every Finish call.
type delayedFinishStore struct {
	store.Store
	delay time.Duration
}

func (s *delayedFinishStore) Finish(taskID string, category models.FixCategory, result models.FixResult) error {
	time.Sleep(s.delay)
	return s.Store.Finish(taskID, category, result)
}

// heldGetStore blocks Get for one category until release is closed.
// entered receives once a Get is waiting.
type heldGetStore struct {
	store.Store
	category models.FixCategory
	entered  chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (s *heldGetStore) Get(taskID string, category models.FixCategory) (*models.FixRecord, error) {
	if category == s.category {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.release
	}
	return s.Store.Get(taskID, category)
}

func (s *heldGetStore) open() {
	s.once.Do(func() { close(s.release) })
}

func (s *heldGetStore) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for held Get")
	}
}
