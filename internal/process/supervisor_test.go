package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

// recordingLogger captures Info records for assertions.
type recordingLogger struct {
	noopLogger
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Info(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if msg != "process output" {
		return
	}
	var stream, line string
	for i := 0; i+1 < len(args); i += 2 {
		switch args[i] {
		case "stream":
			stream = fmt.Sprint(args[i+1])
		case "line":
			line = fmt.Sprint(args[i+1])
		}
	}
	l.lines = append(l.lines, stream+":"+line)
}

func (l *recordingLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// fakeTable returns scripted child lists per round.
type fakeTable struct {
	mu         sync.Mutex
	rounds     [][]int32
	always     []int32
	goneAfter  int
	calls      int
	terminated []int32
	termErr    error
}

func (f *fakeTable) Children(int32) ([]int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.goneAfter > 0 && f.calls > f.goneAfter {
		return nil, errProcessGone
	}
	if f.always != nil {
		return f.always, nil
	}
	if f.calls <= len(f.rounds) {
		return f.rounds[f.calls-1], nil
	}
	return nil, nil
}

func (f *fakeTable) Terminate(pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	return f.termErr
}

// recordingTable delegates to the system table and records terminations.
type recordingTable struct {
	systemTable
	mu         sync.Mutex
	terminated []int32
}

func (r *recordingTable) Terminate(pid int32) error {
	r.mu.Lock()
	r.terminated = append(r.terminated, pid)
	r.mu.Unlock()
	return r.systemTable.Terminate(pid)
}

func newTestSupervisor(table procTable) *Supervisor {
	s := NewSupervisor()
	s.table = table
	s.roundWait = time.Millisecond
	s.reapTimeout = 5 * time.Second
	return s
}

// shRequest runs script under sh. The generated flags become ignored
// positional parameters.
func shRequest(t *testing.T, script string) StartRequest {
	t.Helper()
	return StartRequest{
		Name:     "test-module",
		Root:     t.TempDir(),
		Binary:   "sh",
		BaseArgs: []string{"-c", script, "module"},
		Host:     "127.0.0.1",
		Port:     9001,
		LogLevel: 10,
	}
}

func TestStartRequest_Args(t *testing.T) {
	req := StartRequest{
		Binary:    "python3",
		BaseArgs:  []string{"-m", "api.server"},
		Host:      "127.0.0.1",
		Port:      9001,
		LogLevel:  20,
		ExtraArgs: map[string]string{"zeta": "1", "alpha": "x y"},
	}

	want := []string{
		"-m", "api.server",
		"--port=9001", "--ip=127.0.0.1", "--loglevel=20",
		"--alpha=x y", "--zeta=1",
	}
	if got := req.Args(); !reflect.DeepEqual(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}
}

func TestStartRequest_Dir(t *testing.T) {
	tests := []struct {
		root, subdir, want string
	}{
		{"/opt/modules", "alpha", "/opt/modules/alpha"},
		{"/opt/bin", "", "/opt/bin"},
		{"", "", ""},
	}
	for _, tt := range tests {
		req := StartRequest{Root: tt.root, Subdir: tt.subdir}
		if got := req.Dir(); got != tt.want {
			t.Errorf("Dir(%q, %q) = %q, want %q", tt.root, tt.subdir, got, tt.want)
		}
	}
}

func TestSupervisor_StartInvalidPath(t *testing.T) {
	s := NewSupervisor()
	root := t.TempDir()
	file := filepath.Join(root, "not-a-dir")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		subdir string
	}{
		{"missing", "nope"},
		{"file", "not-a-dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Start(StartRequest{Name: "m", Root: root, Subdir: tt.subdir, Binary: "sh"})
			if !errors.Is(err, ErrInvalidModulePath) {
				t.Errorf("Start() error = %v, want ErrInvalidModulePath", err)
			}
		})
	}
}

func TestSupervisor_StartMissingBinary(t *testing.T) {
	s := NewSupervisor()
	_, err := s.Start(StartRequest{Name: "m", Root: t.TempDir(), Binary: "/nonexistent/binary"})
	if err == nil {
		t.Fatal("Start() expected error for missing binary, got nil")
	}
	if errors.Is(err, ErrInvalidModulePath) {
		t.Errorf("Start() error = %v, want exec error", err)
	}
}

func TestSupervisor_CapturesOutput(t *testing.T) {
	logger := &recordingLogger{}
	s := NewSupervisor()
	s.SetLogger(logger)

	h, err := s.Start(shRequest(t, "echo hello; echo oops >&2"))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	lines := logger.snapshot()
	has := func(want string) bool {
		for _, l := range lines {
			if l == want {
				return true
			}
		}
		return false
	}
	if !has("stdout:hello") {
		t.Errorf("captured %v, want stdout:hello", lines)
	}
	if !has("stderr:oops") {
		t.Errorf("captured %v, want stderr:oops", lines)
	}
}

func TestSupervisor_ForwardsEnvironment(t *testing.T) {
	t.Setenv("CONTROLROOM_TEST_VAR", "forwarded")
	logger := &recordingLogger{}
	s := NewSupervisor()
	s.SetLogger(logger)

	h, err := s.Start(shRequest(t, `echo "$CONTROLROOM_TEST_VAR"`))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-h.Done()

	lines := logger.snapshot()
	if len(lines) != 1 || lines[0] != "stdout:forwarded" {
		t.Errorf("captured %v, want [stdout:forwarded]", lines)
	}
}

func TestTerminateChildren(t *testing.T) {
	tests := []struct {
		name           string
		table          *fakeTable
		wantRounds     int
		wantTerminated int
	}{
		{
			name:           "no children",
			table:          &fakeTable{},
			wantRounds:     1,
			wantTerminated: 0,
		},
		{
			name:           "children exit after first round",
			table:          &fakeTable{rounds: [][]int32{{100, 101}}},
			wantRounds:     2,
			wantTerminated: 2,
		},
		{
			name:           "child never exits",
			table:          &fakeTable{always: []int32{100}},
			wantRounds:     maxTerminateRounds,
			wantTerminated: maxTerminateRounds,
		},
		{
			name:           "parent vanishes mid-walk",
			table:          &fakeTable{always: []int32{100}, goneAfter: 2},
			wantRounds:     3,
			wantTerminated: 2,
		},
		{
			name:           "children vanish before signal",
			table:          &fakeTable{rounds: [][]int32{{100}}, termErr: errors.New("no such process")},
			wantRounds:     2,
			wantTerminated: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(tt.table)
			rounds := s.terminateChildren(4242)
			if rounds != tt.wantRounds {
				t.Errorf("rounds = %d, want %d", rounds, tt.wantRounds)
			}
			if got := len(tt.table.terminated); got != tt.wantTerminated {
				t.Errorf("terminated %d children, want %d", got, tt.wantTerminated)
			}
		})
	}
}

func TestTerminateChildren_PausesBetweenRounds(t *testing.T) {
	s := newTestSupervisor(&fakeTable{always: []int32{100}})
	s.roundWait = 20 * time.Millisecond

	start := time.Now()
	s.terminateChildren(4242)
	elapsed := time.Since(start)

	// No pause before the first round.
	want := time.Duration(maxTerminateRounds-1) * s.roundWait
	if elapsed < want {
		t.Errorf("elapsed = %v, want at least %v", elapsed, want)
	}
}

func TestSupervisor_StopTreeKillsStubbornParent(t *testing.T) {
	table := &fakeTable{always: []int32{999999}}
	s := newTestSupervisor(table)

	// The parent ignores SIGTERM; only the final SIGKILL stops it.
	h, err := s.Start(shRequest(t, "trap '' TERM; sleep 30"))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := s.StopTree(h); err != nil {
		t.Fatalf("StopTree() error = %v", err)
	}
	if !h.Exited() {
		t.Error("Exited() = false after StopTree")
	}
	if got := len(table.terminated); got != maxTerminateRounds {
		t.Errorf("terminate calls = %d, want %d", got, maxTerminateRounds)
	}
}

func TestSupervisor_StopTreeTerminatesRealChildren(t *testing.T) {
	table := &recordingTable{}
	s := newTestSupervisor(table)
	s.roundWait = terminateRoundWait

	h, err := s.Start(shRequest(t, "sleep 30 & wait"))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var child int32
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		kids, err := table.Children(int32(h.PID()))
		if err != nil {
			s.StopTree(h)
			t.Skipf("process table unavailable: %v", err)
		}
		if len(kids) > 0 {
			child = kids[0]
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if child == 0 {
		t.Fatal("module child did not appear")
	}

	if err := s.StopTree(h); err != nil {
		t.Fatalf("StopTree() error = %v", err)
	}
	if !h.Exited() {
		t.Error("Exited() = false after StopTree")
	}

	table.mu.Lock()
	defer table.mu.Unlock()
	found := false
	for _, pid := range table.terminated {
		if pid == child {
			found = true
		}
	}
	if !found {
		t.Errorf("terminated %v, want child %d", table.terminated, child)
	}
}

func TestSupervisor_StopTreeIdempotent(t *testing.T) {
	s := newTestSupervisor(&fakeTable{})

	if err := s.StopTree(nil); err != nil {
		t.Errorf("StopTree(nil) error = %v", err)
	}

	h, err := s.Start(shRequest(t, "sleep 30"))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.StopTree(h); err != nil {
		t.Fatalf("first StopTree() error = %v", err)
	}
	if err := s.StopTree(h); err != nil {
		t.Errorf("second StopTree() error = %v", err)
	}
}

func TestSupervisor_StopTreeAlreadyExited(t *testing.T) {
	table := &fakeTable{always: []int32{1}}
	s := newTestSupervisor(table)

	h, err := s.Start(shRequest(t, "exit 0"))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-h.Done()

	if err := s.StopTree(h); err != nil {
		t.Errorf("StopTree() error = %v", err)
	}
	if table.calls != 0 {
		t.Errorf("Children() called %d times for an exited process, want 0", table.calls)
	}
}

func TestLineLogger(t *testing.T) {
	logger := &recordingLogger{}
	w := newLineLogger(logger, "m", "stdout")

	w.Write([]byte("first\r\nsec"))
	w.Write([]byte("ond\n\npartial"))
	w.Flush()

	want := []string{"stdout:first", "stdout:second", "stdout:partial"}
	if got := logger.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %v, want %v", got, want)
	}
}
