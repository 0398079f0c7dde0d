package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"
)

// Tree stop timing.
const (
	maxTerminateRounds = 5
	terminateRoundWait = 200 * time.Millisecond
	defaultReapTimeout = 10 * time.Second
	outputWaitDelay    = 500 * time.Millisecond
)

// StartRequest describes one module launch.
type StartRequest struct {
	// Name identifies the module in logs.
	Name string

	// Root and Subdir form the working directory. When both are empty the
	// child inherits the control room's working directory.
	Root   string
	Subdir string

	// Binary is the executable. BaseArgs precede the generated flags.
	Binary   string
	BaseArgs []string

	Host     string
	Port     int
	LogLevel int

	// ExtraArgs are rendered as --key=value, sorted by key.
	ExtraArgs map[string]string
}

// Dir returns the working directory the module will run in.
func (r StartRequest) Dir() string {
	if r.Root == "" && r.Subdir == "" {
		return ""
	}
	return filepath.Join(r.Root, r.Subdir)
}

// Args returns the full argument list after the binary.
func (r StartRequest) Args() []string {
	args := make([]string, 0, len(r.BaseArgs)+3+len(r.ExtraArgs))
	args = append(args, r.BaseArgs...)
	args = append(args,
		"--port="+strconv.Itoa(r.Port),
		"--ip="+r.Host,
		"--loglevel="+strconv.Itoa(r.LogLevel),
	)

	keys := make([]string, 0, len(r.ExtraArgs))
	for k := range r.ExtraArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--"+k+"="+r.ExtraArgs[k])
	}
	return args
}

// Handle is a started module process.
type Handle struct {
	name    string
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// PID returns the process ID.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Name returns the module name the process was started for.
func (h *Handle) Name() string {
	return h.name
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// signalGroup signals the handle's whole process group. A group that has
// already gone is not an error.
func (h *Handle) signalGroup(sig syscall.Signal) error {
	if err := syscall.Kill(-h.PID(), sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Err returns the wait error once Done is closed.
func (h *Handle) Err() error {
	if !h.Exited() {
		return nil
	}
	return h.waitErr
}

// Supervisor launches modules and tears down their process trees.
//
// Thread Safety:
//   - Start and StopTree may be called concurrently for different handles.
type Supervisor struct {
	logger      Logger
	table       procTable
	roundWait   time.Duration
	reapTimeout time.Duration
}

// NewSupervisor creates a supervisor backed by the system process table.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		logger:      noopLogger{},
		table:       systemTable{},
		roundWait:   terminateRoundWait,
		reapTimeout: defaultReapTimeout,
	}
}

// SetLogger sets the logger for the supervisor and captured module output.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// Start launches a module and returns immediately.
//
// The child gets the full parent environment and its own process group.
// Its stdout and stderr are logged line by line.
//
// Returns:
//   - *Handle: The running process
//   - error: ErrInvalidModulePath if the working directory is missing,
//     or the exec error if the binary cannot be started
func (s *Supervisor) Start(req StartRequest) (*Handle, error) {
	dir := req.Dir()
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidModulePath, dir)
		}
	}

	s.logger.Info("starting module process", "name", req.Name, "binary", req.Binary, "dir", dir)
	h, err := s.spawn(req.Name, req.Binary, req.Args(), dir)
	if err != nil {
		return nil, err
	}
	s.logger.Info("module process started", "name", req.Name, "pid", h.PID())
	return h, nil
}

// spawn starts binary in its own process group with the parent's
// environment and logs its output line by line.
func (s *Supervisor) spawn(name, binary string, args []string, dir string) (*Handle, error) {
	cmd := exec.Command(binary, args...) //nolint:gosec // Binary comes from the operator's config
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newLineLogger(s.logger, name, "stdout")
	stderr := newLineLogger(s.logger, name, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren may hold the output pipes open after the child exits.
	cmd.WaitDelay = outputWaitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	h := &Handle{
		name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		close(h.done)
	}()
	return h, nil
}

// StopTree terminates the module's children, then kills and reaps the module.
//
// A nil handle or one whose process already exited is a no-op, so StopTree
// is safe to call more than once.
func (s *Supervisor) StopTree(h *Handle) error {
	if h == nil || h.Exited() {
		return nil
	}

	pid := h.PID()
	rounds := s.terminateChildren(int32(pid))
	s.logger.Debug("module children terminated", "name", h.name, "pid", pid, "rounds", rounds)

	if err := h.cmd.Process.Signal(syscall.SIGKILL); err != nil && !isGone(err) {
		return fmt.Errorf("killing %s (pid %d): %w", h.name, pid, err)
	}

	select {
	case <-h.done:
	case <-time.After(s.reapTimeout):
		return fmt.Errorf("%w: %s (pid %d)", ErrStopTimeout, h.name, pid)
	}

	s.logger.Info("module process stopped", "name", h.name, "pid", pid)
	return nil
}

// terminateChildren sends SIGTERM to the children of pid for up to
// maxTerminateRounds rounds and returns the number of rounds run.
func (s *Supervisor) terminateChildren(pid int32) int {
	rounds := 0
	for round := 0; round < maxTerminateRounds; round++ {
		if round > 0 {
			time.Sleep(s.roundWait)
		}
		rounds++

		children, err := s.table.Children(pid)
		if errors.Is(err, errProcessGone) {
			return rounds
		}
		if err != nil {
			s.logger.Warn("listing module children failed", "pid", pid, "error", err)
			return rounds
		}
		if len(children) == 0 {
			return rounds
		}

		for _, child := range children {
			if err := s.table.Terminate(child); err != nil {
				s.logger.Warn("terminating module child failed", "pid", pid, "child", child, "error", err)
			}
		}
	}
	return rounds
}
