package module

import (
	"maps"
	"path/filepath"

	"github.com/nerrad567/controlroom/internal/process"
)

// Kind classifies how a module's process comes into being.
type Kind string

const (
	// KindPython modules are launched as "<python> -m api.server" in their
	// own directory under the modules root.
	KindPython Kind = "python"

	// KindExecutable modules are launched from a configured binary.
	KindExecutable Kind = "executable"

	// KindExternal modules are already running. The control room only connects.
	KindExternal Kind = "external"
)

// Source describes where a module's process comes from.
// It is implemented by PythonSource, ExecutableSource and ExternalSource only.
type Source interface {
	Kind() Kind

	// startRequest builds the launch request. ok is false for sources
	// the control room does not launch.
	startRequest(name, host string, port int) (req process.StartRequest, ok bool)
}

// PythonSource launches a python module from Root/<module name>.
type PythonSource struct {
	Root      string
	Python    string
	LogLevel  int
	StartArgs map[string]string
}

// Kind returns KindPython.
func (PythonSource) Kind() Kind { return KindPython }

func (s PythonSource) startRequest(name, host string, port int) (process.StartRequest, bool) {
	python := s.Python
	if python == "" {
		python = "python3"
	}
	return process.StartRequest{
		Name:      name,
		Root:      s.Root,
		Subdir:    name,
		Binary:    python,
		BaseArgs:  []string{"-m", "api.server"},
		Host:      host,
		Port:      port,
		LogLevel:  s.LogLevel,
		ExtraArgs: maps.Clone(s.StartArgs),
	}, true
}

// ExecutableSource launches a module binary from its own directory.
type ExecutableSource struct {
	Path      string
	LogLevel  int
	StartArgs map[string]string
}

// Kind returns KindExecutable.
func (ExecutableSource) Kind() Kind { return KindExecutable }

func (s ExecutableSource) startRequest(name, host string, port int) (process.StartRequest, bool) {
	path := s.Path
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return process.StartRequest{
		Name:      name,
		Root:      filepath.Dir(path),
		Binary:    path,
		Host:      host,
		Port:      port,
		LogLevel:  s.LogLevel,
		ExtraArgs: maps.Clone(s.StartArgs),
	}, true
}

// ExternalSource is a module managed outside the control room.
type ExternalSource struct{}

// Kind returns KindExternal.
func (ExternalSource) Kind() Kind { return KindExternal }

func (ExternalSource) startRequest(string, string, int) (process.StartRequest, bool) {
	return process.StartRequest{}, false
}
