package registry

import (
	"fmt"
	"os/exec"
	"strings"
)

// Kind selects the runtime needed to launch a service.
type Kind string

const (
	KindExec   Kind = "exec"   // command is an executable
	KindShell  Kind = "shell"  // command is a shell script line
	KindPython Kind = "python" // command is a script run by the python interpreter
	KindNode   Kind = "node"   // command is a script run by node
)

// Interpreters maps script kinds to the executable used to run them.
type Interpreters map[Kind]string

// DefaultInterpreters returns the interpreter table used when none is configured.
func DefaultInterpreters() Interpreters {
	return Interpreters{
		KindPython: "python3",
		KindNode:   "node",
		KindShell:  "/bin/sh",
	}
}

// ServiceDescriptor is the immutable definition of one supervised service.
type ServiceDescriptor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	Port        int      `json:"port"`
	Kind        Kind     `json:"kind"`
	DependsOn   []string `json:"depends_on,omitempty"`
	HealthURL   string   `json:"health_url"`
	MaxRestarts int      `json:"max_restarts"`
	WorkDir     string   `json:"work_dir,omitempty"`
	Env         []string `json:"env,omitempty"`
}

// DisplayName falls back to ID when Name is empty.
func (d ServiceDescriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// DefaultHealthURL is the health endpoint assumed when a descriptor declares none.
func DefaultHealthURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", port)
}

// Argv resolves the executable and its arguments for this descriptor.
func (d ServiceDescriptor) Argv(interp Interpreters) (string, []string, error) {
	cmdStr := strings.TrimSpace(d.Command)
	if cmdStr == "" {
		return "", nil, fmt.Errorf("service %s: empty command", d.ID)
	}
	kind := d.Kind
	if kind == "" {
		kind = KindExec
	}
	switch kind {
	case KindExec:
		return cmdStr, append([]string(nil), d.Args...), nil
	case KindShell:
		sh := interpreterFor(interp, KindShell)
		line := cmdStr
		if len(d.Args) > 0 {
			line += " " + strings.Join(d.Args, " ")
		}
		return sh, []string{"-c", line}, nil
	case KindPython, KindNode:
		bin := interpreterFor(interp, kind)
		if bin == "" {
			return "", nil, fmt.Errorf("service %s: no interpreter for kind %q", d.ID, kind)
		}
		return bin, append([]string{cmdStr}, d.Args...), nil
	default:
		return "", nil, fmt.Errorf("service %s: unknown kind %q", d.ID, kind)
	}
}

// BuildCommand constructs an *exec.Cmd for the descriptor. The caller owns I/O and attributes.
func (d ServiceDescriptor) BuildCommand(interp Interpreters) (*exec.Cmd, error) {
	name, args, err := d.Argv(interp)
	if err != nil {
		return nil, err
	}
	// #nosec G204 -- commands come from the operator's configuration
	cmd := exec.Command(name, args...)
	if d.WorkDir != "" {
		cmd.Dir = d.WorkDir
	}
	return cmd, nil
}

func interpreterFor(interp Interpreters, k Kind) string {
	if interp != nil {
		if v := strings.TrimSpace(interp[k]); v != "" {
			return v
		}
	}
	return DefaultInterpreters()[k]
}
