package worker

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// ConnFD is the descriptor number the accepted socket has in a child
const ConnFD = 3

// Spawner starts a child process that takes over one accepted socket. A pid
// above zero means the child is running, even when an error is returned.
type Spawner interface {
	Spawn(sock *os.File, slot Slot) (int, error)
}

// ExecSpawner re-executes a binary with the socket passed as descriptor 3.
// The child is never waited on here; the supervisor reaps it.
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Stdout *os.File
	Stderr *os.File
}

// NewExecSpawner spawns the running executable with the given arguments
func NewExecSpawner(args ...string) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}

	return &ExecSpawner{
		Path:   path,
		Args:   args,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

// Spawn starts the child and returns its pid
func (s *ExecSpawner) Spawn(sock *os.File, slot Slot) (int, error) {
	args := append([]string{}, s.Args...)
	args = append(args,
		"--conn-id", slot.ConnID,
		"--rtp-port", strconv.Itoa(slot.RTPPort),
	)

	cmd := exec.Command(s.Path, args...)
	cmd.ExtraFiles = []*os.File{sock}
	cmd.Env = append(os.Environ(), s.Env...)
	if s.Stdout != nil {
		cmd.Stdout = s.Stdout
	}
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start worker: %w", err)
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to release worker handle: %w", err)
	}
	return pid, nil
}
