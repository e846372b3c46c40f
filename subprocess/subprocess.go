// Package subprocess wraps os/exec with the explicit, per-stream stdio
// wiring and reap semantics spec.md §4.G requires: each of stdin,
// stdout, and stderr can independently be a fresh pipe, an existing
// stream, a raw file descriptor, a path to open, or left unset.
package subprocess

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var terminateSignal os.Signal = syscall.SIGTERM

// kind selects how one stdio stream is wired.
type kind int

const (
	kindPipe kind = iota
	kindReader
	kindWriter
	kindFD
	kindFile
	kindUnset
	kindStdoutAlias // stderr only: fuse into the same pipe as stdout
)

// StreamSpec describes how to wire one of a child process's stdio
// streams.
type StreamSpec struct {
	kind   kind
	reader io.Reader
	writer io.Writer
	fd     uintptr
	path   string
	flag   int
	perm   os.FileMode
}

// Pipe requests a freshly created OS pipe, read or written by the parent
// depending on which stream it's assigned to.
func Pipe() StreamSpec { return StreamSpec{kind: kindPipe} }

// FromReader wires the child's stdin to an existing io.Reader, copied
// into the pipe by a background goroutine.
func FromReader(r io.Reader) StreamSpec { return StreamSpec{kind: kindReader, reader: r} }

// FromWriter wires the child's stdout/stderr to an existing io.Writer.
func FromWriter(w io.Writer) StreamSpec { return StreamSpec{kind: kindWriter, writer: w} }

// FD wires a stream directly to a raw file descriptor.
func FD(fd uintptr) StreamSpec { return StreamSpec{kind: kindFD, fd: fd} }

// File opens path with flag/perm and wires the stream to it.
func File(path string, flag int, perm os.FileMode) StreamSpec {
	return StreamSpec{kind: kindFile, path: path, flag: flag, perm: perm}
}

// Unset leaves the stream disconnected (child reads EOF / writes are
// discarded, matching os/exec's zero-value behavior).
func Unset() StreamSpec { return StreamSpec{kind: kindUnset} }

// StderrToStdout fuses stderr into the same stream as stdout. Only valid
// as Spec.Stderr.
func StderrToStdout() StreamSpec { return StreamSpec{kind: kindStdoutAlias} }

// Spec describes the full stdio wiring for a spawned process.
type Spec struct {
	Stdin  StreamSpec
	Stdout StreamSpec
	Stderr StreamSpec
}

// Process is a spawned child with its stdio endpoints and reap state.
type Process struct {
	cmd *exec.Cmd

	// Stdin is the parent's write end when Spec.Stdin was Pipe().
	Stdin io.WriteCloser
	// Stdout is the parent's read end when Spec.Stdout was Pipe(); it
	// also carries stderr when Spec.Stderr was StderrToStdout().
	Stdout io.ReadCloser
	// Stderr is the parent's read end when Spec.Stderr was Pipe().
	Stderr io.ReadCloser

	mu       sync.Mutex
	waitErr  error
	waited   bool
	waitDone chan struct{}
}

var ErrAlreadyWaited = errors.New("subprocess: Wait already called")

// Spawn starts path with args wired per spec. The binary is executed
// directly — never through a shell — and argv[0] is set to path.
func Spawn(path string, args []string, spec Spec) (*Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Args[0] = path

	p := &Process{cmd: cmd, waitDone: make(chan struct{})}

	if err := wireStdin(cmd, p, spec.Stdin); err != nil {
		return nil, err
	}
	if err := wireStdout(cmd, p, spec.Stdout); err != nil {
		return nil, err
	}
	if err := wireStderr(cmd, p, spec.Stderr); err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("subprocess: start %s: %w", path, err)
	}

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.waited = true
		p.mu.Unlock()
		close(p.waitDone)
	}()

	return p, nil
}

func wireStdin(cmd *exec.Cmd, p *Process, s StreamSpec) error {
	switch s.kind {
	case kindPipe:
		w, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("subprocess: stdin pipe: %w", err)
		}
		p.Stdin = w
	case kindReader:
		cmd.Stdin = s.reader
	case kindFD:
		cmd.Stdin = os.NewFile(s.fd, "stdin")
	case kindFile:
		f, err := os.OpenFile(s.path, s.flag, s.perm)
		if err != nil {
			return fmt.Errorf("subprocess: open stdin file: %w", err)
		}
		cmd.Stdin = f
	case kindUnset:
		// leave nil
	default:
		return fmt.Errorf("subprocess: invalid stdin stream spec")
	}
	return nil
}

func wireStdout(cmd *exec.Cmd, p *Process, s StreamSpec) error {
	switch s.kind {
	case kindPipe:
		r, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("subprocess: stdout pipe: %w", err)
		}
		p.Stdout = r
	case kindWriter:
		cmd.Stdout = s.writer
	case kindFD:
		cmd.Stdout = os.NewFile(s.fd, "stdout")
	case kindFile:
		f, err := os.OpenFile(s.path, s.flag, s.perm)
		if err != nil {
			return fmt.Errorf("subprocess: open stdout file: %w", err)
		}
		cmd.Stdout = f
	case kindUnset:
		// leave nil
	default:
		return fmt.Errorf("subprocess: invalid stdout stream spec")
	}
	return nil
}

func wireStderr(cmd *exec.Cmd, p *Process, s StreamSpec) error {
	switch s.kind {
	case kindPipe:
		r, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("subprocess: stderr pipe: %w", err)
		}
		p.Stderr = r
	case kindWriter:
		cmd.Stderr = s.writer
	case kindFD:
		cmd.Stderr = os.NewFile(s.fd, "stderr")
	case kindFile:
		f, err := os.OpenFile(s.path, s.flag, s.perm)
		if err != nil {
			return fmt.Errorf("subprocess: open stderr file: %w", err)
		}
		cmd.Stderr = f
	case kindStdoutAlias:
		// wireStdout has already run. When stdout is Pipe(), cmd.Stdout
		// holds the pipe's write end as an *os.File, which os/exec hands
		// to the child directly, so both streams share that one
		// descriptor and p.Stdout reads them interleaved. When stdout is
		// Unset, cmd.Stdout is nil and stderr is discarded as well.
		cmd.Stderr = cmd.Stdout
	case kindUnset:
		// leave nil
	default:
		return fmt.Errorf("subprocess: invalid stderr stream spec")
	}
	return nil
}

// Poll reports whether the process has exited without blocking. exited
// is false while it is still running.
func (p *Process) Poll() (exited bool, err error) {
	select {
	case <-p.waitDone:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.waitErr
	default:
		return false, nil
	}
}

// Wait blocks until the process exits and returns its exit error, if
// any.
func (p *Process) Wait() error {
	<-p.waitDone
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// WaitTimeout blocks up to d for the process to exit. ok is false if the
// deadline passed first.
func (p *Process) WaitTimeout(d time.Duration) (ok bool, err error) {
	select {
	case <-p.waitDone:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.waitErr
	case <-time.After(d):
		return false, nil
	}
}

// Notify returns a channel closed when the process has been reaped, for
// watchdog goroutines that want to detect unexpected exit.
func (p *Process) Notify() <-chan struct{} {
	return p.waitDone
}

// Terminate sends SIGTERM. It does not fall back to Kill when the
// platform cannot deliver the signal; the error is returned instead.
func (p *Process) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(terminateSignal)
}

// Kill sends SIGKILL.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// WithProcess spawns path, runs fn with the resulting *Process, and
// guarantees the process is killed and reaped on return even if fn
// panics or returns an error.
func WithProcess(path string, args []string, spec Spec, fn func(*Process) error) error {
	p, err := Spawn(path, args, spec)
	if err != nil {
		return err
	}
	defer func() {
		if exited, _ := p.Poll(); !exited {
			p.Kill()
		}
		p.Wait()
	}()

	return fn(p)
}
