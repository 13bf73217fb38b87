package serve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/headless-mocha/harness"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	DevServerName     = "devserver"
	DefaultReadyText  = "Server running at "
	DefaultDevCommand = "parcel serve"
)

// DevServer delegates bundling and serving to an external process, started with
// the document path as its last argument. The server is ready when ReadyText
// appears on its stdout or the process exits with code 0, whichever is first.
type DevServer struct {
	Command   []string
	URL       string
	ReadyText string
	WorkDir   string
	Stdout    io.Writer
	Stderr    io.Writer
}

func NewDevServer(command []string, url, workDir string) *DevServer {
	return &DevServer{
		Command:   command,
		URL:       url,
		ReadyText: DefaultReadyText,
		WorkDir:   workDir,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}
}

func (d *DevServer) Name() string  { return DevServerName }
func (d *DevServer) Bundles() bool { return true }

func (d *DevServer) Serve(ctx context.Context, _ *harness.Document, docPath string) (Handle, error) {
	if len(d.Command) == 0 {
		return nil, &Error{Strategy: DevServerName, Err: errors.New("no dev server command configured")}
	}
	args := append(append([]string{}, d.Command[1:]...), docPath)
	cmd := exec.Command(d.Command[0], args...)
	cmd.Dir = d.WorkDir

	// Manual pipes: grandchildren inheriting the write ends must not keep Wait from returning.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &Error{Strategy: DevServerName, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &Error{Strategy: DevServerName, Err: err}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &Error{Strategy: DevServerName, Err: fmt.Errorf("failed to start %v: %w", d.Command, err)}
	}
	stdoutW.Close()
	stderrW.Close()
	logger.Infof("Started dev server %v (pid %d)", cmd.Args, cmd.Process.Pid)

	h := &devServerHandle{
		cmd:    cmd,
		url:    d.URL,
		exited: make(chan struct{}),
		pipes:  []io.Closer{stdoutR, stderrR},
	}
	ready := make(chan struct{})
	exited := make(chan error, 1)

	go func() {
		_, _ = io.Copy(writerOrDiscard(d.Stderr), stderrR)
	}()
	go func() {
		_ = ScanReady(stdoutR, writerOrDiscard(d.Stdout), d.ReadyText, ready)
	}()
	go func() {
		err := cmd.Wait()
		close(h.exited)
		exited <- err
	}()

	if err := WaitReady(ctx, ready, exited); err != nil {
		_ = h.Stop(context.Background())
		return nil, &Error{Strategy: DevServerName, Err: err}
	}
	logger.Infof("Dev server ready at %s", h.url)
	return h, nil
}

// WaitReady blocks until ready is closed, the process exits, or ctx is done.
// A zero exit counts as ready, a non-zero exit is an error.
func WaitReady(ctx context.Context, ready <-chan struct{}, exited <-chan error) error {
	select {
	case <-ready:
		return nil
	case err := <-exited:
		if err == nil {
			return nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("exited with code %d before it was ready", exitErr.ExitCode())
		}
		return fmt.Errorf("exited before it was ready: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScanReady copies r to mirror and closes ready the first time text appears in
// the stream, including when it is split across reads.
func ScanReady(r io.Reader, mirror io.Writer, text string, ready chan<- struct{}) error {
	var (
		tail     []byte
		signaled bool
		buf      = make([]byte, 32*1024)
		needle   = []byte(text)
	)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = mirror.Write(chunk)
			if !signaled && len(needle) > 0 {
				window := append(tail, chunk...)
				if bytes.Contains(window, needle) {
					signaled = true
					close(ready)
				} else if keep := len(needle) - 1; len(window) > keep {
					tail = append([]byte{}, window[len(window)-keep:]...)
				} else {
					tail = window
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

type devServerHandle struct {
	cmd    *exec.Cmd
	url    string
	exited chan struct{}
	pipes  []io.Closer
	once   sync.Once
	err    error
}

func (h *devServerHandle) URL() string { return h.url }

// Stop kills the dev server and every process it spawned, then waits for it to exit.
func (h *devServerHandle) Stop(ctx context.Context) error {
	h.once.Do(func() {
		select {
		case <-h.exited:
		default:
			killTree(int32(h.cmd.Process.Pid))
			_ = h.cmd.Process.Kill()
			select {
			case <-h.exited:
			case <-ctx.Done():
				h.err = ctx.Err()
			}
		}
		for _, p := range h.pipes {
			_ = p.Close()
		}
		logger.Debugf("dev server (pid %d) stopped", h.cmd.Process.Pid)
	})
	return h.err
}

// killTree kills the descendants of pid, deepest first. Best effort: processes
// that exit or reparent while walking are skipped.
func killTree(pid int32) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return
	}
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killTree(child.Pid)
		if err := child.Kill(); err != nil {
			logger.V(3).Infof("failed to kill %d: %v", child.Pid, err)
		}
	}
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
