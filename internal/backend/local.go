package backend

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/gamgui/gamgui/internal/config"
)

// localSession is the per-binding state: a scratch config directory plus the
// resolved credential environment, held in memory only.
type localSession struct {
	dir string
	env []string

	mu  sync.Mutex
	tty *os.File // pty master of the in-flight command, nil when idle
}

// LocalBackend runs gam as a subprocess of the server under a pty. Each
// session gets an isolated scratch directory for gam's config so concurrent
// sessions cannot trample each other's state.
type LocalBackend struct {
	gamPath   string
	workRoot  string
	available bool

	mu       sync.Mutex
	sessions map[string]*localSession
}

func (l *LocalBackend) Name() string { return "local" }
func (l *LocalBackend) Kind() Kind { return KindLocal }

func (l *LocalBackend) Initialize(_ context.Context) error {
	l.sessions = make(map[string]*localSession)

	path, err := exec.LookPath(config.Cfg.GamPath)
	if err != nil {
		return fmt.Errorf("gam binary not found: %w", err)
	}
	l.gamPath = path

	l.workRoot = filepath.Join(config.Cfg.DataPath, "local-sessions")
	if err := os.MkdirAll(l.workRoot, 0o700); err != nil {
		return fmt.Errorf("create local session root: %w", err)
	}

	l.available = true
	log.Printf("Local backend ready (gam at %s)", path)
	return nil
}

func (l *LocalBackend) Available(_ context.Context) bool {
	return l.available
}

func (l *LocalBackend) Provision(_ context.Context, spec ProvisionSpec) (*Binding, error) {
	dir, err := os.MkdirTemp(l.workRoot, strings.TrimPrefix(spec.SessionID, "sess_")+"-")
	if err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	env := os.Environ()
	env = append(env, "GAMCFGDIR="+dir)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	handle := podName(spec.SessionID)
	l.mu.Lock()
	l.sessions[handle] = &localSession{dir: dir, env: env}
	l.mu.Unlock()

	return &Binding{
		SessionID: spec.SessionID,
		Kind:      KindLocal,
		Driver:    l.Name(),
		Handle:    handle,
	}, nil
}

func (l *LocalBackend) session(handle string) (*localSession, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[handle]
	return s, ok
}

func (l *LocalBackend) Exec(ctx context.Context, binding *Binding, command string) (*Exec, error) {
	sess, ok := l.session(binding.Handle)
	if !ok {
		return nil, fmt.Errorf("no local session for %s", binding.Handle)
	}

	argv, err := commandArgv(command)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(l.gamPath, argv[1:]...)
	cmd.Env = sess.env
	cmd.Dir = sess.dir

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("start gam: %w", err)
	}

	sess.mu.Lock()
	sess.tty = tty
	sess.mu.Unlock()

	execCtx, cancel := context.WithCancel(ctx)

	out := make(chan []byte, 32)
	done := make(chan struct{})

	var exitCode int
	var streamErr error

	go func() {
		select {
		case <-execCtx.Done():
			cmd.Process.Kill()
		case <-done:
		}
	}()

	go func() {
		defer close(done)
		defer close(out)
		defer tty.Close()
		defer func() {
			sess.mu.Lock()
			if sess.tty == tty {
				sess.tty = nil
			}
			sess.mu.Unlock()
		}()

		buf := make([]byte, 8192)
		for {
			n, err := tty.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-execCtx.Done():
				}
			}
			if err != nil {
				// A pty read returns EIO when the child exits; that is EOF.
				break
			}
		}

		err := cmd.Wait()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
					exitCode = 128 + int(ws.Signal())
				} else {
					exitCode = exitErr.ExitCode()
				}
			} else {
				streamErr = err
			}
		}
		if execCtx.Err() != nil {
			streamErr = execCtx.Err()
		}
	}()

	return &Exec{
		Output: out,
		Cancel: cancel,
		Wait: func() (int, error) {
			<-done
			return exitCode, streamErr
		},
	}, nil
}

func (l *LocalBackend) Resize(_ context.Context, binding *Binding, cols, rows uint16) error {
	sess, ok := l.session(binding.Handle)
	if !ok {
		return nil
	}
	sess.mu.Lock()
	tty := sess.tty
	sess.mu.Unlock()
	if tty == nil {
		return nil
	}
	return pty.Setsize(tty, &pty.Winsize{Rows: rows, Cols: cols})
}

func (l *LocalBackend) Teardown(_ context.Context, binding *Binding) error {
	l.mu.Lock()
	sess, ok := l.sessions[binding.Handle]
	delete(l.sessions, binding.Handle)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.RemoveAll(sess.dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

func (l *LocalBackend) HealthCheck(_ context.Context, binding *Binding) Health {
	sess, ok := l.session(binding.Handle)
	if !ok {
		return Unhealthy
	}
	if _, err := os.Stat(sess.dir); err != nil {
		return Unhealthy
	}
	return Healthy
}

var _ Backend = (*LocalBackend)(nil)
