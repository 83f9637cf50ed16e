package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warp-cluster/v1/core"
	"github.com/mirkobrombin/go-warp-cluster/v1/transport"
)

// Environment variables set on forked workers.
const (
	EnvRole     = "WARP_CLUSTER_ROLE"
	EnvWorkerID = "WARP_CLUSTER_WORKER_ID"

	roleWorker = "worker"
)

// RoleFromEnv reports the role of the current process. Processes started by
// Fork are workers; anything else is the primary.
func RoleFromEnv() core.Role {
	if os.Getenv(EnvRole) == roleWorker {
		return core.RoleWorker
	}
	return core.RolePrimary
}

// WorkerID returns the id assigned to the current process by Fork, or an
// empty string on the primary.
func WorkerID() string {
	return os.Getenv(EnvWorkerID)
}

// WorkerChannel returns the worker's link to the primary over its standard
// input and output. Nothing else may write to stdout once it is in use.
func WorkerChannel() *transport.StreamChannel {
	return transport.NewStream(transport.Duplex(os.Stdin, os.Stdout))
}

// Worker is a forked worker process.
type Worker struct {
	ID string

	// Channel is the primary end of the worker's stdio link. It is nil when
	// the supervisor does not use stdio.
	Channel transport.Channel

	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Done is closed once the process has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the exit error of the process after Done is closed.
func (w *Worker) Err() error { return w.err }

// Supervisor forks worker processes running the same program as the
// primary and keeps track of them.
type Supervisor struct {
	program string
	args    []string
	env     []string
	stdio   bool
	log     *logrus.Entry

	mu      sync.Mutex
	workers []*Worker
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithProgram overrides the executable and arguments of workers. The
// default re-executes the current binary with the same arguments.
func WithProgram(path string, args ...string) Option {
	return func(s *Supervisor) {
		s.program = path
		s.args = args
	}
}

// WithEnv adds KEY=VALUE pairs to the worker environment.
func WithEnv(kv ...string) Option {
	return func(s *Supervisor) {
		s.env = append(s.env, kv...)
	}
}

// WithStdio links each worker through its standard input and output.
func WithStdio(enabled bool) Option {
	return func(s *Supervisor) {
		s.stdio = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a supervisor. Stdio links are enabled by default.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		program: os.Args[0],
		args:    os.Args[1:],
		stdio:   true,
		log:     logrus.WithField("component", "supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fork starts n workers. Workers are killed when ctx is done.
func (s *Supervisor) Fork(ctx context.Context, n int) ([]*Worker, error) {
	started := make([]*Worker, 0, n)
	for i := 0; i < n; i++ {
		w, err := s.Spawn(ctx, uuid.NewString())
		if err != nil {
			return started, fmt.Errorf("supervisor: fork worker %d: %w", i, err)
		}
		started = append(started, w)
	}
	return started, nil
}

// Spawn starts one worker with the given id. Network transports use it to
// open the primary end of a link before the worker starts sending.
func (s *Supervisor) Spawn(ctx context.Context, id string) (*Worker, error) {
	w := &Worker{ID: id, done: make(chan struct{})}
	cmd := exec.CommandContext(ctx, s.program, s.args...)
	cmd.Env = append(os.Environ(), EnvRole+"="+roleWorker, EnvWorkerID+"="+w.ID)
	cmd.Env = append(cmd.Env, s.env...)
	cmd.Stderr = os.Stderr

	// Plain pipes: the stream owns the parent ends, so Wait never closes
	// them under a pending read.
	var childEnds []*os.File
	if s.stdio {
		childIn, toChild, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		fromChild, childOut, err := os.Pipe()
		if err != nil {
			_ = childIn.Close()
			_ = toChild.Close()
			return nil, err
		}
		cmd.Stdin = childIn
		cmd.Stdout = childOut
		childEnds = []*os.File{childIn, childOut}
		w.Channel = transport.NewStream(transport.Duplex(fromChild, toChild))
	}
	err := cmd.Start()
	for _, f := range childEnds {
		_ = f.Close()
	}
	if err != nil {
		if w.Channel != nil {
			_ = w.Channel.Close()
		}
		return nil, err
	}
	w.cmd = cmd

	log := s.log.WithFields(logrus.Fields{"worker": w.ID, "pid": cmd.Process.Pid})
	log.Info("worker started")
	go func() {
		w.err = cmd.Wait()
		if w.err != nil && ctx.Err() == nil {
			log.WithError(w.err).Warn("worker exited")
		} else {
			log.Debug("worker exited")
		}
		close(w.done)
	}()

	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()
	return w, nil
}

// Workers returns the workers forked so far.
func (s *Supervisor) Workers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Worker(nil), s.workers...)
}

// Wait blocks until every worker has exited and returns their exit errors.
func (s *Supervisor) Wait() error {
	var g errgroup.Group
	var mu sync.Mutex
	var errs []error
	for _, w := range s.Workers() {
		w := w
		g.Go(func() error {
			<-w.done
			if w.err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("worker %s: %w", w.ID, w.err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Stop hangs up every stdio link, which lets workers exit on their own, and
// kills the ones still running when ctx is done.
func (s *Supervisor) Stop(ctx context.Context) error {
	workers := s.Workers()
	for _, w := range workers {
		if w.Channel != nil {
			_ = w.Channel.Close()
		}
	}
	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			_ = w.cmd.Process.Kill()
			<-w.done
		}
	}
	return ctx.Err()
}
