// Package manager owns the set of running SyncTasks: it starts one per
// configured TaskConfig, tracks a handle per task, and stops them on
// shutdown. Each task runs in its own goroutine under a cancellable
// context, with a buffered control channel for commands and a done
// channel the handle's Wait blocks on.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsync-run/fsync/config"
	"github.com/fsync-run/fsync/remoteop"
	"github.com/fsync-run/fsync/synctask"
)

// TaskHandle is the externally visible control surface for one running
// task, mirroring SyncTaskHandle's config()/stop()/state() trio.
type TaskHandle struct {
	task   *synctask.Task
	cmds   chan synctask.Command
	cancel context.CancelFunc
	done   chan error
}

// Config returns the task's configuration.
func (h *TaskHandle) Config() config.TaskConfig {
	return h.task.Config()
}

// State reports the task's current lifecycle state.
func (h *TaskHandle) State() (synctask.State, error) {
	return h.task.State()
}

// Stop asks the task to flush its pending batch and exit. It does not
// block; use Wait to observe completion.
func (h *TaskHandle) Stop() {
	select {
	case h.cmds <- synctask.CommandStop:
	default:
		// A stop is already queued in the buffered cmds channel; cancel
		// guarantees forward progress regardless.
		h.cancel()
	}
}

// Wait blocks until the task's Run call returns and reports its error, if
// any.
func (h *TaskHandle) Wait() error {
	return <-h.done
}

// Manager owns every running task keyed by task ID. Unlike a single
// shared connection pool, each task carries its own Remote passed in at
// Start time, since configs can (and in practice do) point at different
// hosts.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*TaskHandle
	log   *slog.Logger
}

// New builds an empty Manager.
func New(log *slog.Logger) *Manager {
	return &Manager{
		tasks: make(map[string]*TaskHandle),
		log:   log,
	}
}

// Start launches a task for cfg against remote, unless a task with the
// same ID is already running. The task's Run loop is driven in a new
// goroutine under its own cancellable context derived from ctx.
func (m *Manager) Start(ctx context.Context, cfg config.TaskConfig, remote remoteop.Remote, opts ...synctask.Option) (*TaskHandle, error) {
	id := cfg.ID.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[id]; exists {
		return nil, fmt.Errorf("task %s already running", id)
	}

	task := synctask.New(cfg, opts...)
	taskCtx, cancel := context.WithCancel(ctx)
	handle := &TaskHandle{
		task:   task,
		cmds:   make(chan synctask.Command, 1),
		cancel: cancel,
		done:   make(chan error, 1),
	}

	go func() {
		handle.done <- task.Run(taskCtx, remote, handle.cmds)
	}()

	m.tasks[id] = handle
	if m.log != nil {
		m.log.Info("task started", "task", cfg.Name, "id", id)
	}
	return handle, nil
}

// Stop stops the task with the given ID, if running, and waits for it to
// finish. It is a no-op for an unknown ID.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	handle, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	handle.Stop()
	return handle.Wait()
}

// StopAll stops every running task concurrently and waits for all of them
// to finish, returning the first error encountered, if any.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	handles := make([]*TaskHandle, 0, len(m.tasks))
	for _, h := range m.tasks {
		handles = append(handles, h)
	}
	m.tasks = make(map[string]*TaskHandle)
	m.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}

	var firstErr error
	for _, h := range handles {
		if err := h.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Handles returns every currently tracked task handle.
func (m *Manager) Handles() []*TaskHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TaskHandle, 0, len(m.tasks))
	for _, h := range m.tasks {
		out = append(out, h)
	}
	return out
}
