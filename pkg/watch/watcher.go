// Package watch runs the pickup simulation as a long-lived service: input
// artifacts dropped into an inbox directory are simulated and the output
// artifacts published for the external scheduler.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/resilience"
)

// DefaultDebounce is the quiet period after the last write event before a
// file is picked up.
const DefaultDebounce = 500 * time.Millisecond

// Inbox watches Dir for input artifacts and hands each one to Handle on a
// bounded worker pool. A handled file moves to Done; a failed one moves to
// Failed next to a <name>.error file holding the failure.
type Inbox struct {
	Dir    string
	Done   string
	Failed string
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
	// Workers defaults to 1.
	Workers int
	Handle  func(ctx context.Context, path string) error
	// Breaker, when set, holds back new work after repeated connection
	// failures.
	Breaker *resilience.CircuitBreaker
	Log     logrus.FieldLogger
}

// Accept reports whether name is an input artifact the inbox picks up.
// Hidden files, temporaries and draw outputs are skipped.
func Accept(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~") || strings.Contains(base, ".draws.") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".csv", ".parquet", ".pq":
		return true
	}
	return false
}

// Run processes the files already in Dir, then every file created or
// rewritten there, until ctx is done. In-flight handlers see the canceled
// context; their files stay in the inbox for the next start.
func (in *Inbox) Run(ctx context.Context) error {
	if in.Handle == nil {
		return sferrors.New(sferrors.CodeInvalidConfig, "inbox has no handler")
	}
	for _, dir := range []string{in.Dir, in.Done, in.Failed} {
		if dir == "" {
			return sferrors.New(sferrors.CodeInvalidConfig, "inbox, done and failed directories are required")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return sferrors.Wrapf(err, sferrors.CodeInvalidConfig, "create %s", dir)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(in.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", in.Dir, err)
	}

	log := in.logger()
	q := newQueue()
	workers := in.Workers
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				path, ok := q.pop()
				if !ok {
					return nil
				}
				if in.Breaker != nil {
					if err := in.Breaker.Wait(ctx); err != nil {
						q.done(path)
						return nil
					}
				}
				in.process(ctx, path)
				q.done(path)
			}
		})
	}

	entries, err := os.ReadDir(in.Dir)
	if err != nil {
		q.close()
		g.Wait()
		return fmt.Errorf("failed to scan %s: %w", in.Dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && Accept(e.Name()) {
			q.push(filepath.Join(in.Dir, e.Name()))
		}
	}
	log.WithFields(logrus.Fields{"inbox": in.Dir, "workers": workers, "backlog": q.len()}).Info("watching inbox")

	debounce := in.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timers := make(map[string]*time.Timer)
	var timerMu sync.Mutex

loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case event, ok := <-fw.Events:
			if !ok {
				break loop
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !Accept(event.Name) {
				continue
			}
			path := event.Name

			timerMu.Lock()
			if t, exists := timers[path]; exists {
				t.Stop()
			}
			timers[path] = time.AfterFunc(debounce, func() {
				timerMu.Lock()
				delete(timers, path)
				timerMu.Unlock()
				q.push(path)
			})
			timerMu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				break loop
			}
			log.WithError(err).Warn("watcher error")
		}
	}

	timerMu.Lock()
	for _, t := range timers {
		t.Stop()
	}
	timerMu.Unlock()
	q.close()
	g.Wait()
	return ctx.Err()
}

func (in *Inbox) process(ctx context.Context, path string) {
	// A debounced event can arrive after the file was already moved.
	if _, err := os.Stat(path); err != nil {
		return
	}
	log := in.logger().WithField("artifact", filepath.Base(path))
	start := time.Now()
	err := resilience.Safe(func() error { return in.Handle(ctx, path) })
	if ctx.Err() != nil {
		log.Warn("interrupted, left in inbox")
		return
	}
	if in.Breaker != nil {
		in.Breaker.Record(err)
	}
	if err != nil {
		log.WithError(err).WithField("code", sferrors.GetCode(err)).Error("artifact failed")
		if merr := in.move(path, in.Failed); merr != nil {
			log.WithError(merr).Error("move to failed directory")
			return
		}
		report := filepath.Join(in.Failed, filepath.Base(path)+".error")
		if werr := os.WriteFile(report, []byte(err.Error()+"\n"), 0o644); werr != nil {
			log.WithError(werr).Warn("write error report")
		}
		return
	}
	if merr := in.move(path, in.Done); merr != nil {
		log.WithError(merr).Error("move to done directory")
		return
	}
	log.WithField("elapsed", time.Since(start)).Info("artifact done")
}

// move renames path, and its job file if present, into dir.
func (in *Inbox) move(path, dir string) error {
	if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err != nil {
		return err
	}
	job := JobFile(path)
	if err := os.Rename(job, filepath.Join(dir, filepath.Base(job))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (in *Inbox) logger() logrus.FieldLogger {
	if in.Log != nil {
		return in.Log
	}
	return logrus.StandardLogger()
}

// queue is an unbounded FIFO that holds each path at most once while it is
// pending or being handled.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []string
	queued map[string]bool
	closed bool
}

func newQueue() *queue {
	q := &queue{queued: make(map[string]bool)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.queued[path] {
		return false
	}
	q.queued[path] = true
	q.items = append(q.items, path)
	q.cond.Signal()
	return true
}

// pop blocks for the next path. It returns false once the queue is closed;
// pending paths are dropped.
func (q *queue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return "", false
	}
	path := q.items[0]
	q.items = q.items[1:]
	return path, true
}

func (q *queue) done(path string) {
	q.mu.Lock()
	delete(q.queued, path)
	q.mu.Unlock()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
