package engine

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/restack/internal/eventlog"
)

const debounceTime = 100 * time.Millisecond

// Watcher monitors a repository's .git directory and records ref movements
// made by other tools as observed events. It keeps a snapshot of branch
// targets and diffs against it after each burst of filesystem activity.
type Watcher struct {
	engine *Engine
	gitDir string

	mu   sync.Mutex
	refs map[string]plumbing.Hash
	head plumbing.Hash

	wg sync.WaitGroup
}

// NewWatcher builds a watcher over the given .git directory.
func NewWatcher(engine *Engine, gitDir string) *Watcher {
	return &Watcher{engine: engine, gitDir: gitDir}
}

// Start begins watching. The initial snapshot is taken before the watch so
// changes made by this process itself are not re-observed later.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.snapshot(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range []string{w.gitDir, filepath.Join(w.gitDir, "refs", "heads")} {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}

	w.wg.Add(1)
	go w.watchLoop(ctx, watcher)

	log.Println("watching repository for ref changes")
	return nil
}

// Wait blocks until the watch loop has exited.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

func (w *Watcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	defer watcher.Close()

	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if shouldIgnoreEvent(event) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceTime, w.observeChanges)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher error: %v", err)
		}
	}
}

func shouldIgnoreEvent(event fsnotify.Event) bool {
	base := filepath.Base(event.Name)

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return true
	}
	if strings.HasSuffix(base, ".lock") {
		return true
	}
	if strings.Contains(event.Name, string(filepath.Separator)+"logs"+string(filepath.Separator)) {
		return true
	}
	if base == "config" || base == "index" || base == "restack" {
		return true
	}

	return false
}

// observeChanges diffs the current refs against the last snapshot and
// records one observed event per moved ref.
func (w *Watcher) observeChanges() {
	w.mu.Lock()
	defer w.mu.Unlock()

	refs, err := w.engine.objects.ListRefs()
	if err != nil {
		log.Printf("watcher: list refs: %v", err)
		return
	}
	head, _ := w.engine.objects.ReadRef("HEAD")

	for name, target := range refs {
		if w.refs[name] == target {
			continue
		}
		if _, err := w.engine.Observe(eventlog.KindRefUpdate, name, w.refs[name], target); err != nil {
			log.Printf("watcher: record %s: %v", name, err)
		}
	}
	for name, target := range w.refs {
		if _, ok := refs[name]; ok {
			continue
		}
		if _, err := w.engine.Observe(eventlog.KindRefUpdate, name, target, plumbing.ZeroHash); err != nil {
			log.Printf("watcher: record %s: %v", name, err)
		}
	}
	if head != w.head {
		if _, err := w.engine.Observe(eventlog.KindCheckout, "", w.head, head); err != nil {
			log.Printf("watcher: record checkout: %v", err)
		}
	}

	w.refs = refs
	w.head = head
}

func (w *Watcher) snapshot() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	refs, err := w.engine.objects.ListRefs()
	if err != nil {
		return err
	}
	w.refs = refs
	w.head, _ = w.engine.objects.ReadRef("HEAD")
	return nil
}
