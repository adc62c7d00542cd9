package policy

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the policy file into a Store whenever it changes on disk.
// Sessions already connected keep the snapshot they started with.
type Watcher struct {
	logger *log.Logger
	path   string
	store  *Store
	// onReload is called after every successful reload. Used in tests.
	onReload func(Rules)
}

func NewWatcher(logger *log.Logger, path string, store *Store) *Watcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Watcher{logger: logger, path: path, store: store}
}

// Run watches until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(w.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch policy dir %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("policy watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	rules, err := Load(w.path)
	if err != nil {
		w.logger.Printf("policy reload failed path=%s err=%v", w.path, err)
		return
	}
	w.store.Set(rules)
	w.logger.Printf("policy reloaded path=%s bypass_identities=%d read_only_tools=%d", w.path, len(rules.BypassIdentities), len(rules.ReadOnlyTools))
	if w.onReload != nil {
		w.onReload(rules)
	}
}
