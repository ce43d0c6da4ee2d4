package config

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// HotTerms wraps Terms with hot-reload support
type HotTerms struct {
	mu    sync.RWMutex
	terms *Terms
	path  string
	subs  []func(*Terms)
}

func NewHotTerms(path string) (*HotTerms, error) {
	terms, err := LoadTerms(path)
	if err != nil {
		return nil, err
	}
	return &HotTerms{terms: terms, path: path}, nil
}

func (ht *HotTerms) Get() *Terms {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return ht.terms
}

// OnReload registers a callback for terms-file changes
func (ht *HotTerms) OnReload(fn func(*Terms)) {
	ht.subs = append(ht.subs, fn)
}

func (ht *HotTerms) reload() {
	terms, err := LoadTerms(ht.path)
	if err != nil {
		slog.Error("terms reload failed", "err", err)
		return
	}
	ht.mu.Lock()
	ht.terms = terms
	ht.mu.Unlock()

	slog.Info("terms reloaded", "path", ht.path, "mappings", len(terms.Mappings))
	for _, fn := range ht.subs {
		fn(terms)
	}
}

// Watch starts watching the terms file for changes
func (ht *HotTerms) Watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("terms watcher failed", "err", err)
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					ht.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("terms watcher error", "err", err)
			}
		}
	}()

	if err := watcher.Add(ht.path); err != nil {
		slog.Error("watch terms file failed", "path", ht.path, "err", err)
	}
}
