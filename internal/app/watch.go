package app

import (
	"os"
	"sync"
	"time"
)

// FileWatcher polls a set of files and calls back when one of them is
// modified. Used to re-run integration when a detector writes a new frame
// or the controls are edited elsewhere.
type FileWatcher struct {
	mu            sync.Mutex
	paths         []string
	modTimes      map[string]time.Time
	checkInterval time.Duration
	stopCh        chan struct{}
	onChange      func(path string) // Called from the watch goroutine
}

// NewFileWatcher creates a watcher for paths. Empty paths are ignored and
// missing files count as changed once they appear.
func NewFileWatcher(checkInterval time.Duration, paths ...string) *FileWatcher {
	w := &FileWatcher{
		modTimes:      make(map[string]time.Time),
		checkInterval: checkInterval,
		stopCh:        make(chan struct{}),
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		w.paths = append(w.paths, p)
		w.modTimes[p] = modTime(p)
	}
	return w
}

// OnChange sets the callback to invoke when a watched file changes.
func (w *FileWatcher) OnChange(callback func(path string)) {
	w.mu.Lock()
	w.onChange = callback
	w.mu.Unlock()
}

// Start begins watching in a background goroutine.
func (w *FileWatcher) Start() {
	// Fresh stop channel in case we're restarting
	w.stopCh = make(chan struct{})
	go w.watchLoop(w.stopCh)
}

// Stop stops the watcher goroutine.
func (w *FileWatcher) Stop() {
	close(w.stopCh)
}

func (w *FileWatcher) watchLoop(stop chan struct{}) {
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, p := range w.Changed() {
				w.mu.Lock()
				cb := w.onChange
				w.mu.Unlock()
				if cb != nil {
					cb(p)
				}
			}
		}
	}
}

// Changed returns the watched files modified since the last check and
// moves their baseline forward.
func (w *FileWatcher) Changed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var changed []string
	for _, p := range w.paths {
		t := modTime(p)
		if !t.Equal(w.modTimes[p]) {
			w.modTimes[p] = t
			if !t.IsZero() {
				changed = append(changed, p)
			}
		}
	}
	return changed
}

// modTime returns the modification time of path, or zero if it cannot be read.
func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
