package ruleconfig

import (
	"time"

	"github.com/fsnotify/fsnotify"

	"relaycore/internal/shared/goroutine"
	"relaycore/internal/shared/logger"
	"relaycore/internal/shared/utils/logutil"
)

// validationErrorLogLimit bounds how much of a go-playground/validator
// error string (one entry per invalid field, across every rule in the
// file) lands in a single log line.
const validationErrorLogLimit = 500

// debounceWindow absorbs the burst of write/chmod events most editors
// and `kubectl cp`-style tools emit for a single logical save.
const debounceWindow = 250 * time.Millisecond

// ReconcileFunc receives the freshly parsed and validated rule set
// every time the watched file changes. It is the caller's
// responsibility to diff it against persisted state and activate or
// deactivate rules accordingly.
type ReconcileFunc func(rules []ParsedRule)

// Watcher observes a rules file for changes and reports reparsed,
// validated content to a ReconcileFunc. It does not itself persist or
// activate anything — a way to enumerate and observe rule changes,
// nothing more.
type Watcher struct {
	path      string
	reconcile ReconcileFunc
	log       logger.Interface
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a Watcher for path, performing one synchronous
// load so the caller has an initial rule set before Start returns.
func NewWatcher(path string, reconcile ReconcileFunc, log logger.Interface) (*Watcher, []ParsedRule, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := ToDomain(doc)
	if err != nil {
		return nil, nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	w := &Watcher{
		path:      path,
		reconcile: reconcile,
		log:       log,
		fsWatcher: fsWatcher,
		done:      make(chan struct{}),
	}
	return w, parsed, nil
}

// Start watches the rules file's containing directory for changes (not
// the file itself — editors commonly replace a file via rename rather
// than writing it in place, which would orphan a direct watch).
func (w *Watcher) Start() error {
	dir := dirOf(w.path)
	if err := w.fsWatcher.Add(dir); err != nil {
		return err
	}
	goroutine.SafeGo(w.log, "ruleconfig-watcher", w.loop)
	return nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.touchesRulesFile(event) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounceWindow, w.reload)
			} else {
				timer.Reset(debounceWindow)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("rule config watcher error", "error", err)
		}
	}
}

func (w *Watcher) touchesRulesFile(event fsnotify.Event) bool {
	return event.Name == w.path &&
		(event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0)
}

func (w *Watcher) reload() {
	doc, err := Load(w.path)
	if err != nil {
		w.log.Warnw("failed to reload rules file", "path", w.path, "error", err)
		return
	}
	parsed, err := ToDomain(doc)
	if err != nil {
		w.log.Warnw("rules file failed validation, keeping prior rule set", "path", w.path, "error", logutil.TruncateForLog(err.Error(), validationErrorLogLimit))
		return
	}
	w.reconcile(parsed)
}

// Close stops the watch loop and releases the underlying inotify
// handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
