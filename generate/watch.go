package generate

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/logger"
)

// CatalogSource yields the catalog to build the next request from
type CatalogSource interface {
	Current() *Catalog
}

// Current returns c. A parsed catalog is its own fixed source.
func (c *Catalog) Current() *Catalog { return c }

// CatalogWatcher serves a catalog file and reloads it when the file
// changes. A reload that fails to parse keeps the previous catalog, so
// jobs never see a half-edited template.
type CatalogWatcher struct {
	path     string
	current  atomic.Pointer[Catalog]
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload func(*Catalog)

	mu     sync.Mutex
	timer  *time.Timer
	done   chan struct{}
	logger *zap.SugaredLogger
}

// WatchCatalogFile loads path and starts watching it. The directory is
// watched rather than the file so editors that replace the file on save
// are still seen.
func WatchCatalogFile(path string, log *zap.SugaredLogger) (*CatalogWatcher, error) {
	if log == nil {
		log = logger.Logger
	}
	c, err := LoadCatalogFile(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create catalog watcher")
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", filepath.Dir(path))
	}

	cw := &CatalogWatcher{
		path:     filepath.Clean(path),
		watcher:  w,
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
		logger:   log.Named("catalog").With("path", path),
	}
	cw.current.Store(c)
	go cw.watchLoop()
	return cw, nil
}

// Current returns the last catalog that parsed
func (cw *CatalogWatcher) Current() *Catalog {
	return cw.current.Load()
}

// OnReload registers fn to run after each successful reload. Call before
// the file can change.
func (cw *CatalogWatcher) OnReload(fn func(*Catalog)) {
	cw.mu.Lock()
	cw.onReload = fn
	cw.mu.Unlock()
}

// Close stops watching
func (cw *CatalogWatcher) Close() error {
	err := cw.watcher.Close()
	<-cw.done
	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.mu.Unlock()
	return err
}

func (cw *CatalogWatcher) watchLoop() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				cw.logger.Debugw("Catalog change detected", "op", event.Op.String())
				cw.scheduleReload()
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warnw("Catalog watcher error", logger.FieldError, err)
		}
	}
}

// scheduleReload debounces bursts of events from a single save
func (cw *CatalogWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, cw.reload)
}

func (cw *CatalogWatcher) reload() {
	c, err := LoadCatalogFile(cw.path)
	if err != nil {
		cw.logger.Errorw("Catalog reload failed, keeping previous catalog", logger.FieldError, err)
		return
	}
	cw.current.Store(c)
	cw.logger.Infow("Catalog reloaded", "kinds", len(c.Kinds))

	cw.mu.Lock()
	fn := cw.onReload
	cw.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}
