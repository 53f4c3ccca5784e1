package skills

import (
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/helix-bi/helix/go/pipeline/internal/idempotency"
	"github.com/helix-bi/helix/go/pipeline/internal/registry"
)

// Watcher hot-reloads skill files. Edited files are re-parsed and
// replace the library entry; the matching skill_* tool is re-resolved
// lazily by the invoke closure, so the registry needs updating only on
// add/remove. Cached results for the reloaded tool are invalidated so
// ETERNAL-cached skill content never outlives the file it came from.
type Watcher struct {
	lib     *Library
	reg     *registry.Registry
	cache   *idempotency.Cache
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	done    chan struct{}
}

// NewWatcher starts watching dir. cache may be nil when the pipeline
// runs without an idempotency cache.
func NewWatcher(dir string, lib *Library, reg *registry.Registry, cache *idempotency.Cache, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{lib: lib, reg: reg, cache: cache, watcher: fw, logger: logger, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.reload(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.removeByPath(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Skill watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(path string) {
	entry, err := LoadFile(path)
	if err != nil {
		w.logger.Warn("Failed to reload skill", zap.String("path", path), zap.Error(err))
		return
	}
	_, existed := w.lib.Get(entry.Skill.Name)
	w.lib.Put(entry)
	if !existed && entry.Skill.Enabled {
		if err := w.reg.Register(descriptorFor(w.lib, entry.Skill.Name)); err != nil {
			w.logger.Warn("Failed to register reloaded skill tool", zap.Error(err))
		}
	}
	w.invalidate(entry.Skill.Name)
	w.logger.Info("Reloaded skill",
		zap.String("skill", entry.Skill.Name),
		zap.String("path", path),
	)
}

// invalidate drops cached envelopes for the skill's tool so the next
// invocation re-reads the new content.
func (w *Watcher) invalidate(name string) {
	if w.cache == nil {
		return
	}
	if n := w.cache.InvalidateTool(ToolID(name)); n > 0 {
		w.logger.Info("Invalidated cached skill results",
			zap.String("skill", name),
			zap.Int("entries", n),
		)
	}
}

func (w *Watcher) removeByPath(path string) {
	for _, e := range w.lib.List() {
		if e.SourcePath == path {
			w.lib.Remove(e.Skill.Name)
			w.reg.Unregister(ToolID(e.Skill.Name))
			w.invalidate(e.Skill.Name)
			w.logger.Info("Removed skill", zap.String("skill", e.Skill.Name))
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
