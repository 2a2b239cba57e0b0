package model

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"tabmodel/features"
)

const DefaultCacheSize = 16

type CacheOption func(*Cache)

func WithLogger(log *zap.Logger) CacheOption {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// WithWatch invalidates cached models when their artifact file changes.
func WithWatch(watch bool) CacheOption {
	return func(c *Cache) {
		c.watchFiles = watch
	}
}

// WithLoader replaces LoadFile, mainly for tests.
func WithLoader(load func(path string) (*Model, error)) CacheOption {
	return func(c *Cache) {
		c.load = load
	}
}

// WithEncoderOptions passes feature encoder options to LoadFile.
func WithEncoderOptions(opts ...features.Option) CacheOption {
	return func(c *Cache) {
		c.load = func(path string) (*Model, error) {
			return LoadFile(path, opts...)
		}
	}
}

// Cache maps artifact paths to loaded models. It is created by the caller
// and injected where needed; there is no process-wide instance.
type Cache struct {
	models     *lru.Cache[string, *Model]
	load       func(path string) (*Model, error)
	group      singleflight.Group
	log        *zap.Logger
	watchFiles bool

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	dirs    map[string]struct{}
	// loading holds paths with a load in flight; true once the file changed
	// during the load.
	loading map[string]bool
	done    chan struct{}
}

func NewCache(size int, opts ...CacheOption) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c := &Cache{
		load: func(path string) (*Model, error) { return LoadFile(path) },
		log:  zap.NewNop(),
		dirs:    make(map[string]struct{}),
		loading: make(map[string]bool),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	models, err := lru.NewWithEvict[string, *Model](size, func(path string, m *Model) {
		c.log.Debug("model evicted", zap.String("path", path), zap.String("model_id", m.ID()))
	})
	if err != nil {
		return nil, err
	}
	c.models = models

	if c.watchFiles {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		c.watcher = watcher
		go c.run()
	}
	return c, nil
}

// Get returns the cached model for path, loading it on a miss. Concurrent
// misses for the same path share one load.
func (c *Cache) Get(path string) (*Model, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if m, ok := c.models.Get(key); ok {
		return m, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if m, ok := c.models.Get(key); ok {
			return m, nil
		}
		c.watch(key)
		c.mu.Lock()
		c.loading[key] = false
		c.mu.Unlock()

		m, err := c.load(key)

		c.mu.Lock()
		defer c.mu.Unlock()
		changed := c.loading[key]
		delete(c.loading, key)
		if err != nil {
			return nil, err
		}
		if changed {
			// serve this load once but leave the next Get to read the new file
			c.log.Info("model changed while loading", zap.String("path", key))
			return m, nil
		}
		c.models.Add(key, m)
		c.log.Info("model loaded", zap.String("path", key), zap.String("model_id", m.ID()))
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

// Invalidate drops path from the cache; the next Get reloads it.
func (c *Cache) Invalidate(path string) bool {
	key, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return c.models.Remove(key)
}

// Preload loads paths concurrently and stops at the first failure.
func (c *Cache) Preload(ctx context.Context, paths ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := c.Get(path)
			return err
		})
	}
	return g.Wait()
}

func (c *Cache) Len() int {
	return c.models.Len()
}

func (c *Cache) Paths() []string {
	return c.models.Keys()
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher == nil {
		return nil
	}
	close(c.done)
	err := c.watcher.Close()
	c.watcher = nil
	return err
}

// watch adds the artifact's directory so atomic replacements via rename are
// seen as well as in-place writes.
func (c *Cache) watch(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher == nil {
		return
	}
	dir := filepath.Dir(path)
	if _, ok := c.dirs[dir]; ok {
		return
	}
	if err := c.watcher.Add(dir); err != nil {
		c.log.Warn("watch artifact directory failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	c.dirs[dir] = struct{}{}
}

func (c *Cache) invalidate(key string, op fsnotify.Op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.loading[key]; ok {
		c.loading[key] = true
	}
	if c.models.Remove(key) {
		c.log.Info("model invalidated", zap.String("path", key), zap.String("op", op.String()))
	}
}

func (c *Cache) run() {
	const changed = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	watcher := c.watcher
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&changed == 0 {
				continue
			}
			c.invalidate(filepath.Clean(ev.Name), ev.Op)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn("artifact watcher error", zap.Error(err))
		case <-c.done:
			return
		}
	}
}
