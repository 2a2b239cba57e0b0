package http

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"tabmodel/model"
)

// ErrModelNotFound 未注册的模型ID
var ErrModelNotFound = errors.New("model not found")

// Registry 将对外的模型ID映射到制品路径，模型本身由 model.Cache 加载和缓存
type Registry struct {
	cache *model.Cache

	mu    sync.RWMutex
	paths map[string]string
}

// NewRegistry 创建模型注册表
func NewRegistry(cache *model.Cache) *Registry {
	return &Registry{cache: cache, paths: make(map[string]string)}
}

// Register 加载 path 处的制品并以 id 注册；id 为空时使用制品中的模型ID
func (r *Registry) Register(id, path string) (string, error) {
	m, err := r.cache.Get(path)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = m.ID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.paths[id]; ok && existing != path {
		return "", fmt.Errorf("model id %q already registered for %s", id, existing)
	}
	r.paths[id] = path
	return id, nil
}

// Get 返回模型；制品文件变化后会重新加载
func (r *Registry) Get(id string) (*model.Model, error) {
	r.mu.RLock()
	path, ok := r.paths[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrModelNotFound
	}
	return r.cache.Get(path)
}

// IDs 已注册的模型ID（排序）
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.paths))
	for id := range r.paths {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Path(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paths[id]
}
