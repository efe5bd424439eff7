// Package modelcache 保存已加载的大模型句柄，按显存余量做准入控制。
//
// 缓存只准入不淘汰：句柄一旦进入缓存，任务运行期间不会被移除，
// 因此正在合成的调用永远不会看到自己的模型被释放。只有进程退出前的
// Close 会统一释放所有句柄。
package modelcache

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/iabetor/narrator/internal/logger"
)

// Handle 已加载模型的不透明句柄。
type Handle interface {
	Close() error
}

// Key 缓存键。Custom 为空表示仓库默认模型。
// Dir 是解析后的模型目录（绝对路径），Options 是加载时固化进句柄的参数，
// 二者都属于模型身份：目录或参数不同的句柄不会互相命中。
type Key struct {
	Engine  string
	Variant string
	Custom  string
	Dir     string
	Options string
}

// String 返回形如 "vits-default" 或 "vits-custom-<name>" 的键文本，只用于日志与展示。
func (k Key) String() string {
	base := k.Engine
	if k.Variant != "" {
		base += "-" + k.Variant
	}
	if k.Custom != "" {
		return base + "-custom-" + k.Custom
	}
	return base + "-default"
}

// Entry 缓存中的一条记录。
type Entry struct {
	Key    Key
	Handle Handle
	Size   uint64
}

// Observer 接收准入结果，通常由指标模块实现。
type Observer interface {
	ObserveAdmission(admitted bool, resident uint64)
}

// Cache 模型句柄缓存，可被多个任务并发读取。
type Cache struct {
	mu           sync.RWMutex
	entries      map[Key]*Entry
	resident     uint64
	lastSnapshot uint64
	observer     Observer
}

// New 创建空缓存。observer 可以为 nil。
func New(observer Observer) *Cache {
	return &Cache{
		entries:  make(map[Key]*Entry),
		observer: observer,
	}
}

// Lookup 查找已缓存的句柄。
func (c *Cache) Lookup(key Key) (Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.Handle, true
}

// MaybeInsert 在 freeSnapshot > resident+size 时准入句柄并返回 true。
// 被拒绝的句柄仍归调用方所有，可以使用一次，但不会被保留。
// 同一个键已存在时不做任何修改并返回 true。
func (c *Cache) MaybeInsert(key Key, h Handle, size, freeSnapshot uint64) bool {
	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return true
	}

	admitted := freeSnapshot > c.resident+size
	if admitted {
		c.entries[key] = &Entry{Key: key, Handle: h, Size: size}
		c.resident += size
		c.lastSnapshot = freeSnapshot
	}
	resident := c.resident
	c.mu.Unlock()

	if admitted {
		logger.Infof("[modelcache] 已缓存 %s (size=%d, resident=%d, free=%d)", key, size, resident, freeSnapshot)
	} else {
		logger.Warnf("[modelcache] 显存不足，不缓存 %s (size=%d, resident=%d, free=%d)", key, size, resident, freeSnapshot)
	}
	if c.observer != nil {
		c.observer.ObserveAdmission(admitted, resident)
	}
	return admitted
}

// ResidentSize 返回已缓存句柄的总大小。
func (c *Cache) ResidentSize() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resident
}

// LastAdmissionSnapshot 返回最近一次成功准入时的可用显存快照。
func (c *Cache) LastAdmissionSnapshot() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSnapshot
}

// Len 返回缓存条目数量。
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys 按字典序返回所有缓存键的文本。
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return keys
}

// Close 释放所有句柄，只能在所有任务结束后调用。
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for k, e := range c.entries {
		if cerr := e.Handle.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("关闭 %s 失败: %w", k, cerr))
		}
	}
	c.entries = make(map[Key]*Entry)
	c.resident = 0
	return err
}
