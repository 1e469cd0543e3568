package execunit

import (
	"sort"
	"sync"
	"time"

	"go.starlark.net/starlark"

	"github.com/shashfrankenstien/self-scheduler/internal/workspace"
)

// Unit is one loaded code unit.
type Unit struct {
	Path     string
	Globals  starlark.StringDict
	LoadedAt time.Time
}

// UnitCache is the table of loaded code units, keyed by absolute path.
//
// Load runs loader outside the cache lock so nested loads can re-enter the
// cache; when two callers race on the same path the first insert wins.
type UnitCache interface {
	Load(path string, loader func() (starlark.StringDict, error)) (*Unit, error)
	Put(u *Unit)
	Unload(prefix string) []string
	Paths() []string
	Len() int
}

type memCache struct {
	mu    sync.Mutex
	units map[string]*Unit
}

func NewCache() UnitCache {
	return &memCache{units: map[string]*Unit{}}
}

func (c *memCache) Load(path string, loader func() (starlark.StringDict, error)) (*Unit, error) {
	c.mu.Lock()
	if u, ok := c.units[path]; ok {
		c.mu.Unlock()
		return u, nil
	}
	c.mu.Unlock()

	g, err := loader()
	if err != nil {
		return nil, err
	}
	if g != nil {
		g.Freeze()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.units[path]; ok {
		return u, nil
	}
	u := &Unit{Path: path, Globals: g, LoadedAt: time.Now()}
	c.units[path] = u
	return u, nil
}

func (c *memCache) Put(u *Unit) {
	if u == nil {
		return
	}
	c.mu.Lock()
	c.units[u.Path] = u
	c.mu.Unlock()
}

// Unload evicts every unit at or below prefix and returns the evicted paths.
func (c *memCache) Unload(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for p := range c.units {
		if workspace.HasPathPrefix(p, prefix) {
			delete(c.units, p)
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (c *memCache) Paths() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.units))
	for p := range c.units {
		out = append(out, p)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

func (c *memCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.units)
}
