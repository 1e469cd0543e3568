// Package execunit loads a code unit from a project, invokes one of its
// functions and evicts every unit it loaded from that project afterwards.
//
// Code units are Starlark files (any extension other than .wasm) or WASI
// modules (.wasm). Output goes to the relay writer of the request's call id.
package execunit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
	"github.com/shashfrankenstien/self-scheduler/internal/relay"
	"github.com/shashfrankenstien/self-scheduler/internal/workspace"
	logx "github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

type Config struct {
	// WorkspaceRoot is stripped from traces along with the project root.
	WorkspaceRoot string
	// LibraryPaths are shared directories searched after the project.
	// Units loaded from them stay cached across invocations.
	LibraryPaths []string
	// MaxSteps bounds Starlark computation per invocation; 0 means unlimited.
	MaxSteps uint64
	// EnvAllowlist names the environment variables readable through env().
	EnvAllowlist []string
	// DisableWasm rejects .wasm entry files.
	DisableWasm bool
}

// Request names one invocation.
type Request struct {
	// CallID selects the relay sink; empty writes to the relay fallback.
	CallID      string
	ProjectRoot string
	EntryFile   string
	EntryFunc   string
}

type Result struct {
	// Value is the rendered return value; empty for None.
	Value    string
	Duration time.Duration
	// Evicted lists the project units dropped from the cache afterwards.
	Evicted []string
}

type Executor struct {
	cfg    Config
	cache  UnitCache
	router relay.Router
	log    logx.Logger
}

func New(cfg Config, cache UnitCache, router relay.Router, log logx.Logger) *Executor {
	if cache == nil {
		cache = NewCache()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.WorkspaceRoot != "" {
		if abs, err := filepath.Abs(cfg.WorkspaceRoot); err == nil {
			cfg.WorkspaceRoot = abs
		}
	}
	libs := make([]string, 0, len(cfg.LibraryPaths))
	for _, p := range cfg.LibraryPaths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			libs = append(libs, abs)
		}
	}
	cfg.LibraryPaths = libs
	return &Executor{cfg: cfg, cache: cache, router: router, log: log}
}

func (x *Executor) Cache() UnitCache { return x.cache }

// Invoke runs req.EntryFunc from req.EntryFile.
//
// A missing file or symbol is a NotFound error. An error raised by user code
// is an *errdefs.ExecutionError with a redacted trace. Project units are
// evicted from the cache whatever the outcome.
func (x *Executor) Invoke(ctx context.Context, req Request) (res Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	root, err := filepath.Abs(req.ProjectRoot)
	if err != nil {
		return Result{}, errors.Wrap(err, "project root")
	}
	entry, err := workspace.ResolveEntryFile(root, req.EntryFile)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(req.EntryFunc) == "" {
		return Result{}, errdefs.NotFound("entry function not set")
	}

	start := time.Now()
	defer func() {
		res.Evicted = x.evict(root)
		res.Duration = time.Since(start)
	}()

	inv := &invocation{
		x:         x,
		ctx:       ctx,
		root:      root,
		entryPath: entry,
		entryDir:  filepath.Dir(entry),
		entryFunc: req.EntryFunc,
		out:       x.writer(req.CallID),
		loading:   map[string]bool{},
	}

	defer func() {
		if r := recover(); r != nil {
			x.log.Error("invoke panicked", logx.String("entry", req.EntryFile), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = &errdefs.ExecutionError{Msg: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	if strings.EqualFold(filepath.Ext(entry), ".wasm") {
		if x.cfg.DisableWasm {
			return Result{}, errdefs.Configuration("wasm entry files are disabled")
		}
		return inv.runWasm()
	}
	return inv.runStarlark()
}

// evict drops every cached unit under root. It never fails the invocation.
func (x *Executor) evict(root string) (out []string) {
	defer func() {
		if r := recover(); r != nil {
			x.log.Error("unit eviction failed", logx.String("root", x.Redact(root, root)), logx.Any("panic", r))
		}
	}()
	out = x.cache.Unload(root)
	if len(out) > 0 {
		x.log.Debug("units evicted", logx.Int("count", len(out)))
	}
	return out
}

func (x *Executor) writer(callID string) io.Writer {
	if x.router == nil {
		return os.Stdout
	}
	return x.router.Writer(callID)
}

// Redact strips the project root and the workspace root from s.
func (x *Executor) Redact(s, projectRoot string) string {
	return Redact(s, projectRoot, x.cfg.WorkspaceRoot)
}

// Redact removes every occurrence of the given absolute prefixes from s.
// Longer prefixes are applied first so a project root inside the workspace
// leaves paths relative to the project.
func Redact(s string, prefixes ...string) string {
	ps := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimRight(strings.TrimSpace(p), `/\`)
		if p != "" {
			ps = append(ps, p)
		}
	}
	// longest first
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && len(ps[j]) > len(ps[j-1]); j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
	for _, p := range ps {
		s = strings.ReplaceAll(s, p+string(filepath.Separator), "")
		s = strings.ReplaceAll(s, p, "")
	}
	return s
}
