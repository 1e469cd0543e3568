package execunit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
	"github.com/shashfrankenstien/self-scheduler/internal/workspace"
)

func init() {
	// User code is written as small Python-like scripts; allow the
	// statements people expect to work there.
	resolve.AllowSet = true
	resolve.AllowGlobalReassign = true
	resolve.AllowRecursion = true
}

const threadKeyInvocation = "selfsched.invocation"

// invocation is the per-call state. It is reachable from builtins through
// the Starlark thread local.
type invocation struct {
	x         *Executor
	ctx       context.Context
	root      string
	entryPath string
	entryDir  string
	entryFunc string
	out       io.Writer

	// loading tracks units being loaded by this call, for cycle detection.
	loading map[string]bool
}

func (inv *invocation) runStarlark() (Result, error) {
	thread := &starlark.Thread{
		Name:  "invoke " + filepath.Base(inv.entryPath),
		Print: func(_ *starlark.Thread, msg string) { _, _ = io.WriteString(inv.out, msg+"\n") },
		Load:  inv.load,
	}
	thread.SetLocal(threadKeyInvocation, inv)
	if inv.x.cfg.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(inv.x.cfg.MaxSteps)
	}
	stop := context.AfterFunc(inv.ctx, func() {
		thread.Cancel(cancelReason(inv.ctx))
	})
	defer stop()

	src, err := os.ReadFile(inv.entryPath)
	if err != nil {
		return Result{}, errdefs.NotFound("entry file %q not found", inv.rel(inv.entryPath))
	}

	inv.loading[inv.entryPath] = true
	globals, err := starlark.ExecFile(thread, inv.entryPath, src, inv.predeclared())
	delete(inv.loading, inv.entryPath)
	if err != nil {
		return Result{}, inv.execError(err)
	}
	inv.x.cache.Put(&Unit{Path: inv.entryPath, Globals: globals, LoadedAt: time.Now()})

	fn, ok := globals[inv.entryFunc].(starlark.Callable)
	if !ok {
		return Result{}, errdefs.NotFound("function %q not found in %s", inv.entryFunc, inv.rel(inv.entryPath))
	}

	v, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return Result{}, inv.execError(err)
	}
	return Result{Value: render(v)}, nil
}

func render(v starlark.Value) string {
	if v == nil || v == starlark.None {
		return ""
	}
	if s, ok := v.(starlark.String); ok {
		return string(s)
	}
	return v.String()
}

func cancelReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return "cancelled"
}

// execError turns an interpreter error into a redacted ExecutionError.
func (inv *invocation) execError(err error) error {
	msg := err.Error()
	trace := msg
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		msg = ee.Msg
		trace = ee.Backtrace()
	}
	return &errdefs.ExecutionError{
		Msg:   inv.x.Redact(msg, inv.root),
		Trace: inv.x.Redact(trace, inv.root),
	}
}

func (inv *invocation) rel(p string) string {
	if r, err := filepath.Rel(inv.root, p); err == nil && !strings.HasPrefix(r, "..") {
		return filepath.ToSlash(r)
	}
	return inv.x.Redact(p, inv.root)
}

// load resolves a load() statement: entry directory, project root, then the
// shared library paths.
func (inv *invocation) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	path, err := inv.resolveModule(module)
	if err != nil {
		return nil, err
	}
	if inv.loading[path] {
		return nil, fmt.Errorf("cycle in load graph at %s", module)
	}
	inv.loading[path] = true
	defer delete(inv.loading, path)

	u, err := inv.x.cache.Load(path, func() (starlark.StringDict, error) {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return starlark.ExecFile(thread, path, src, inv.predeclared())
	})
	if err != nil {
		return nil, err
	}
	return u.Globals, nil
}

func (inv *invocation) resolveModule(module string) (string, error) {
	rel := filepath.FromSlash(strings.TrimSpace(module))
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("cannot load %q: module paths are relative", module)
	}
	dirs := []string{inv.entryDir}
	if inv.root != inv.entryDir {
		dirs = append(dirs, inv.root)
	}
	for _, dir := range dirs {
		p := filepath.Join(dir, rel)
		if !workspace.HasPathPrefix(p, inv.root) {
			continue
		}
		if isFile(p) {
			return p, nil
		}
	}
	for _, dir := range inv.x.cfg.LibraryPaths {
		p := filepath.Join(dir, rel)
		if !workspace.HasPathPrefix(p, dir) {
			continue
		}
		if isFile(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("cannot load %q: not found", module)
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

func (inv *invocation) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"json":       starjson.Module,
		"math":       starmath.Module,
		"time":       startime.Module,
		"struct":     starlark.NewBuiltin("struct", starlarkstruct.Make),
		"sleep":      starlark.NewBuiltin("sleep", builtinSleep),
		"getcwd":     starlark.NewBuiltin("getcwd", builtinGetcwd),
		"read_file":  starlark.NewBuiltin("read_file", builtinReadFile),
		"write_file": starlark.NewBuiltin("write_file", builtinWriteFile),
		"listdir":    starlark.NewBuiltin("listdir", builtinListdir),
		"env":        starlark.NewBuiltin("env", builtinEnv),
	}
}

func invocationOf(thread *starlark.Thread) (*invocation, error) {
	inv, ok := thread.Local(threadKeyInvocation).(*invocation)
	if !ok || inv == nil {
		return nil, fmt.Errorf("no invocation bound to thread")
	}
	return inv, nil
}

func builtinSleep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var secs starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &secs); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(secs)
	if !ok || f < 0 {
		return nil, fmt.Errorf("%s: want a non-negative number, got %s", b.Name(), secs.Type())
	}
	inv, err := invocationOf(thread)
	if err != nil {
		return nil, err
	}
	t := time.NewTimer(time.Duration(f * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return starlark.None, nil
	case <-inv.ctx.Done():
		return nil, fmt.Errorf("%s: %s", b.Name(), cancelReason(inv.ctx))
	}
}

func builtinGetcwd(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	inv, err := invocationOf(thread)
	if err != nil {
		return nil, err
	}
	return starlark.String(inv.root), nil
}

// workPath resolves p against the call's working directory (the project root).
func workPath(thread *starlark.Thread, fn, p string) (string, error) {
	inv, err := invocationOf(thread)
	if err != nil {
		return "", err
	}
	if p == "." || p == "" {
		return inv.root, nil
	}
	abs, err := workspace.Within(inv.root, p)
	if err != nil {
		return "", fmt.Errorf("%s: path %q is outside the project", fn, p)
	}
	return abs, nil
}

func builtinReadFile(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
		return nil, err
	}
	abs, err := workPath(thread, b.Name(), p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot read %q", b.Name(), p)
	}
	return starlark.String(data), nil
}

func builtinWriteFile(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p, data string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p, "data", &data); err != nil {
		return nil, err
	}
	abs, err := workPath(thread, b.Name(), p)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(abs, []byte(data), 0o644); err != nil {
		return nil, fmt.Errorf("%s: cannot write %q", b.Name(), p)
	}
	return starlark.MakeInt(len(data)), nil
}

func builtinListdir(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	p := "."
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path?", &p); err != nil {
		return nil, err
	}
	abs, err := workPath(thread, b.Name(), p)
	if err != nil {
		return nil, err
	}
	ents, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot list %q", b.Name(), p)
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	vals := make([]starlark.Value, len(names))
	for i, n := range names {
		vals[i] = starlark.String(n)
	}
	return starlark.NewList(vals), nil
}

func builtinEnv(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	inv, err := invocationOf(thread)
	if err != nil {
		return nil, err
	}
	for _, allowed := range inv.x.cfg.EnvAllowlist {
		if allowed == name {
			if v, ok := os.LookupEnv(name); ok {
				return starlark.String(v), nil
			}
			break
		}
	}
	return def, nil
}
