package execunit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
)

// runWasm instantiates the entry module in a fresh runtime and calls the
// exported entry function. The project root is mounted as "/" and WASI
// stdout/stderr go to the call's output.
func (inv *invocation) runWasm() (Result, error) {
	ctx := inv.ctx
	bin, err := os.ReadFile(inv.entryPath)
	if err != nil {
		return Result{}, errdefs.NotFound("entry file %q not found", inv.rel(inv.entryPath))
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	defer func() { _ = rt.Close(context.Background()) }()

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return Result{}, errors.Wrap(err, "instantiate wasi")
	}

	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		return Result{}, inv.wasmError(errors.Wrap(err, "compile module"))
	}

	mc := wazero.NewModuleConfig().
		WithName(filepath.Base(inv.entryPath)).
		WithArgs(filepath.Base(inv.entryPath)).
		WithStdout(inv.out).
		WithStderr(inv.out).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(inv.root, "/")).
		WithSysWalltime().
		WithSysNanotime().
		WithStartFunctions() // entry function is called explicitly

	mod, err := rt.InstantiateModule(ctx, compiled, mc)
	if err != nil {
		return Result{}, inv.wasmError(errors.Wrap(err, "instantiate module"))
	}
	defer func() { _ = mod.Close(context.Background()) }()

	if initFn := mod.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			return Result{}, inv.wasmError(errors.Wrap(err, "_initialize"))
		}
	}

	fn := mod.ExportedFunction(inv.entryFunc)
	if fn == nil {
		return Result{}, errdefs.NotFound("function %q not exported by %s", inv.entryFunc, inv.rel(inv.entryPath))
	}
	if n := len(fn.Definition().ParamTypes()); n != 0 {
		return Result{}, errdefs.Configuration("function %q takes %d parameters; entry functions take none", inv.entryFunc, n)
	}

	out, err := fn.Call(ctx)
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 0 {
			return Result{}, nil
		}
		return Result{}, inv.wasmError(err)
	}
	vals := make([]string, len(out))
	for i, v := range out {
		vals[i] = fmt.Sprint(v)
	}
	return Result{Value: strings.Join(vals, " ")}, nil
}

func (inv *invocation) wasmError(err error) error {
	msg := inv.x.Redact(err.Error(), inv.root)
	if inv.ctx.Err() != nil {
		msg = inv.x.Redact(fmt.Sprintf("%s (%s)", msg, cancelReason(inv.ctx)), inv.root)
	}
	return &errdefs.ExecutionError{Msg: msg, Trace: msg}
}
