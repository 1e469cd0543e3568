package execunit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
)

// answerWasm exports "answer" () -> i32 returning 42.
var answerWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, 'a', 'n', 's', 'w', 'e', 'r', 0x00, 0x00,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, 0x2a, 0x0b,
}

// boomWasm exports "boom" () -> () which traps.
var boomWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x08, 0x01, 0x04, 'b', 'o', 'o', 'm', 0x00, 0x00,
	0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b,
}

func writeBin(t *testing.T, root, name string, b []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, name), b, 0o644))
}

func TestWasmEntryReturnsValue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	writeBin(t, f.root, "answer.wasm", answerWasm)

	_, res, err := f.invoke(t, context.Background(), "answer.wasm", "answer")
	require.NoError(t, err)
	assert.Equal(t, "42", res.Value)
}

func TestWasmMissingExport(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	writeBin(t, f.root, "answer.wasm", answerWasm)

	_, _, err := f.invoke(t, context.Background(), "answer.wasm", "question")
	assert.True(t, errdefs.IsNotFound(err), "got %v", err)
}

func TestWasmTrapIsExecutionError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	writeBin(t, f.root, "boom.wasm", boomWasm)

	_, _, err := f.invoke(t, context.Background(), "boom.wasm", "boom")
	ee, ok := errdefs.AsExecution(err)
	require.True(t, ok, "got %v", err)
	assert.NotContains(t, ee.Trace, f.ws)
}

func TestWasmGarbageIsExecutionError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	writeBin(t, f.root, "junk.wasm", []byte("not wasm"))

	_, _, err := f.invoke(t, context.Background(), "junk.wasm", "main")
	_, ok := errdefs.AsExecution(err)
	assert.True(t, ok, "got %v", err)
}

func TestWasmDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{DisableWasm: true})
	writeBin(t, f.root, "answer.wasm", answerWasm)

	_, _, err := f.invoke(t, context.Background(), "answer.wasm", "answer")
	assert.True(t, errdefs.IsConfiguration(err), "got %v", err)
}
