package execunit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
	"github.com/shashfrankenstien/self-scheduler/internal/relay"
	logx "github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

type fixture struct {
	ws    string
	root  string
	relay *relay.Relay
	x     *Executor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ws := t.TempDir()
	root := filepath.Join(ws, "me@example.com", "demo", "src")
	require.NoError(t, os.MkdirAll(root, 0o755))
	r, err := relay.New(relay.Config{}, io.Discard)
	require.NoError(t, err)
	cfg.WorkspaceRoot = ws
	return &fixture{ws: ws, root: root, relay: r, x: New(cfg, NewCache(), r, logx.Nop())}
}

func (f *fixture) write(t *testing.T, rel, src string) {
	t.Helper()
	p := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
}

// invoke runs one call and returns the lines it printed.
func (f *fixture) invoke(t *testing.T, ctx context.Context, file, fn string) ([]string, Result, error) {
	t.Helper()
	var (
		mu    sync.Mutex
		lines []string
	)
	id := fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
	var res Result
	err := f.relay.Capture(id, func(line string, _ bool) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}, func() error {
		var err error
		res, err = f.x.Invoke(ctx, Request{CallID: id, ProjectRoot: f.root, EntryFile: file, EntryFunc: fn})
		return err
	})
	return lines, res, err
}

func (f *fixture) projectUnits() []string {
	var out []string
	for _, p := range f.x.Cache().Paths() {
		if strings.HasPrefix(p, f.root) {
			out = append(out, p)
		}
	}
	return out
}

func TestHelloWorld(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.write(t, "main.py", "def main():\n    print(\"Hello World!\")\n    return \"done\"\n")

	lines, res, err := f.invoke(t, context.Background(), "main.py", "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello World!"}, lines)
	assert.Equal(t, "done", res.Value)
	assert.Empty(t, f.projectUnits())
	assert.Contains(t, res.Evicted, filepath.Join(f.root, "main.py"))
}

func TestNoneRendersEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.write(t, "main.py", "def main():\n    pass\n")

	_, res, err := f.invoke(t, context.Background(), "main.py", "main")
	require.NoError(t, err)
	assert.Equal(t, "", res.Value)
}

func TestEditedSubUnitIsReloaded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.write(t, "util.py", "def greet():\n    return \"v1\"\n")
	f.write(t, "main.py", "load(\"util.py\", \"greet\")\n\ndef main():\n    return greet()\n")

	_, res, err := f.invoke(t, context.Background(), "main.py", "main")
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Value)
	assert.Empty(t, f.projectUnits())

	f.write(t, "util.py", "def greet():\n    return \"v2\"\n")
	_, res, err = f.invoke(t, context.Background(), "main.py", "main")
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Value)
	assert.Empty(t, f.projectUnits())
}

func TestLibraryUnitsSurviveEviction(t *testing.T) {
	t.Parallel()
	lib := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(lib, "shared.py"), []byte("GREETING = \"hi\"\n"), 0o644))

	f := newFixture(t, Config{LibraryPaths: []string{lib}})
	f.write(t, "main.py", "load(\"shared.py\", \"GREETING\")\n\ndef main():\n    return GREETING\n")

	_, res, err := f.invoke(t, context.Background(), "main.py", "main")
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Value)
	assert.Empty(t, f.projectUnits())
	assert.Contains(t, f.x.Cache().Paths(), filepath.Join(lib, "shared.py"))
}

func TestNestedEntryResolution(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.write(t, "common.py", "ROOT = \"root\"\n")
	f.write(t, "jobs/helper.py", "NEAR = \"near\"\n")
	f.write(t, "jobs/run.py", "load(\"helper.py\", \"NEAR\")\nload(\"common.py\", \"ROOT\")\n\ndef go():\n    return NEAR + \"/\" + ROOT\n")

	_, res, err := f.invoke(t, context.Background(), "jobs/run.py", "go")
	require.NoError(t, err)
	assert.Equal(t, "near/root", res.Value)
	assert.Empty(t, f.projectUnits())
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.write(t, "main.py", "x = 1\n\ndef main():\n    pass\n")

	tests := []struct {
		name, file, fn string
	}{
		{"missing file", "nope.py", "main"},
		{"escaping path", "../main.py", "main"},
		{"missing symbol", "main.py", "other"},
		{"not callable", "main.py", "x"},
		{"empty func", "main.py", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, _, err := f.invoke(t, context.Background(), tt.file, tt.fn)
			require.Error(t, err)
			assert.True(t, errdefs.IsNotFound(err), "got %v", err)
			_, isExec := errdefs.AsExecution(err)
			assert.False(t, isExec)
			assert.Empty(t, lines)
		})
	}
	assert.Empty(t, f.projectUnits())
}

func TestRaisedErrorIsRedacted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.write(t, "helpers.py", "def explode():\n    fail(\"boom in \" + getcwd())\n")
	f.write(t, "main.py", "load(\"helpers.py\", \"explode\")\n\ndef main():\n    print(\"before\")\n    explode()\n")

	lines, _, err := f.invoke(t, context.Background(), "main.py", "main")
	require.Error(t, err)
	ee, ok := errdefs.AsExecution(err)
	require.True(t, ok, "got %T %v", err, err)

	assert.Equal(t, []string{"before"}, lines)
	assert.Contains(t, ee.Trace, "boom in")
	assert.Contains(t, ee.Trace, "main.py")
	assert.Contains(t, ee.Trace, "helpers.py")
	assert.NotContains(t, ee.Trace, f.ws)
	assert.NotContains(t, ee.Msg, f.ws)
	assert.Empty(t, f.projectUnits())
}

func TestSyntaxErrorIsExecutionError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.write(t, "main.py", "def main(:\n")

	_, _, err := f.invoke(t, context.Background(), "main.py", "main")
	ee, ok := errdefs.AsExecution(err)
	require.True(t, ok, "got %v", err)
	assert.NotContains(t, ee.Trace, f.ws)
}

func TestLoadCycleIsReported(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.write(t, "a.py", "load(\"b.py\", \"B\")\nA = 1\n")
	f.write(t, "b.py", "load(\"a.py\", \"A\")\nB = 1\n")
	f.write(t, "main.py", "load(\"a.py\", \"A\")\n\ndef main():\n    return A\n")

	_, _, err := f.invoke(t, context.Background(), "main.py", "main")
	ee, ok := errdefs.AsExecution(err)
	require.True(t, ok, "got %v", err)
	assert.Contains(t, ee.Msg, "cycle")
	assert.Empty(t, f.projectUnits())
}

func TestLoadOutsideProjectFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	require.NoError(t, os.WriteFile(filepath.Join(f.ws, "secret.py"), []byte("S = 1\n"), 0o644))
	f.write(t, "main.py", "load(\"../../../secret.py\", \"S\")\n\ndef main():\n    return S\n")

	_, _, err := f.invoke(t, context.Background(), "main.py", "main")
	_, ok := errdefs.AsExecution(err)
	require.True(t, ok, "got %v", err)
}

func TestFileBuiltinsUseProjectRoot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.write(t, "main.py", `
def main():
    write_file("out.txt", "hi there")
    print(read_file("out.txt"))
    print(",".join(listdir()))
    return getcwd()
`)

	lines, res, err := f.invoke(t, context.Background(), "main.py", "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"hi there", "main.py,out.txt"}, lines)
	assert.Equal(t, f.root, res.Value)

	f.write(t, "escape.py", "def main():\n    return read_file(\"../../secret\")\n")
	_, _, err = f.invoke(t, context.Background(), "escape.py", "main")
	_, ok := errdefs.AsExecution(err)
	assert.True(t, ok, "got %v", err)
}

func TestEnvAllowlist(t *testing.T) {
	t.Setenv("SELFSCHED_TEST_VISIBLE", "yes")
	t.Setenv("SELFSCHED_TEST_HIDDEN", "no")
	f := newFixture(t, Config{EnvAllowlist: []string{"SELFSCHED_TEST_VISIBLE"}})
	f.write(t, "main.py", "def main():\n    return env(\"SELFSCHED_TEST_VISIBLE\") + \"/\" + env(\"SELFSCHED_TEST_HIDDEN\", \"hidden\")\n")

	_, res, err := f.invoke(t, context.Background(), "main.py", "main")
	require.NoError(t, err)
	assert.Equal(t, "yes/hidden", res.Value)
}

func TestCancellationInterruptsSleep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.write(t, "main.py", "def main():\n    print(\"start\")\n    sleep(30)\n    print(\"never\")\n")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	lines, _, err := f.invoke(t, ctx, "main.py", "main")
	require.Error(t, err)
	_, ok := errdefs.AsExecution(err)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"start"}, lines)
	assert.Empty(t, f.projectUnits())
}

func TestMaxStepsStopsRunawayLoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxSteps: 10000})
	f.write(t, "main.py", "def main():\n    total = 0\n    for i in range(100000000):\n        total += i\n    return total\n")

	_, _, err := f.invoke(t, context.Background(), "main.py", "main")
	_, ok := errdefs.AsExecution(err)
	assert.True(t, ok, "got %v", err)
}

func TestConcurrentInvocationsAreIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.write(t, "a.py", "def main():\n    for i in range(200):\n        print(\"a\", i)\n")
	f.write(t, "b.py", "def main():\n    for i in range(200):\n        print(\"b\", i)\n")

	var wg sync.WaitGroup
	results := make([][]string, 2)
	errs := make([]error, 2)
	for i, file := range []string{"a.py", "b.py"} {
		wg.Add(1)
		go func(i int, file string) {
			defer wg.Done()
			results[i], _, errs[i] = f.invoke(t, context.Background(), file, "main")
		}(i, file)
	}
	wg.Wait()

	for i, prefix := range []string{"a ", "b "} {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 200)
		for j, l := range results[i] {
			assert.Equal(t, fmt.Sprintf("%s%d", prefix, j), l)
		}
	}
}

func TestRedact(t *testing.T) {
	t.Parallel()
	got := Redact("at /ws/u/p/src/main.py:3 and /ws/u/other.py and /ws/u/p/src",
		"/ws", "/ws/u/p/src/")
	assert.Equal(t, "at main.py:3 and u/other.py and ", got)
	assert.Equal(t, "unchanged", Redact("unchanged", "", "  "))
}
