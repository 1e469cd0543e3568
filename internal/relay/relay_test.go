package relay

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	lines   []string
	partial []bool
}

func (c *collector) add(line string, partial bool) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.partial = append(c.partial, partial)
	c.mu.Unlock()
}

func newRelay(t *testing.T, fallback io.Writer) *Relay {
	t.Helper()
	r, err := New(Config{}, fallback)
	require.NoError(t, err)
	return r
}

func TestLinesAreSplitAndPartialFlushed(t *testing.T) {
	t.Parallel()
	r := newRelay(t, io.Discard)
	var c collector

	err := r.Capture("call-1", c.add, func() error {
		w := r.Writer("call-1")
		_, _ = io.WriteString(w, "hello ")
		_, _ = io.WriteString(w, "world\r\nsecond\nthi")
		_, _ = io.WriteString(w, "rd")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"hello world", "second", "third"}, c.lines)
	assert.Equal(t, []bool{false, false, true}, c.partial)
	assert.Equal(t, 0, r.Active())
}

func TestEmptyTrailingLineIsNotDelivered(t *testing.T) {
	t.Parallel()
	r := newRelay(t, io.Discard)
	var c collector

	require.NoError(t, r.Register("c", c.add))
	_, _ = io.WriteString(r.Writer("c"), "only\n")
	r.Unregister("c")

	assert.Equal(t, []string{"only"}, c.lines)
}

func TestInvalidUTF8IsReplaced(t *testing.T) {
	t.Parallel()
	r := newRelay(t, io.Discard)
	var c collector

	require.NoError(t, r.Register("c", c.add))
	_, _ = r.Writer("c").Write([]byte{'o', 'k', 0xff, 0xfe, '\n'})
	r.Unregister("c")

	require.Len(t, c.lines, 1)
	assert.Equal(t, "ok��", c.lines[0])
}

func TestLatin1Encoding(t *testing.T) {
	t.Parallel()
	r, err := New(Config{Encoding: "latin1"}, io.Discard)
	require.NoError(t, err)
	var c collector

	require.NoError(t, r.Register("c", c.add))
	_, _ = r.Writer("c").Write([]byte{'c', 'a', 'f', 0xe9, '\n'})
	r.Unregister("c")

	assert.Equal(t, []string{"café"}, c.lines)
}

func TestUnknownEncodingFails(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Encoding: "klingon-8"}, io.Discard)
	require.Error(t, err)
}

func TestUnregisteredCallFallsBack(t *testing.T) {
	t.Parallel()
	var fb bytes.Buffer
	r := newRelay(t, &fb)

	_, _ = io.WriteString(r.Writer("nobody"), "stray\n")
	_, _ = io.WriteString(r.Writer(""), "anon\n")

	assert.Equal(t, "stray\nanon\n", fb.String())
}

func TestDoubleRegisterFails(t *testing.T) {
	t.Parallel()
	r := newRelay(t, io.Discard)
	require.NoError(t, r.Register("c", func(string, bool) {}))
	require.Error(t, r.Register("c", func(string, bool) {}))
	r.Unregister("c")
	require.NoError(t, r.Register("c", func(string, bool) {}))
}

func TestCaptureUnregistersOnError(t *testing.T) {
	t.Parallel()
	var fb bytes.Buffer
	r := newRelay(t, &fb)

	err := r.Capture("c", func(string, bool) {}, func() error { return fmt.Errorf("boom") })
	require.EqualError(t, err, "boom")
	assert.Equal(t, 0, r.Active())

	// Later writes for the same id must not reach a stale sink.
	_, _ = io.WriteString(r.Writer("c"), "late\n")
	assert.Equal(t, "late\n", fb.String())
}

func TestLongLinesAreChunked(t *testing.T) {
	t.Parallel()
	r, err := New(Config{MaxLine: 4}, io.Discard)
	require.NoError(t, err)
	var c collector

	require.NoError(t, r.Register("c", c.add))
	_, _ = io.WriteString(r.Writer("c"), "abcdefghij\n")
	r.Unregister("c")

	assert.Equal(t, []string{"abcd", "efgh", "ij"}, c.lines)
}

func TestChunksDoNotSplitRunes(t *testing.T) {
	t.Parallel()
	r, err := New(Config{MaxLine: 4}, io.Discard)
	require.NoError(t, err)
	var c collector

	require.NoError(t, r.Register("c", c.add))
	w := r.Writer("c")
	_, _ = io.WriteString(w, "abcé€")
	_, _ = io.WriteString(w, "xyz\n")
	r.Unregister("c")

	assert.Equal(t, []string{"abc", "é", "€x", "yz"}, c.lines)
	for _, l := range c.lines {
		assert.NotContains(t, l, "\uFFFD")
	}
}

func TestConcurrentCallsDoNotLeak(t *testing.T) {
	t.Parallel()
	r := newRelay(t, io.Discard)

	const calls = 8
	const lines = 200
	cols := make([]*collector, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		cols[i] = &collector{}
		id := fmt.Sprintf("call-%d", i)
		require.NoError(t, r.Register(id, cols[i].add))
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			w := r.Writer(id)
			for j := 0; j < lines; j++ {
				fmt.Fprintf(w, "%s line %d\n", id, j)
			}
			r.Unregister(id)
		}(i, id)
	}
	wg.Wait()

	for i, c := range cols {
		id := fmt.Sprintf("call-%d", i)
		require.Len(t, c.lines, lines)
		for j, l := range c.lines {
			assert.Equal(t, fmt.Sprintf("%s line %d", id, j), l)
		}
	}
}
