package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "0", "-3", "x1"} {
		_, err := parseID(bad)
		assert.Error(t, err, bad)
	}
}

func TestCommandsShareOneDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selfsched.toml")
	body := "[workspace]\nroot = \"" + filepath.ToSlash(filepath.Join(dir, "ws")) + "\"\n\n" +
		"[storage]\npath = \"" + filepath.ToSlash(filepath.Join(dir, "db.sqlite")) + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	exec := func(args ...string) string {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(append([]string{"--config", path}, args...))
		require.NoError(t, rootCmd.Execute(), "%v", args)
		return out.String()
	}

	assert.Equal(t, "user 1 me@example.com\n", exec("user", "add", "me@example.com"))
	assert.Equal(t, "project 1 demo\n", exec("project", "add", "1", "demo"))
	assert.FileExists(t, filepath.Join(dir, "ws", "me@example.com", "demo", "src", "main.py"))
	assert.Contains(t, exec("ep", "ls", "1"), "main.py")
	assert.Equal(t, "schedule 1\n", exec("schedule", "add", "1", "day", "08:00", "--tz", "UTC"))
	assert.Contains(t, exec("schedule", "ls"), "08:00")
}
