package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testREPL(t *testing.T) (*REPL, *bytes.Buffer, string) {
	dir, err := os.MkdirTemp("", "*")
	require.NoError(t, err)
	tq, err := (&flags{dir: dir}).open()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tq.Close()
		_ = os.RemoveAll(dir)
	})
	out := &bytes.Buffer{}
	return &REPL{tq: tq, ctx: context.Background(), out: out}, out, dir
}

func TestREPLCommands(t *testing.T) {
	repl, out, dir := testREPL(t)
	payload := filepath.Join(dir, "movies.json")
	require.NoError(t, os.WriteFile(payload, []byte(`[{"id":1,"title":"Alien"}]`), 0o644))

	require.NoError(t, repl.Execute("add movies "+payload))
	assert.Contains(t, out.String(), "task 0 enqueued")
	require.NoError(t, repl.Execute(`settings movies {"rankingRules": ["words"]}`))
	require.NoError(t, repl.Execute("create books"))

	out.Reset()
	require.NoError(t, repl.Execute("tick"))
	assert.Contains(t, out.String(), "3 batches processed, idle")

	out.Reset()
	require.NoError(t, repl.Execute("tasks succeeded"))
	assert.Contains(t, out.String(), "0\tsucceeded\tdocumentAdditionOrUpdate\tmovies")

	out.Reset()
	require.NoError(t, repl.Execute("task 0"))
	assert.Contains(t, out.String(), `"indexedDocuments": 1`)

	out.Reset()
	require.NoError(t, repl.Execute("indexes"))
	assert.Contains(t, out.String(), "books")
	assert.Contains(t, out.String(), "movies\t1 documents")

	require.NoError(t, repl.Execute("delete 0 1"))
	require.NoError(t, repl.Execute("tick 1"))
	out.Reset()
	require.NoError(t, repl.Execute("check"))
	assert.Equal(t, "ok\n", out.String())

	out.Reset()
	require.NoError(t, repl.Execute("progress"))
	assert.Equal(t, "idle\n", out.String())
}

func TestREPLErrors(t *testing.T) {
	repl, _, _ := testREPL(t)
	assert.ErrorIs(t, repl.Execute("task"), HelpTask)
	assert.ErrorIs(t, repl.Execute("task x"), HelpTask)
	assert.ErrorIs(t, repl.Execute("cancel x"), HelpCancel)
	assert.ErrorIs(t, repl.Execute("settings movies {oops"), HelpSettings)
	assert.ErrorIs(t, repl.Execute("tick -1"), HelpTick)
	assert.Error(t, repl.Execute("task 42"))
	assert.Error(t, repl.Execute("frobnicate"))
	assert.ErrorIs(t, repl.Execute("quit"), io.EOF)
	assert.NoError(t, repl.Execute("   "))
}
