package batch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppenderCreatesDirectoryAndAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "working", "working.csv")
	a := NewAppender(path)

	exists, err := a.Exists()
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, a.Append(Row{ID: "1", Name: "a", Value: "10"}))
	require.NoError(t, a.Append(Row{ID: "2", Name: "b", Value: "20"}))

	exists, err = a.Exists()
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "1,a,10\n2,b,20\n", readFile(t, path))
}

func TestAppenderConcurrentRowsNeverInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "working.csv")
	a := NewAppender(path)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value := strings.Repeat(fmt.Sprint(i%10), 512)
			assert.NoError(t, a.Append(Row{ID: fmt.Sprint(i), Name: "n", Value: value}))
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(readFile(t, path), "\n"), "\n")
	require.Len(t, lines, 64)
	for _, line := range lines {
		parts := strings.Split(line, ",")
		require.Len(t, parts, 3, "corrupt line %q", line)
		assert.Len(t, parts[2], 512)
	}
}

func TestAppenderFailureIsAppendError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	a := NewAppender(filepath.Join(blocker, "working.csv"))
	err := a.Append(Row{ID: "1", Name: "a", Value: "10"})
	require.Error(t, err)

	var appendErr *AppendError
	require.True(t, errors.As(err, &appendErr))
	assert.Equal(t, a.Path(), appendErr.Path)
	assert.Equal(t, FailureAppend, KindOf(err))
	assert.False(t, Redeliverable(err))
}

func TestUndoOfCreatedFileKeepsTruncateError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "working.csv")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	require.NoError(t, err)

	a := NewAppender(path)
	err = a.undo(f, 0, false)
	require.Error(t, err, "truncating a read-only handle must be reported")

	_, statErr := os.Stat(path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "created file is still removed")
}
