package lockfile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

func TestWriteAndReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")

	require.NoError(t, WriteJSON(path, record{Name: "a", Count: 2}))

	var got record
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, record{Name: "a", Count: 2}, got)

	// The sidecar lock file sits next to the data file.
	_, err := os.Stat(LockPath(path))
	assert.NoError(t, err)
}

func TestReadJSONMissingFile(t *testing.T) {
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &record{})
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestReadJSONMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	err := ReadJSON(path, &record{})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, fs.ErrNotExist)
}

func TestWriteAndReadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.yaml")

	require.NoError(t, WriteYAML(path, record{Name: "b", Count: 7}))

	var got record
	require.NoError(t, ReadYAML(path, &got))
	assert.Equal(t, record{Name: "b", Count: 7}, got)
}

func TestUpdateCreatesFromZeroValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.json")

	err := Update(path, func(current []record) ([]record, error) {
		assert.Empty(t, current)
		return append(current, record{Name: "first"}), nil
	})
	require.NoError(t, err)

	var got []record
	require.NoError(t, ReadJSON(path, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Name)
}

func TestUpdateReadModifyWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.json")
	require.NoError(t, WriteJSON(path, record{Name: "c", Count: 1}))

	err := Update(path, func(current record) (record, error) {
		current.Count++
		return current, nil
	})
	require.NoError(t, err)

	var got record
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, 2, got.Count)
}

func TestUpdatePropagatesCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.json")
	sentinel := errors.New("nope")

	err := Update(path, func(current []record) ([]record, error) {
		return nil, sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	// Nothing was persisted.
	_, statErr := os.Stat(path)
	assert.True(t, errors.Is(statErr, fs.ErrNotExist))
}

func TestReplaceFileCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "data.json")
	require.NoError(t, WriteJSON(path, record{Name: "d"}))

	var got record
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, "d", got.Name)
}
