// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package backingstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenFileRegular(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 12345), 0644))

	f, size, err := OpenFile(path, os.O_RDWR)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, int64(12345), size)
}

func TestOpenFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.img")

	f, _, err := OpenFile(path, os.O_RDWR)
	assert.Nil(t, f)

	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, path, openErr.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOpenFileDirectory(t *testing.T) {
	dir := t.TempDir()

	f, _, err := OpenFile(dir, os.O_RDONLY)
	assert.Nil(t, f)

	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	assert.True(t, errors.Is(err, ErrUnsupportedFile))
}
