package flowfs

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalWriteReadRoundTrip(t *testing.T) {
	fs := &LocalFileSystem{}
	require.NoError(t, fs.Init())

	path := fs.Join(t.TempDir(), "nested", "data.txt")
	writer, err := fs.OpenWriter(path)
	require.NoError(t, err)
	_, err = writer.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	reader, err := fs.OpenReader(path, 0)
	require.NoError(t, err)
	defer reader.Close()

	contents, err := ioutil.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(contents))
}

func TestLocalOpenReaderStartAt(t *testing.T) {
	fs := &LocalFileSystem{}
	path := fs.Join(t.TempDir(), "data.txt")

	writer, err := fs.OpenWriter(path)
	require.NoError(t, err)
	writer.Write([]byte("0123456789"))
	require.NoError(t, writer.Close())

	reader, err := fs.OpenReader(path, 4)
	require.NoError(t, err)
	defer reader.Close()

	contents, err := ioutil.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(contents))
}

func TestLocalStat(t *testing.T) {
	fs := &LocalFileSystem{}
	path := fs.Join(t.TempDir(), "data.txt")

	writer, err := fs.OpenWriter(path)
	require.NoError(t, err)
	writer.Write([]byte("12345"))
	require.NoError(t, writer.Close())

	info, err := fs.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, path, info.Name)
	assert.Equal(t, int64(5), info.Size)
}

func TestLocalListFilesGlob(t *testing.T) {
	fs := &LocalFileSystem{}
	dir := t.TempDir()

	for _, name := range []string{"part-0", "part-1", "other"} {
		writer, err := fs.OpenWriter(fs.Join(dir, name))
		require.NoError(t, err)
		writer.Write([]byte("x"))
		require.NoError(t, writer.Close())
	}
	require.NoError(t, fs.MakeDir(fs.Join(dir, "part-dir")))

	files, err := fs.ListFiles(fs.Join(dir, "part-*"))
	require.NoError(t, err)

	names := make([]string, 0)
	for _, f := range files {
		names = append(names, filepath.Base(f.Name))
	}
	assert.ElementsMatch(t, []string{"part-0", "part-1"}, names)
}

func TestLocalDelete(t *testing.T) {
	fs := &LocalFileSystem{}
	path := fs.Join(t.TempDir(), "data.txt")

	writer, err := fs.OpenWriter(path)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	require.NoError(t, fs.Delete(path))
	_, err = fs.Stat(path)
	assert.Error(t, err)
}

func TestInferFilesystem(t *testing.T) {
	assert.IsType(t, &S3FileSystem{}, InferFilesystem("s3://bucket/prefix"))
	assert.IsType(t, &LocalFileSystem{}, InferFilesystem("/tmp/local/path"))
}
