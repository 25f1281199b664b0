package flowfs

import (
	"io"
	"strings"
)

// FileInfo provides information about a file
type FileInfo struct {
	Name string // file path
	Size int64  // file size in bytes
}

// FileSystem provides the file backend used by tableflow jobs.
// Input records are read from it, and the staged configuration
// snapshot fallback lives on it.
type FileSystem interface {
	ListFiles(pathGlob string) ([]FileInfo, error)
	Stat(path string) (FileInfo, error)
	OpenReader(path string, startAt int64) (io.ReadCloser, error)
	OpenWriter(path string) (io.WriteCloser, error)
	Delete(path string) error
	MakeDir(path string) error
	Join(elem ...string) string
	Init() error
}

// FileSystemType is an identifier for supported FileSystems
type FileSystemType int

// Identifiers for supported FileSystemTypes
const (
	Local FileSystemType = iota
	S3
)

// InitFilesystem intializes a filesystem of the given type
func InitFilesystem(fsType FileSystemType) FileSystem {
	var fs FileSystem
	switch fsType {
	case Local:
		fs = &LocalFileSystem{}
	case S3:
		fs = &S3FileSystem{}
	}

	fs.Init()
	return fs
}

// InferFilesystem initializes a filesystem by inferring its type from
// a file address. For example, locations starting with "s3://" will
// resolve to an S3 backed filesystem.
func InferFilesystem(location string) FileSystem {
	var fs FileSystem
	if strings.HasPrefix(location, "s3://") {
		fs = &S3FileSystem{}
	} else {
		fs = &LocalFileSystem{}
	}

	fs.Init()
	return fs
}
