package flowfs

import (
	"io"
	"os"
	"path/filepath"
)

// LocalFileSystem implements the FileSystem interface for the local filesystem
type LocalFileSystem struct{}

// ListFiles lists files that match pathGlob
func (l *LocalFileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	globbedFiles, err := filepath.Glob(pathGlob)
	if err != nil {
		return nil, err
	}

	files := make([]FileInfo, 0)
	for _, fileName := range globbedFiles {
		fInfo, err := os.Stat(fileName)
		if err != nil {
			return nil, err
		}
		if fInfo.IsDir() {
			continue
		}
		files = append(files, FileInfo{
			Name: fileName,
			Size: fInfo.Size(),
		})
	}

	return files, nil
}

// Stat returns information about the file at filePath
func (l *LocalFileSystem) Stat(filePath string) (FileInfo, error) {
	fInfo, err := os.Stat(filePath)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name: filePath,
		Size: fInfo.Size(),
	}, nil
}

// OpenReader opens a reader to the file at filePath. The reader
// is initially seeked to "startAt" bytes into the file.
func (l *LocalFileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	_, err = file.Seek(startAt, io.SeekStart)
	if err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

// OpenWriter opens a writer to the file at filePath
func (l *LocalFileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	err := os.MkdirAll(filepath.Dir(filePath), 0777)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
}

// Delete deletes the file at filePath
func (l *LocalFileSystem) Delete(filePath string) error {
	return os.Remove(filePath)
}

// MakeDir creates directory path (and any necessary parents)
func (l *LocalFileSystem) MakeDir(path string) error {
	return os.MkdirAll(path, 0777)
}

// Join joins file path elements
func (l *LocalFileSystem) Join(elem ...string) string {
	return filepath.Join(elem...)
}

// Init initializes the LocalFileSystem
func (l *LocalFileSystem) Init() error {
	return nil
}
