package flowfs

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/mattetti/filebuffer"
)

// S3FileSystem abstracts AWS S3 as a filesystem
type S3FileSystem struct {
	s3Client   *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

func parseS3URI(uri string) (*url.URL, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "s3" {
		return nil, fmt.Errorf("invalid s3 URI: %s", uri)
	}
	parsed.Path = strings.TrimPrefix(parsed.Path, "/")
	return parsed, nil
}

// ListFiles lists objects that match pathGlob. Globbing is only
// supported in the last path component.
func (s *S3FileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	parsed, err := parseS3URI(pathGlob)
	if err != nil {
		return nil, err
	}

	baseURI := fmt.Sprintf("s3://%s", parsed.Hostname())

	prefix := parsed.Path
	if globIdx := strings.IndexAny(prefix, "*?["); globIdx != -1 {
		prefix = prefix[:globIdx]
	}

	files := make([]FileInfo, 0)
	params := &s3.ListObjectsV2Input{
		Bucket: aws.String(parsed.Hostname()),
		Prefix: aws.String(prefix),
	}
	err = s.s3Client.ListObjectsV2Pages(params,
		func(page *s3.ListObjectsV2Output, _ bool) bool {
			for _, object := range page.Contents {
				matched, err := path.Match(parsed.Path, *object.Key)
				if err == nil && (matched || parsed.Path == *object.Key) {
					files = append(files, FileInfo{
						Name: fmt.Sprintf("%s/%s", baseURI, *object.Key),
						Size: *object.Size,
					})
				}
			}
			return true
		})

	return files, err
}

// Stat returns information about the object at filePath
func (s *S3FileSystem) Stat(filePath string) (FileInfo, error) {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return FileInfo{}, err
	}

	head, err := s.s3Client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(parsed.Hostname()),
		Key:    aws.String(parsed.Path),
	})
	if err != nil {
		return FileInfo{}, err
	}

	return FileInfo{
		Name: filePath,
		Size: *head.ContentLength,
	}, nil
}

// OpenReader opens a reader to the object at filePath, seeked to
// "startAt" bytes into the object.
func (s *S3FileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}

	params := &s3.GetObjectInput{
		Bucket: aws.String(parsed.Hostname()),
		Key:    aws.String(parsed.Path),
	}
	if startAt > 0 {
		params.Range = aws.String(fmt.Sprintf("bytes=%d-", startAt))
	}

	result, err := s.s3Client.GetObject(params)
	if err != nil {
		return nil, err
	}
	return result.Body, nil
}

// s3Writer buffers writes in memory and uploads the full object on Close.
type s3Writer struct {
	uploader *s3manager.Uploader
	bucket   string
	key      string
	buffer   *filebuffer.Buffer
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.buffer.Write(p)
}

func (w *s3Writer) Close() error {
	w.buffer.Seek(0, io.SeekStart)
	_, err := w.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
		Body:   w.buffer,
	})
	return err
}

// OpenWriter opens a writer to the object at filePath
func (s *S3FileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}

	return &s3Writer{
		uploader: s.uploader,
		bucket:   parsed.Hostname(),
		key:      parsed.Path,
		buffer:   filebuffer.New(nil),
	}, nil
}

// Delete deletes the object at filePath
func (s *S3FileSystem) Delete(filePath string) error {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return err
	}

	_, err = s.s3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(parsed.Hostname()),
		Key:    aws.String(parsed.Path),
	})
	return err
}

// MakeDir is a no-op; S3 has no directories
func (s *S3FileSystem) MakeDir(path string) error {
	return nil
}

// Join joins S3 path elements
func (s *S3FileSystem) Join(elem ...string) string {
	stripped := make([]string, 0, len(elem))
	for i, str := range elem {
		if i != 0 {
			str = strings.TrimPrefix(str, "/")
		}
		stripped = append(stripped, strings.TrimSuffix(str, "/"))
	}
	return strings.Join(stripped, "/")
}

// Init initializes the S3FileSystem
func (s *S3FileSystem) Init() error {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return err
	}

	s.s3Client = s3.New(sess)
	s.uploader = s3manager.NewUploaderWithClient(s.s3Client)
	s.downloader = s3manager.NewDownloaderWithClient(s.s3Client)
	return nil
}
