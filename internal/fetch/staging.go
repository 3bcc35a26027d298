package fetch

import (
	"bytes"
	"io"
	"os"
)

// stagingArea is where a response body lands while being hashed, mirroring
// the downloader's choice between an in-memory buffer and a temp file
// depending on the advertised content length.
type stagingArea interface {
	io.Writer
	Reader() (io.ReadCloser, error)
	Close()
}

type memoryStaging struct {
	buf *bytes.Buffer
}

func newMemoryStaging() *memoryStaging {
	return &memoryStaging{buf: &bytes.Buffer{}}
}

func (m *memoryStaging) Write(p []byte) (int, error) { return m.buf.Write(p) }

func (m *memoryStaging) Reader() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.buf.Bytes())), nil
}

func (m *memoryStaging) Close() {}

type fileStaging struct {
	f *os.File
}

func newFileStaging() (*fileStaging, error) {
	f, err := os.CreateTemp("", "witdeps-fetch-")
	if err != nil {
		return nil, err
	}
	return &fileStaging{f: f}, nil
}

func (fs *fileStaging) Write(p []byte) (int, error) { return fs.f.Write(p) }

func (fs *fileStaging) Reader() (io.ReadCloser, error) {
	if _, err := fs.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	name := fs.f.Name()
	return &unlinkOnCloseFile{File: fs.f, name: name}, nil
}

func (fs *fileStaging) Close() {
	fs.f.Close()
	os.Remove(fs.f.Name())
}

// unlinkOnCloseFile removes the backing temp file once the caller is
// done reading it, so a large staged fetch doesn't linger on disk.
type unlinkOnCloseFile struct {
	*os.File
	name string
}

func (u *unlinkOnCloseFile) Close() error {
	err := u.File.Close()
	os.Remove(u.name)
	return err
}
