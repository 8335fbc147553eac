package localfs

import (
	"context"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/ports"
)

// LocalFS implements ports.StorageProvider using the local filesystem.
// It stores objects under a configured root directory.
type LocalFS struct {
	root string
}

func New(root string) *LocalFS {
	return &LocalFS{root: root}
}

func (l *LocalFS) Provider() string { return "localfs" }

// resolve maps a slash-separated key to a path under root.
func (l *LocalFS) resolve(objectKey string) (string, error) {
	clean := path.Clean("/" + objectKey)
	if objectKey == "" || clean == "/" || strings.Contains(objectKey, "..") {
		return "", errors.ValidationField("object_key", "invalid object key").WithField("key", objectKey)
	}
	return filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// PutObject writes through a temp file and renames it into place, so readers
// never see a partial tile.
func (l *LocalFS) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	const op = "localfs.put"

	dst, err := l.resolve(in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, op, "create directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, op, "create temp file")
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, in.Reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, op, "write object").WithField("key", in.ObjectKey)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, op, "rename object").WithField("key", in.ObjectKey)
	}

	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

func (l *LocalFS) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	p, err := l.resolve(objectKey)
	if err != nil {
		return nil, "", 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", 0, errors.NotFound("object", objectKey)
		}
		return nil, "", 0, errors.Wrap(err, "localfs.get", "open object")
	}

	st, statErr := f.Stat()
	if statErr == nil {
		size = st.Size()
	}

	// Prefer extension-based type. If empty, sniff first bytes.
	contentType = mime.TypeByExtension(filepath.Ext(p))
	if contentType == "" {
		buf := make([]byte, 512)
		n, _ := f.Read(buf)
		_, _ = f.Seek(0, io.SeekStart)
		contentType = http.DetectContentType(buf[:n])
	}

	return f, contentType, size, nil
}

func (l *LocalFS) DeleteObject(ctx context.Context, objectKey string) error {
	p, err := l.resolve(objectKey)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound("object", objectKey)
		}
		return errors.Wrap(err, "localfs.delete", "remove object")
	}
	return nil
}

// Check creates the root if needed and verifies it is writable.
func (l *LocalFS) Check(ctx context.Context) error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "localfs.check", "create root")
	}
	f, err := os.CreateTemp(l.root, ".check-*")
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "localfs.check", "root not writable")
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
