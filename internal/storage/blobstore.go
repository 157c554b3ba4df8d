package storage

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"go.uber.org/zap"

	"github.com/devrev/swimfs/internal/model"
	"github.com/devrev/swimfs/internal/util"
)

// BlobStore keeps file bodies under dir, one file per name, and indexes
// their records in a radix tree for prefix listing. Roles live only in
// memory, so leftovers from an earlier incarnation are discarded at open.
type BlobStore struct {
	dir    string
	tmpDir string
	logger *zap.Logger

	mu    sync.RWMutex
	index *iradix.Tree
}

// OpenBlobStore prepares dataDir and returns an empty store
func OpenBlobStore(dataDir string, logger *zap.Logger) (*BlobStore, error) {
	b := &BlobStore{
		dir:    filepath.Join(dataDir, "files"),
		tmpDir: filepath.Join(dataDir, "tmp"),
		logger: logger,
		index:  iradix.New(),
	}
	for _, dir := range []string{b.dir, b.tmpDir} {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to clear %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return b, nil
}

// DataDir is the directory the store was opened on
func (b *BlobStore) DataDir() string {
	return filepath.Dir(b.dir)
}

func (b *BlobStore) path(name string) string {
	return filepath.Join(b.dir, url.PathEscape(name))
}

// Put writes exactly size bytes from r as name with the given role,
// replacing any existing copy
func (b *BlobStore) Put(name string, role model.Role, r io.Reader, size int64) (model.FileRecord, error) {
	tmp, err := os.CreateTemp(b.tmpDir, "put-*")
	if err != nil {
		return model.FileRecord{}, err
	}
	defer os.Remove(tmp.Name())

	h := util.NewChecksumHash()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, size))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return model.FileRecord{}, fmt.Errorf("write %s: %w", name, err)
	}
	if n != size {
		return model.FileRecord{}, fmt.Errorf("write %s: received %d of %d bytes: %w", name, n, size, io.ErrUnexpectedEOF)
	}

	rec := model.FileRecord{Name: name, Role: role, Size: n, Checksum: h.Sum32()}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Rename(tmp.Name(), b.path(name)); err != nil {
		return model.FileRecord{}, fmt.Errorf("commit %s: %w", name, err)
	}
	b.index, _, _ = b.index.Insert([]byte(name), rec)
	return rec, nil
}

// PutFile copies a local file into the store
func (b *BlobStore) PutFile(name string, role model.Role, localPath string) (model.FileRecord, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return model.FileRecord{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return model.FileRecord{}, err
	}
	return b.Put(name, role, f, st.Size())
}

// Open returns the body of name for reading along with its record
func (b *BlobStore) Open(name string) (*os.File, model.FileRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.index.Get([]byte(name))
	if !ok {
		return nil, model.FileRecord{}, os.ErrNotExist
	}
	f, err := os.Open(b.path(name))
	if err != nil {
		return nil, model.FileRecord{}, err
	}
	return f, v.(model.FileRecord), nil
}

// ErrChecksumMismatch marks a stored body that no longer matches its record
var ErrChecksumMismatch = fmt.Errorf("checksum mismatch")

// Verify re-reads the body of name and compares it with the checksum and
// size recorded when it was written. An absent name yields os.ErrNotExist.
func (b *BlobStore) Verify(name string) error {
	b.mu.RLock()
	v, ok := b.index.Get([]byte(name))
	b.mu.RUnlock()
	if !ok {
		return os.ErrNotExist
	}
	rec := v.(model.FileRecord)

	sum, size, err := util.ChecksumFile(b.path(name))
	if err != nil {
		return fmt.Errorf("verify %s: %w", name, err)
	}
	if sum != rec.Checksum || size != rec.Size {
		return fmt.Errorf("verify %s: %w: have crc %08x/%d bytes, recorded %08x/%d bytes",
			name, ErrChecksumMismatch, sum, size, rec.Checksum, rec.Size)
	}
	return nil
}

// CopyTo writes the body of name to localPath
func (b *BlobStore) CopyTo(name, localPath string) (model.FileRecord, error) {
	f, rec, err := b.Open(name)
	if err != nil {
		return model.FileRecord{}, err
	}
	defer f.Close()

	if err := writeLocal(localPath, f, rec.Size); err != nil {
		return model.FileRecord{}, err
	}
	return rec, nil
}

// Stage snapshots a local file into the temp area. The caller removes the
// returned path.
func (b *BlobStore) Stage(localPath string) (string, int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", 0, err
	}
	defer src.Close()

	dst, err := os.CreateTemp(b.tmpDir, "stage-*")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst.Name())
		return "", 0, err
	}
	return dst.Name(), n, nil
}

// Get returns the record for name
func (b *BlobStore) Get(name string) (model.FileRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.index.Get([]byte(name))
	if !ok {
		return model.FileRecord{}, false
	}
	return v.(model.FileRecord), true
}

// SetRole changes the role of a held file
func (b *BlobStore) SetRole(name string, role model.Role) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.index.Get([]byte(name))
	if !ok {
		return false
	}
	rec := v.(model.FileRecord)
	rec.Role = role
	b.index, _, _ = b.index.Insert([]byte(name), rec)
	return true
}

// Remove deletes name and returns the record it had
func (b *BlobStore) Remove(name string) (model.FileRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tree, v, ok := b.index.Delete([]byte(name))
	if !ok {
		return model.FileRecord{}, false
	}
	b.index = tree
	if err := os.Remove(b.path(name)); err != nil && !os.IsNotExist(err) {
		b.logger.Warn("Failed to remove file body", zap.String("file", name), zap.Error(err))
	}
	return v.(model.FileRecord), true
}

// List returns every record in name order
func (b *BlobStore) List() []model.FileRecord {
	return b.WithPrefix("", 0)
}

// WithPrefix returns the records whose name starts with prefix, in name
// order. A zero role matches every role.
func (b *BlobStore) WithPrefix(prefix string, role model.Role) []model.FileRecord {
	b.mu.RLock()
	root := b.index.Root()
	b.mu.RUnlock()

	var out []model.FileRecord
	root.WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		rec := v.(model.FileRecord)
		if role == 0 || rec.Role == role {
			out = append(out, rec)
		}
		return false
	})
	return out
}

// CountByRole returns the number of held files per role name
func (b *BlobStore) CountByRole() map[string]int {
	counts := make(map[string]int, model.ChainLength)
	for _, rec := range b.List() {
		counts[rec.Role.String()]++
	}
	return counts
}

// Len returns the number of held files
func (b *BlobStore) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.Len()
}

// writeLocal replaces localPath with size bytes from r
func writeLocal(localPath string, r io.Reader, size int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".swimfs-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, size))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("received %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
	}
	return os.Rename(tmp.Name(), localPath)
}
