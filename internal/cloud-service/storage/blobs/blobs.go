// Package blobs keeps file contents on disk under
// <root>/user_files/<owner id>/<file name>.
package blobs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// UserFilesDir is the subtree of the storage root that holds every user's blobs.
const UserFilesDir = "user_files"

// maxSuffix bounds the search for a free name when a user uploads the same
// file name many times.
const maxSuffix = 10000

var (
	ErrInvalidName    = errors.New("invalid file name")
	ErrPathConflict   = errors.New("a file with this name already exists")
	ErrBlobNotFound   = errors.New("can't find the blob")
	ErrBlobTooLarge   = errors.New("blob exceeds the size limit")
	ErrCantCreateDir  = errors.New("can't create blob dir")
	ErrCantWriteBlob  = errors.New("can't write blob file")
	ErrCantRenameBlob = errors.New("can't rename blob file")
	ErrCantRemoveBlob = errors.New("can't remove blob file")
	ErrCantReadBlob   = errors.New("can't read blob file")
)

type Blobs struct {
	root string
	l    *log.Entry
}

func NewBlobs(root string, l *log.Entry) (*Blobs, error) {
	dir := filepath.Join(root, UserFilesDir)
	if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCantCreateDir, err)
	}
	return &Blobs{root: root, l: l.WithField("storage_root", root)}, nil
}

// OwnerDir is the storage path of the directory holding ownerID's blobs.
func OwnerDir(ownerID uint) string {
	return path.Join(UserFilesDir, strconv.FormatUint(uint64(ownerID), 10))
}

// Save writes r into the owner's directory under filename, or under
// filename with a "_<n>" suffix when that name is taken. It returns the
// storage path and the number of bytes written. At most limit bytes are
// accepted; nothing is left on disk when Save fails.
func (b *Blobs) Save(ownerID uint, filename string, r io.Reader, limit int64) (string, int64, error) {
	name, err := cleanName(filename)
	if err != nil {
		return "", 0, err
	}
	dir := OwnerDir(ownerID)
	l := b.l.WithFields(log.Fields{"owner_id": ownerID, "file_name": name})

	fullDir := b.full(dir)
	if err := os.MkdirAll(fullDir, fs.ModePerm); err != nil {
		l.WithError(err).Error(ErrCantCreateDir)
		return "", 0, ErrCantCreateDir
	}

	tmp, err := os.CreateTemp(fullDir, ".upload-*")
	if err != nil {
		l.WithError(err).Error(ErrCantWriteBlob)
		return "", 0, ErrCantWriteBlob
	}
	tmpPath := tmp.Name()
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.WithError(err).WithField("tmp_path", tmpPath).Warning("can't remove temp file")
		}
	}()

	size, err := io.Copy(tmp, io.LimitReader(r, limit+1))
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		l.WithError(err).Error(ErrCantWriteBlob)
		return "", 0, ErrCantWriteBlob
	}
	if size > limit {
		return "", 0, ErrBlobTooLarge
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 0; n < maxSuffix; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, n, ext)
		}
		storagePath := path.Join(dir, candidate)
		// a hard link never replaces an existing file
		err := os.Link(tmpPath, b.full(storagePath))
		if err == nil {
			l.WithFields(log.Fields{"path": storagePath, "size": size}).Debug("blob saved")
			return storagePath, size, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			l.WithError(err).WithField("path", storagePath).Error(ErrCantWriteBlob)
			return "", 0, ErrCantWriteBlob
		}
	}
	l.Error(ErrPathConflict)
	return "", 0, ErrPathConflict
}

// RenamedName is the name a blob gets when renamed to newName: the new name
// always ends with the extension of the current one, spelled as stored.
func RenamedName(storagePath, newName string) (string, error) {
	stem := strings.TrimSpace(newName)
	ext := path.Ext(storagePath)
	if ext != "" && strings.HasSuffix(strings.ToLower(stem), strings.ToLower(ext)) {
		stem = stem[:len(stem)-len(ext)]
	}
	if strings.TrimSpace(stem) == "" {
		return "", ErrInvalidName
	}
	return cleanName(stem + ext)
}

// Rename moves the blob to newName inside the same owner directory and
// returns the new storage path. The destination is never overwritten.
func (b *Blobs) Rename(storagePath, newName string) (string, error) {
	name, err := RenamedName(storagePath, newName)
	if err != nil {
		return "", err
	}
	newPath := path.Join(path.Dir(storagePath), name)
	if newPath == storagePath {
		return storagePath, nil
	}
	l := b.l.WithFields(log.Fields{"path": storagePath, "new_path": newPath})

	if err := os.Link(b.full(storagePath), b.full(newPath)); err != nil {
		switch {
		case errors.Is(err, fs.ErrExist):
			return "", ErrPathConflict
		case errors.Is(err, fs.ErrNotExist):
			l.WithError(err).Error(ErrBlobNotFound)
			return "", ErrBlobNotFound
		}
		l.WithError(err).Error(ErrCantRenameBlob)
		return "", ErrCantRenameBlob
	}
	if err := os.Remove(b.full(storagePath)); err != nil {
		l.WithError(err).Error(ErrCantRenameBlob)
		if err := os.Remove(b.full(newPath)); err != nil {
			l.WithError(err).Error("can't roll back rename")
		}
		return "", ErrCantRenameBlob
	}
	l.Debug("blob renamed")
	return newPath, nil
}

// Remove deletes the blob. A blob that is already gone is not an error.
func (b *Blobs) Remove(storagePath string) error {
	if err := os.Remove(b.full(storagePath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.l.WithError(err).WithField("path", storagePath).Error(ErrCantRemoveBlob)
		return ErrCantRemoveBlob
	}
	return nil
}

// Open returns the blob for reading; the caller closes it.
func (b *Blobs) Open(storagePath string) (*os.File, error) {
	f, err := os.Open(b.full(storagePath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		b.l.WithError(err).WithField("path", storagePath).Error(ErrCantReadBlob)
		return nil, ErrCantReadBlob
	}
	return f, nil
}

// full maps a storage path to the disk. Storage paths are built by this
// package only, so they always stay under root.
func (b *Blobs) full(storagePath string) string {
	return filepath.Join(b.root, filepath.FromSlash(storagePath))
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\\x00") {
		return "", ErrInvalidName
	}
	return name, nil
}
