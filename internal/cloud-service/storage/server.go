package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/konorlevich/mycloud/internal/cloud-service/access"
	"github.com/konorlevich/mycloud/internal/cloud-service/database"
	"github.com/konorlevich/mycloud/internal/cloud-service/metrics"
	"github.com/konorlevich/mycloud/internal/cloud-service/storage/blobs"
)

// DefaultMaxFileSize is the per-file upload cap, 10 MiB.
const DefaultMaxFileSize int64 = 10 << 20

const defaultContentType = "application/octet-stream"

// cascadeLimit bounds the blob removals running at once when a user is deleted.
const cascadeLimit = 4

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNoFiles      = fmt.Errorf("%w: no files provided", ErrInvalidInput)
	ErrNothingToDo  = fmt.Errorf("%w: new name or comment required", ErrInvalidInput)
	ErrFileTooLarge = fmt.Errorf("%w: file exceeds the size limit", ErrInvalidInput)
	ErrEmptyFile    = fmt.Errorf("%w: file is empty", ErrInvalidInput)

	// ErrInternal covers blob and metadata getting out of step, and storage
	// failures the caller can't act on.
	ErrInternal = errors.New("internal error")
)

type MetaStorage interface {
	GetUser(id uint) (*database.User, error)
	ClearAvatar(userID uint) error
	CreateFile(f *database.File) error
	GetFile(id uint) (*database.File, error)
	GetUserFile(id, ownerID uint) (*database.File, error)
	ListFiles() ([]*database.File, error)
	ListUserFiles(ownerID uint) ([]*database.File, error)
	SaveFile(f *database.File) error
	TouchDownloaded(id uint, at time.Time) error
	RemoveFile(id uint) error
}

type BlobStorage interface {
	Save(ownerID uint, filename string, r io.Reader, limit int64) (string, int64, error)
	Rename(storagePath, newName string) (string, error)
	Remove(storagePath string) error
	Open(storagePath string) (*os.File, error)
}

type Server struct {
	ms MetaStorage
	fs BlobStorage
	m  *metrics.Metrics
	l  *log.Entry

	locks       *fileLocks
	maxFileSize int64
	now         func() time.Time
}

func NewServer(ms MetaStorage, fs BlobStorage, maxFileSize int64, m *metrics.Metrics, l *log.Entry) *Server {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Server{
		ms:          ms,
		fs:          fs,
		m:           m,
		l:           l,
		locks:       newFileLocks(),
		maxFileSize: maxFileSize,
		now:         time.Now,
	}
}

// UploadItem is one file of an upload batch. Open is called at most once.
type UploadItem struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

type UploadRequest struct {
	Files   []UploadItem
	Comment string
	// TargetUserID is honoured for admins only.
	TargetUserID *uint
}

type Outcome int

const (
	AllUploaded Outcome = iota
	PartiallyUploaded
	NoneUploaded
)

type UploadReport struct {
	Uploaded []*database.File
	Errors   []string
}

func (r *UploadReport) Outcome() Outcome {
	switch {
	case len(r.Errors) == 0:
		return AllUploaded
	case len(r.Uploaded) == 0:
		return NoneUploaded
	default:
		return PartiallyUploaded
	}
}

// Upload stores every file of the batch independently, one after another.
// A failed file is reported in the result and does not stop the others.
// Once started, the batch runs to completion even if the client goes away.
func (s *Server) Upload(_ context.Context, caller access.Principal, req UploadRequest) (*UploadReport, error) {
	if len(req.Files) == 0 {
		return nil, ErrNoFiles
	}
	owner := access.UploadTarget(caller, req.TargetUserID)
	l := s.l.WithFields(log.Fields{"caller_id": caller.ID, "owner_id": owner, "files": len(req.Files)})
	if owner != caller.ID {
		if _, err := s.ms.GetUser(owner); err != nil {
			if errors.Is(err, database.ErrRecordNotFound) {
				return nil, access.ErrNotFound
			}
			l.WithError(err).Error("can't get upload target user")
			return nil, ErrInternal
		}
	}

	report := &UploadReport{Uploaded: []*database.File{}}
	for _, item := range req.Files {
		f, err := s.uploadOne(owner, item, req.Comment, l)
		s.m.ObserveOperation("upload", err)
		if err != nil {
			report.Errors = append(report.Errors, s.uploadErrorMessage(item.Name, err))
			continue
		}
		s.m.AddUploadedBytes(f.SizeBytes)
		report.Uploaded = append(report.Uploaded, f)
	}
	l.WithFields(log.Fields{"uploaded": len(report.Uploaded), "failed": len(report.Errors)}).Info("upload finished")
	return report, nil
}

func (s *Server) uploadOne(owner uint, item UploadItem, comment string, l *log.Entry) (*database.File, error) {
	l = l.WithField("file_name", item.Name)
	if item.Size > s.maxFileSize {
		return nil, ErrFileTooLarge
	}
	if item.Open == nil {
		return nil, ErrEmptyFile
	}
	content, err := item.Open()
	if err != nil {
		l.WithError(err).Error("can't open uploaded file")
		return nil, ErrInternal
	}
	defer func() {
		if err := content.Close(); err != nil {
			l.WithError(err).Warning("can't close uploaded file")
		}
	}()

	storagePath, size, err := s.fs.Save(owner, item.Name, content, s.maxFileSize)
	if err != nil {
		switch {
		case errors.Is(err, blobs.ErrBlobTooLarge):
			return nil, ErrFileTooLarge
		case errors.Is(err, blobs.ErrInvalidName):
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return nil, err
	}
	if size == 0 {
		s.removeOrphan(storagePath, l)
		return nil, ErrEmptyFile
	}

	contentType := item.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	f := &database.File{
		OwnerID:     owner,
		DisplayName: strings.TrimSpace(item.Name),
		StoragePath: storagePath,
		SizeBytes:   size,
		ContentType: contentType,
		Comment:     comment,
	}
	if err := s.ms.CreateFile(f); err != nil {
		l.WithError(err).Error("can't save file metadata")
		s.removeOrphan(storagePath, l)
		return nil, ErrInternal
	}
	l.WithFields(log.Fields{"file_id": f.ID, "path": storagePath, "size": size}).Debug("file uploaded")
	return f, nil
}

func (s *Server) uploadErrorMessage(name string, err error) string {
	if errors.Is(err, ErrFileTooLarge) {
		return fmt.Sprintf("file %s exceeds the size limit (%d MB)", name, s.maxFileSize>>20)
	}
	if errors.Is(err, ErrEmptyFile) {
		return fmt.Sprintf("file %s is empty", name)
	}
	return fmt.Sprintf("can't upload file %s: %s", name, err)
}

func (s *Server) removeOrphan(storagePath string, l *log.Entry) {
	if err := s.fs.Remove(storagePath); err != nil {
		l.WithError(err).WithField("path", storagePath).Error("can't remove orphaned blob")
	}
}

// List returns the files the caller may see for userID.
func (s *Server) List(caller access.Principal, userID uint) ([]*database.File, error) {
	scope, err := access.CanList(caller, userID)
	if err != nil {
		return nil, err
	}
	var files []*database.File
	if scope.All {
		files, err = s.ms.ListFiles()
	} else {
		files, err = s.ms.ListUserFiles(scope.OwnerID)
	}
	s.m.ObserveOperation("list", err)
	if err != nil {
		s.l.WithError(err).WithField("user_id", userID).Error("can't list files")
		return nil, ErrInternal
	}
	return files, nil
}

// Download resolves the file for the caller, marks it downloaded and opens
// its blob. The caller closes the returned file.
func (s *Server) Download(ctx context.Context, caller access.Principal, fileID uint) (*database.File, *os.File, error) {
	l := s.l.WithFields(log.Fields{"caller_id": caller.ID, "file_id": fileID})
	unlock, err := s.locks.lock(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	f, err := s.getFile(fileID, l)
	if err == nil {
		err = access.CanRead(caller, f.OwnerID)
	}
	if err != nil {
		s.m.ObserveOperation("download", err)
		return nil, nil, err
	}

	blob, err := s.fs.Open(f.StoragePath)
	if err != nil {
		s.m.ObserveOperation("download", err)
		if errors.Is(err, blobs.ErrBlobNotFound) {
			l.WithField("path", f.StoragePath).Error("file record has no blob")
			return nil, nil, access.ErrNotFound
		}
		return nil, nil, ErrInternal
	}

	now := s.now()
	if err := s.ms.TouchDownloaded(f.ID, now); err != nil {
		l.WithError(err).Warning("can't update last download time")
	} else {
		f.LastDownloadedAt = &now
	}
	s.m.ObserveOperation("download", nil)
	return f, blob, nil
}

// Delete removes a file of userID. Admins address any file by id alone.
func (s *Server) Delete(ctx context.Context, caller access.Principal, userID, fileID uint) error {
	if err := access.CanDelete(caller, userID); err != nil {
		return err
	}
	l := s.l.WithFields(log.Fields{"caller_id": caller.ID, "user_id": userID, "file_id": fileID})
	unlock, err := s.locks.lock(ctx, fileID)
	if err != nil {
		return err
	}
	defer unlock()

	var f *database.File
	if caller.IsAdmin {
		f, err = s.getFile(fileID, l)
	} else {
		f, err = s.ms.GetUserFile(fileID, userID)
		err = s.notFoundOrInternal(err, l)
	}
	if err == nil {
		err = s.deleteFile(f, l)
	}
	s.m.ObserveOperation("delete", err)
	return err
}

// deleteFile clears the owner's avatar if it points at f, then removes the
// blob and only after that the record.
func (s *Server) deleteFile(f *database.File, l *log.Entry) error {
	l = l.WithFields(log.Fields{"file_id": f.ID, "path": f.StoragePath})
	owner, err := s.ms.GetUser(f.OwnerID)
	if err != nil {
		l.WithError(err).Error("can't get file owner")
		return ErrInternal
	}
	if IsAvatar(owner.Avatar, f.StoragePath) {
		if err := s.ms.ClearAvatar(owner.ID); err != nil {
			l.WithError(err).Error("can't clear avatar")
			return ErrInternal
		}
		l.Info("avatar reference cleared")
	}

	if err := s.fs.Remove(f.StoragePath); err != nil {
		l.WithError(err).Error("can't remove blob, keeping the record")
		return ErrInternal
	}
	if err := s.ms.RemoveFile(f.ID); err != nil {
		l.WithError(err).Error("blob removed but the record is left")
		return ErrInternal
	}
	l.Info("file deleted")
	return nil
}

// RemoveOwnerFiles deletes every file of ownerID, used before the user
// itself is deleted. Files whose blob can't be removed keep their record.
func (s *Server) RemoveOwnerFiles(ctx context.Context, ownerID uint) error {
	l := s.l.WithField("owner_id", ownerID)
	files, err := s.ms.ListUserFiles(ownerID)
	if err != nil {
		l.WithError(err).Error("can't list files of user")
		return ErrInternal
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(cascadeLimit)
	for _, f := range files {
		eg.Go(func() error {
			unlock, err := s.locks.lock(ctx, f.ID)
			if err != nil {
				return err
			}
			defer unlock()
			fl := l.WithFields(log.Fields{"file_id": f.ID, "path": f.StoragePath})
			if err := s.fs.Remove(f.StoragePath); err != nil {
				fl.WithError(err).Error("can't remove blob, keeping the record")
				return ErrInternal
			}
			if err := s.ms.RemoveFile(f.ID); err != nil && !errors.Is(err, database.ErrRecordNotFound) {
				fl.WithError(err).Error("blob removed but the record is left")
				return ErrInternal
			}
			return nil
		})
	}
	err = eg.Wait()
	s.m.ObserveOperation("remove_owner_files", err)
	return err
}

// FilePatch lists what an update may change. A nil field is left alone.
type FilePatch struct {
	NewName *string
	// Comment set to an empty string clears the comment.
	Comment *string
}

func (p FilePatch) empty() bool {
	return (p.NewName == nil || *p.NewName == "") && (p.Comment == nil || *p.Comment == "")
}

// Update renames the file and/or replaces its comment.
func (s *Server) Update(ctx context.Context, caller access.Principal, fileID uint, patch FilePatch) (*database.File, error) {
	if patch.empty() {
		return nil, ErrNothingToDo
	}
	l := s.l.WithFields(log.Fields{"caller_id": caller.ID, "file_id": fileID})
	unlock, err := s.locks.lock(ctx, fileID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	f, err := s.getFile(fileID, l)
	if err == nil {
		err = access.CanUpdate(caller, f.OwnerID)
	}
	if err == nil {
		err = s.applyPatch(f, patch, l)
	}
	s.m.ObserveOperation("update", err)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Server) applyPatch(f *database.File, patch FilePatch, l *log.Entry) error {
	oldPath := f.StoragePath
	if patch.NewName != nil {
		newPath, err := s.fs.Rename(f.StoragePath, *patch.NewName)
		switch {
		case errors.Is(err, blobs.ErrInvalidName):
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		case errors.Is(err, blobs.ErrPathConflict):
			return err
		case errors.Is(err, blobs.ErrBlobNotFound):
			l.WithField("path", f.StoragePath).Error("file record has no blob")
			return ErrInternal
		case err != nil:
			return ErrInternal
		}
		f.StoragePath = newPath
		f.DisplayName = path.Base(newPath)
	}
	if patch.Comment != nil {
		f.Comment = *patch.Comment
	}

	if err := s.ms.SaveFile(f); err != nil {
		l.WithError(err).Error("can't save file metadata")
		if f.StoragePath != oldPath {
			if _, err := s.fs.Rename(f.StoragePath, path.Base(oldPath)); err != nil {
				l.WithError(err).WithFields(log.Fields{"path": f.StoragePath, "old_path": oldPath}).
					Error("can't roll back rename")
			}
		}
		return ErrInternal
	}
	return nil
}

func (s *Server) getFile(id uint, l *log.Entry) (*database.File, error) {
	f, err := s.ms.GetFile(id)
	return f, s.notFoundOrInternal(err, l)
}

func (s *Server) notFoundOrInternal(err error, l *log.Entry) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrRecordNotFound):
		return access.ErrNotFound
	default:
		l.WithError(err).Error("can't get file from db")
		return ErrInternal
	}
}

// IsAvatar reports whether the avatar reference points at storagePath. The
// reference holds either the storage path or the public url built from it.
func IsAvatar(avatar *string, storagePath string) bool {
	if avatar == nil || *avatar == "" {
		return false
	}
	return *avatar == storagePath || strings.HasSuffix(*avatar, "/media/"+storagePath)
}
