package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/mycloud/internal/cloud-service/access"
	"github.com/konorlevich/mycloud/internal/cloud-service/storage"
)

const (
	fieldNameUserID  = "userId"
	fieldNameFileID  = "fileId"
	fieldNameFile    = "file"
	fieldNameComment = "comment"
	fieldNameTarget  = "user_id"

	maxMemory   = 32 << 20
	maxJSONBody = 1 << 20
)

var (
	errBadRequest    = errors.New("bad request")
	errCantParseForm = fmt.Errorf("%w: can't parse request form", errBadRequest)
	errCantParseBody = fmt.Errorf("%w: can't parse request body", errBadRequest)
	errBadID         = fmt.Errorf("%w: id must be a positive integer", errBadRequest)
)

// pathID reads a positive integer path value.
func pathID(r *http.Request, name string) (uint, error) {
	return parseID(r.PathValue(name))
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 0)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q", errBadID, raw)
	}
	return uint(id), nil
}

// uploadData is the parsed multipart upload. cleanup drops the temp files
// the form spilled to disk.
type uploadData struct {
	req     storage.UploadRequest
	cleanup func()
}

// newUploadData parses the upload form. The target user is read for admins
// only; anyone else always uploads into their own storage.
func newUploadData(r *http.Request, caller access.Principal, l *log.Entry) (*uploadData, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
			return nil, storage.ErrNoFiles
		}
		l.WithError(err).Error(errCantParseForm)
		return nil, errCantParseForm
	}
	form := r.MultipartForm
	ud := &uploadData{cleanup: func() { _ = form.RemoveAll() }}

	ud.req.Comment = r.FormValue(fieldNameComment)
	if raw := r.FormValue(fieldNameTarget); raw != "" && caller.IsAdmin {
		target, err := parseID(raw)
		if err != nil {
			ud.cleanup()
			return nil, err
		}
		ud.req.TargetUserID = &target
	}
	for _, fh := range form.File[fieldNameFile] {
		ud.req.Files = append(ud.req.Files, uploadItem(fh))
	}
	return ud, nil
}

func uploadItem(fh *multipart.FileHeader) storage.UploadItem {
	return storage.UploadItem{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

type fileUpdateData struct {
	NewName *string `json:"new_name"`
	Comment *string `json:"comment"`
}

type registerData struct {
	Login    string `json:"login"`
	Fullname string `json:"fullname"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginData struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type userUpdateData struct {
	ID       *uint   `json:"id"`
	Fullname *string `json:"fullname"`
	Login    *string `json:"login"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	Avatar   *string `json:"avatar"`
	IsAdmin  *bool   `json:"is_admin"`
}

// decodeJSON reads a bounded JSON body into dst. Unknown fields are ignored.
func decodeJSON(rw http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxJSONBody)).Decode(dst); err != nil {
		return fmt.Errorf("%w: %s", errCantParseBody, err)
	}
	return nil
}
