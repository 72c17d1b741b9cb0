package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/mycloud/internal/cloud-service/access"
	"github.com/konorlevich/mycloud/internal/cloud-service/accounts"
	"github.com/konorlevich/mycloud/internal/cloud-service/database"
	"github.com/konorlevich/mycloud/internal/cloud-service/handler/middleware"
	"github.com/konorlevich/mycloud/internal/cloud-service/storage"
	"github.com/konorlevich/mycloud/internal/cloud-service/storage/blobs"
	"github.com/konorlevich/mycloud/internal/cloud-service/view"
)

type FileService interface {
	Upload(ctx context.Context, caller access.Principal, req storage.UploadRequest) (*storage.UploadReport, error)
	List(caller access.Principal, userID uint) ([]*database.File, error)
	Download(ctx context.Context, caller access.Principal, fileID uint) (*database.File, *os.File, error)
	Delete(ctx context.Context, caller access.Principal, userID, fileID uint) error
	Update(ctx context.Context, caller access.Principal, fileID uint, patch storage.FilePatch) (*database.File, error)
}

type AccountService interface {
	middleware.UserResolver
	Register(req accounts.RegisterRequest) (*database.User, string, error)
	Login(login, password string) (*database.User, string, error)
	Me(caller access.Principal) (*database.User, error)
	List(caller access.Principal) ([]*database.User, error)
	Update(caller access.Principal, patch accounts.UserPatch) (*database.User, error)
	Delete(ctx context.Context, caller access.Principal, userID uint) error
}

type MetricsProvider interface {
	middleware.RequestObserver
	Handler() http.Handler
}

type Handler struct {
	files    FileService
	accounts AccountService
	render   *view.Renderer
	l        *log.Entry
}

func NewHandler(
	files FileService,
	accs AccountService,
	tokens middleware.TokenVerifier,
	render *view.Renderer,
	m MetricsProvider,
	l *log.Entry,
) http.Handler {
	h := &Handler{files: files, accounts: accs, render: render, l: l}
	auth := middleware.CheckAuth(tokens, accs)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/users/register", h.register)
	mux.HandleFunc("POST /api/users/login", h.login)
	mux.Handle("GET /api/users/me", auth(http.HandlerFunc(h.me)))
	mux.Handle("PATCH /api/users/update", auth(http.HandlerFunc(h.updateUser)))
	mux.Handle("GET /api/users", auth(http.HandlerFunc(h.listUsers)))
	mux.Handle("DELETE /api/users/{userId}", auth(http.HandlerFunc(h.deleteUser)))

	mux.Handle("POST /api/files/{userId}/upload", auth(http.HandlerFunc(h.upload)))
	mux.Handle("GET /api/files/{userId}", auth(http.HandlerFunc(h.listFiles)))
	mux.Handle("GET /api/files/{fileId}/download", auth(http.HandlerFunc(h.download)))
	mux.Handle("DELETE /api/files/{userId}/delete/{fileId}", auth(http.HandlerFunc(h.deleteFile)))
	mux.Handle("PATCH /api/files/{fileId}/update", auth(http.HandlerFunc(h.updateFile)))

	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write([]byte("ok"))
	})
	var observer middleware.RequestObserver
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
		observer = m
	}
	return middleware.Observe(l, observer)(mux)
}

func (h *Handler) upload(rw http.ResponseWriter, r *http.Request) {
	caller, l := h.caller(r)
	ud, err := newUploadData(r, caller, l)
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	defer ud.cleanup()

	report, err := h.files.Upload(r.Context(), caller, ud.req)
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	switch report.Outcome() {
	case storage.AllUploaded:
		writeJSON(rw, http.StatusCreated, map[string]any{
			"uploaded_files": h.render.Files(report.Uploaded),
		})
	case storage.PartiallyUploaded:
		writeJSON(rw, http.StatusMultiStatus, map[string]any{
			"uploaded_files": h.render.Files(report.Uploaded),
			"errors":         report.Errors,
		})
	default:
		writeJSON(rw, http.StatusBadRequest, map[string]any{"errors": report.Errors})
	}
}

func (h *Handler) listFiles(rw http.ResponseWriter, r *http.Request) {
	caller, l := h.caller(r)
	userID, err := pathID(r, fieldNameUserID)
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	files, err := h.files.List(caller, userID)
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	writeJSON(rw, http.StatusOK, h.render.Files(files))
}

func (h *Handler) download(rw http.ResponseWriter, r *http.Request) {
	caller, l := h.caller(r)
	fileID, err := pathID(r, fieldNameFileID)
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	f, content, err := h.files.Download(r.Context(), caller, fileID)
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	defer content.Close()

	rw.Header().Set("Content-Type", f.ContentType)
	rw.Header().Set("Content-Disposition", contentDisposition(f.DisplayName))
	if info, err := content.Stat(); err == nil {
		rw.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	rw.WriteHeader(http.StatusOK)
	n, err := io.Copy(rw, content)
	if err != nil {
		l.WithError(err).WithField("file_id", fileID).Error("can't send file")
		return
	}
	l.WithFields(log.Fields{"file_id": fileID, "bytes": n}).Info("file sent")
}

// contentDisposition keeps the plain filename for ASCII names and adds the
// RFC 5987 form for everything else.
func contentDisposition(name string) string {
	plain := true
	for _, c := range name {
		if c < 0x20 || c > 0x7e || c == '"' || c == '\\' {
			plain = false
			break
		}
	}
	if plain {
		return fmt.Sprintf(`attachment; filename="%s"`, name)
	}
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

func (h *Handler) deleteFile(rw http.ResponseWriter, r *http.Request) {
	caller, l := h.caller(r)
	userID, err := pathID(r, fieldNameUserID)
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	fileID, err := pathID(r, fieldNameFileID)
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	if err := h.files.Delete(r.Context(), caller, userID, fileID); err != nil {
		h.fail(rw, l, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateFile(rw http.ResponseWriter, r *http.Request) {
	caller, l := h.caller(r)
	fileID, err := pathID(r, fieldNameFileID)
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	var data fileUpdateData
	if err := decodeJSON(rw, r, &data); err != nil {
		h.fail(rw, l, err)
		return
	}
	f, err := h.files.Update(r.Context(), caller, fileID, storage.FilePatch{
		NewName: data.NewName,
		Comment: data.Comment,
	})
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	writeJSON(rw, http.StatusOK, h.render.File(f))
}

func (h *Handler) register(rw http.ResponseWriter, r *http.Request) {
	l := middleware.Logger(r.Context(), h.l)
	var data registerData
	if err := decodeJSON(rw, r, &data); err != nil {
		h.fail(rw, l, err)
		return
	}
	u, token, err := h.accounts.Register(accounts.RegisterRequest{
		Login:    data.Login,
		Fullname: data.Fullname,
		Email:    data.Email,
		Password: data.Password,
	})
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	writeJSON(rw, http.StatusCreated, map[string]any{"user": h.render.User(u), "token": token})
}

func (h *Handler) login(rw http.ResponseWriter, r *http.Request) {
	l := middleware.Logger(r.Context(), h.l)
	var data loginData
	if err := decodeJSON(rw, r, &data); err != nil {
		h.fail(rw, l, err)
		return
	}
	u, token, err := h.accounts.Login(data.Login, data.Password)
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"user": h.render.User(u), "token": token})
}

func (h *Handler) me(rw http.ResponseWriter, r *http.Request) {
	caller, l := h.caller(r)
	u, err := h.accounts.Me(caller)
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"user": h.render.User(u)})
}

func (h *Handler) updateUser(rw http.ResponseWriter, r *http.Request) {
	caller, l := h.caller(r)
	var data userUpdateData
	if err := decodeJSON(rw, r, &data); err != nil {
		h.fail(rw, l, err)
		return
	}
	u, err := h.accounts.Update(caller, accounts.UserPatch{
		ID:       data.ID,
		Fullname: data.Fullname,
		Login:    data.Login,
		Email:    data.Email,
		Password: data.Password,
		Avatar:   data.Avatar,
		IsAdmin:  data.IsAdmin,
	})
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"user": h.render.User(u)})
}

func (h *Handler) listUsers(rw http.ResponseWriter, r *http.Request) {
	caller, l := h.caller(r)
	users, err := h.accounts.List(caller)
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"users": h.render.Users(users)})
}

func (h *Handler) deleteUser(rw http.ResponseWriter, r *http.Request) {
	caller, l := h.caller(r)
	userID, err := pathID(r, fieldNameUserID)
	if err != nil {
		h.fail(rw, l, err)
		return
	}
	if err := h.accounts.Delete(r.Context(), caller, userID); err != nil {
		h.fail(rw, l, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"message": "user deleted"})
}

// caller is only used behind CheckAuth, which guarantees a principal.
func (h *Handler) caller(r *http.Request) (access.Principal, *log.Entry) {
	p, _ := middleware.Principal(r.Context())
	return p, middleware.Logger(r.Context(), h.l)
}

// statusOf maps domain errors onto response codes. Anything unknown is a 500.
func statusOf(err error) int {
	switch {
	case errors.Is(err, access.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, access.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, blobs.ErrPathConflict), errors.Is(err, accounts.ErrLoginTaken):
		return http.StatusConflict
	case errors.Is(err, accounts.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, storage.ErrInvalidInput),
		errors.Is(err, accounts.ErrInvalidInput),
		errors.Is(err, blobs.ErrInvalidName),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(rw http.ResponseWriter, l *log.Entry, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		l.WithError(err).Error("request failed")
		msg = http.StatusText(status)
	}
	writeJSON(rw, status, map[string]string{"error": msg})
}

func writeJSON(rw http.ResponseWriter, status int, body any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(body); err != nil {
		log.WithError(err).Error("can't write response")
	}
}
