package handler

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konorlevich/mycloud/internal/cloud-service/access"
	"github.com/konorlevich/mycloud/internal/cloud-service/storage"
)

func getLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.FatalLevel)
	return logger.WithField("in_test", true)
}

type part struct {
	name, content string
}

// createMultipartRequest builds an upload form with the given file parts and
// plain fields.
func createMultipartRequest(target string, files []part, fields map[string]string) *http.Request {
	var buffer bytes.Buffer
	mw := multipart.NewWriter(&buffer)
	for _, f := range files {
		fw, err := mw.CreateFormFile(fieldNameFile, f.name)
		if err != nil {
			panic(err)
		}
		if _, err = fw.Write([]byte(f.content)); err != nil {
			panic(err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			panic(err)
		}
	}
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, target, &buffer)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestNewUploadData(t *testing.T) {
	admin := access.Principal{ID: 1, IsAdmin: true}
	user := access.Principal{ID: 2}

	tests := []struct {
		description    string
		caller         access.Principal
		request        *http.Request
		expectedError  error
		verifyResponse func(t *testing.T, ud *uploadData)
	}{
		{
			description: "files and comment",
			caller:      user,
			request: createMultipartRequest("/api/files/1/upload",
				[]part{{"a.txt", "aaa"}, {"b.txt", "bb"}},
				map[string]string{fieldNameComment: "batch"}),
			verifyResponse: func(t *testing.T, ud *uploadData) {
				require.Len(t, ud.req.Files, 2)
				assert.Equal(t, "batch", ud.req.Comment)
				assert.Nil(t, ud.req.TargetUserID)
				assert.Equal(t, "a.txt", ud.req.Files[0].Name)
				assert.EqualValues(t, 3, ud.req.Files[0].Size)
				rc, err := ud.req.Files[1].Open()
				require.NoError(t, err)
				defer rc.Close()
				b, err := io.ReadAll(rc)
				require.NoError(t, err)
				assert.Equal(t, "bb", string(b))
			},
		},
		{
			description: "target user",
			caller:      admin,
			request: createMultipartRequest("/api/files/1/upload",
				[]part{{"a.txt", "a"}}, map[string]string{fieldNameTarget: "42"}),
			verifyResponse: func(t *testing.T, ud *uploadData) {
				require.NotNil(t, ud.req.TargetUserID)
				assert.EqualValues(t, 42, *ud.req.TargetUserID)
			},
		},
		{
			description:   "bad target user from admin",
			caller:        admin,
			request:       createMultipartRequest("/api/files/1/upload", []part{{"a.txt", "a"}}, map[string]string{fieldNameTarget: "me"}),
			expectedError: errBadID,
		},
		{
			description: "target ignored for regular user",
			caller:      user,
			request: createMultipartRequest("/api/files/2/upload",
				[]part{{"a.txt", "a"}}, map[string]string{fieldNameTarget: "42"}),
			verifyResponse: func(t *testing.T, ud *uploadData) {
				assert.Nil(t, ud.req.TargetUserID)
				assert.Len(t, ud.req.Files, 1)
			},
		},
		{
			description: "bad target ignored for regular user",
			caller:      user,
			request: createMultipartRequest("/api/files/2/upload",
				[]part{{"a.txt", "a"}}, map[string]string{fieldNameTarget: "me"}),
			verifyResponse: func(t *testing.T, ud *uploadData) {
				assert.Nil(t, ud.req.TargetUserID)
				assert.Len(t, ud.req.Files, 1)
			},
		},
		{
			description: "form without files",
			caller:      user,
			request:     createMultipartRequest("/api/files/1/upload", nil, map[string]string{fieldNameComment: "x"}),
			verifyResponse: func(t *testing.T, ud *uploadData) {
				assert.Empty(t, ud.req.Files)
			},
		},
		{
			description:   "not a form",
			caller:        user,
			request:       httptest.NewRequest(http.MethodPost, "/api/files/1/upload", strings.NewReader("{}")),
			expectedError: storage.ErrNoFiles,
		},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			ud, err := newUploadData(tt.request, tt.caller, getLogger())
			if !errors.Is(err, tt.expectedError) {
				t.Fatalf("newUploadData() error = %v, expected %v", err, tt.expectedError)
			}
			if tt.verifyResponse != nil {
				defer ud.cleanup()
				tt.verifyResponse(t, ud)
			}
		})
	}
}

func TestParseID(t *testing.T) {
	for raw, want := range map[string]uint{"1": 1, " 17 ": 17} {
		got, err := parseID(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	for _, raw := range []string{"", "0", "-1", "abc", "1.5"} {
		_, err := parseID(raw)
		assert.ErrorIs(t, err, errBadID, raw)
	}
}

func TestContentDisposition(t *testing.T) {
	assert.Equal(t, `attachment; filename="report.pdf"`, contentDisposition("report.pdf"))
	assert.Equal(t, `attachment; filename="my report.pdf"`, contentDisposition("my report.pdf"))
	assert.Equal(t, `attachment; filename*=utf-8''%D0%BE%D1%82%D1%87%D1%91%D1%82.pdf`, contentDisposition("отчёт.pdf"))
}
