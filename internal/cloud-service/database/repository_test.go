package database

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konorlevich/mycloud/internal/cloud-service/storage/blobs"
)

func setup(t *testing.T) *Repository {
	t.Helper()
	db, err := NewDb(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to connect database: %s", err)
	}
	return NewRepository(db)
}

func addUser(t *testing.T, repo *Repository, login string) *User {
	t.Helper()
	u := &User{Login: login, Fullname: login, Password: "hash"}
	if err := repo.CreateUser(u); err != nil {
		t.Fatalf("can't save user: %s", err)
	}
	return u
}

func addFile(t *testing.T, repo *Repository, owner *User, path string) *File {
	t.Helper()
	f := &File{OwnerID: owner.ID, DisplayName: filepath.Base(path), StoragePath: path, SizeBytes: 10}
	if err := repo.CreateFile(f); err != nil {
		t.Fatalf("can't save file: %s", err)
	}
	return f
}

func TestRepository_CreateUserGetUser(t *testing.T) {
	repo := setup(t)
	email := "alice@example.com"
	tests := []struct {
		name    string
		user    *User
		wantErr error
	}{
		{"alice", &User{Login: "alice", Fullname: "Alice", Email: &email, Password: "h"}, nil},
		{"bob without email", &User{Login: "bob", Fullname: "Bob", Password: "h"}, nil},
		{"carol without email", &User{Login: "carol", Fullname: "Carol", Password: "h"}, nil},
		{"same login", &User{Login: "alice", Fullname: "Alice 2", Password: "h"}, ErrDuplicatedKey},
		{"same email", &User{Login: "dave", Fullname: "Dave", Email: &email, Password: "h"}, ErrDuplicatedKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.CreateUser(tt.user)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreateUser() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			t.Run("check saved user", func(t *testing.T) {
				got, err := repo.GetUser(tt.user.ID)
				require.NoError(t, err)
				assert.True(t, got.IsActive)
				assert.False(t, got.IsAdmin)
				assert.False(t, got.DateJoined.IsZero())
				byLogin, err := repo.GetUserByLogin(tt.user.Login)
				require.NoError(t, err)
				assert.Equal(t, got.ID, byLogin.ID)
			})
		})
	}

	_, err := repo.GetUser(1000)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = repo.GetUserByLogin("")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRepository_UserFiles(t *testing.T) {
	repo := setup(t)
	alice := addUser(t, repo, "alice")
	bob := addUser(t, repo, "bob")
	a1 := addFile(t, repo, alice, "user_files/1/a.txt")
	b1 := addFile(t, repo, bob, "user_files/2/b.txt")
	a2 := addFile(t, repo, alice, "user_files/1/c.txt")

	dup := &File{OwnerID: bob.ID, DisplayName: "a.txt", StoragePath: a1.StoragePath}
	assert.ErrorIs(t, repo.CreateFile(dup), ErrDuplicatedKey)

	ids := func(files []*File) []uint {
		res := make([]uint, 0, len(files))
		for _, f := range files {
			res = append(res, f.ID)
		}
		return res
	}

	all, err := repo.ListFiles()
	require.NoError(t, err)
	if diff := cmp.Diff([]uint{a1.ID, b1.ID, a2.ID}, ids(all)); diff != "" {
		t.Errorf("ListFiles() mismatch (-want +got):\n%s", diff)
	}
	own, err := repo.ListUserFiles(alice.ID)
	require.NoError(t, err)
	if diff := cmp.Diff([]uint{a1.ID, a2.ID}, ids(own)); diff != "" {
		t.Errorf("ListUserFiles() mismatch (-want +got):\n%s", diff)
	}

	withFiles, err := repo.GetUserWithFiles(alice.ID)
	require.NoError(t, err)
	if diff := cmp.Diff([]uint{a1.ID, a2.ID}, ids(withFiles.Files)); diff != "" {
		t.Errorf("GetUserWithFiles() mismatch (-want +got):\n%s", diff)
	}

	users, err := repo.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Len(t, users[1].Files, 1)

	_, err = repo.GetUserFile(a1.ID, bob.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	got, err := repo.GetUserFile(a1.ID, alice.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(a1, got,
		cmpopts.IgnoreFields(File{}, "CreatedAt", "UpdatedAt"),
	); diff != "" {
		t.Errorf("GetUserFile() mismatch (-want +got):\n%s", diff)
	}
}

func TestRepository_SaveFileTouchDownloaded(t *testing.T) {
	repo := setup(t)
	alice := addUser(t, repo, "alice")
	f := addFile(t, repo, alice, "user_files/1/a.txt")
	created := f.UpdatedAt

	time.Sleep(10 * time.Millisecond)
	f.Comment = "hello"
	require.NoError(t, repo.SaveFile(f))
	got, err := repo.GetFile(f.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Comment)
	assert.True(t, got.UpdatedAt.After(created))
	assert.Nil(t, got.LastDownloadedAt)

	at := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.TouchDownloaded(f.ID, at))
	got, err = repo.GetFile(f.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastDownloadedAt)
	assert.True(t, at.Equal(*got.LastDownloadedAt))

	assert.ErrorIs(t, repo.TouchDownloaded(1000, at), ErrRecordNotFound)
}

func TestRepository_Remove(t *testing.T) {
	repo := setup(t)
	alice := addUser(t, repo, "alice")
	bob := addUser(t, repo, "bob")
	a1 := addFile(t, repo, alice, "user_files/1/a.txt")
	b1 := addFile(t, repo, bob, "user_files/2/b.txt")

	avatar := a1.StoragePath
	alice.Avatar = &avatar
	require.NoError(t, repo.SaveUser(alice))
	require.NoError(t, repo.ClearAvatar(alice.ID))
	got, err := repo.GetUser(alice.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Avatar)
	assert.ErrorIs(t, repo.ClearAvatar(1000), ErrRecordNotFound)

	require.NoError(t, repo.RemoveFile(b1.ID))
	assert.ErrorIs(t, repo.RemoveFile(b1.ID), ErrRecordNotFound)

	require.NoError(t, repo.RemoveUser(alice.ID))
	assert.ErrorIs(t, repo.RemoveUser(alice.ID), ErrRecordNotFound)
	_, err = repo.GetFile(a1.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound, "files follow their owner")
}

func TestBootstrap(t *testing.T) {
	repo := setup(t)
	l := log.New()
	l.SetLevel(log.FatalLevel)
	entry := l.WithField("in_test", true)
	root := filepath.Join(t.TempDir(), "media")
	hash := func(s string) (string, error) { return "hashed:" + s, nil }

	created, err := Bootstrap(repo, BootstrapConfig{StorageRoot: root, HashPassword: hash}, entry)
	require.NoError(t, err)
	assert.False(t, created, "no credentials, no admin")
	info, err := os.Stat(filepath.Join(root, blobs.UserFilesDir))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	cfg := BootstrapConfig{StorageRoot: root, AdminLogin: "admin", AdminPassword: "secret", HashPassword: hash}
	created, err = Bootstrap(repo, cfg, entry)
	require.NoError(t, err)
	assert.True(t, created)
	admin, err := repo.GetUserByLogin("admin")
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)
	assert.Equal(t, "hashed:secret", admin.Password)

	created, err = Bootstrap(repo, cfg, entry)
	require.NoError(t, err)
	assert.False(t, created, "second run keeps the existing admin")

	_, err = Bootstrap(repo, BootstrapConfig{StorageRoot: root, AdminLogin: "x", AdminPassword: "y",
		HashPassword: func(string) (string, error) { return "", errors.New("boom") }}, entry)
	assert.Error(t, err)
}
