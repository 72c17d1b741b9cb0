package database

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/mycloud/internal/cloud-service/storage/blobs"
)

type BootstrapConfig struct {
	StorageRoot   string
	AdminLogin    string
	AdminPassword string
	// HashPassword turns the plain admin password into its stored form.
	HashPassword func(string) (string, error)
}

// Bootstrap prepares the storage tree and the initial administrator. It is
// safe to run on every start; it reports whether an admin was created.
func Bootstrap(r *Repository, cfg BootstrapConfig, l *log.Entry) (bool, error) {
	dir := filepath.Join(cfg.StorageRoot, blobs.UserFilesDir)
	if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
		return false, fmt.Errorf("can't create storage dir %s: %w", dir, err)
	}
	if cfg.AdminPassword == "" || cfg.AdminLogin == "" {
		l.Info("admin credentials are not set, skipping admin bootstrap")
		return false, nil
	}

	existing, err := r.GetUserByLogin(cfg.AdminLogin)
	switch {
	case err == nil:
		if !existing.IsAdmin {
			l.WithField("login", cfg.AdminLogin).Warning("bootstrap login belongs to a regular user")
		}
		return false, nil
	case !errors.Is(err, ErrRecordNotFound):
		return false, fmt.Errorf("can't look up admin: %w", err)
	}

	hash, err := cfg.HashPassword(cfg.AdminPassword)
	if err != nil {
		return false, fmt.Errorf("can't hash admin password: %w", err)
	}
	admin := &User{
		Login:    cfg.AdminLogin,
		Fullname: cfg.AdminLogin,
		Password: hash,
		IsAdmin:  true,
		IsActive: true,
	}
	if err := r.CreateUser(admin); err != nil {
		return false, fmt.Errorf("can't create admin: %w", err)
	}
	l.WithField("login", admin.Login).Info("admin user created")
	return true, nil
}
