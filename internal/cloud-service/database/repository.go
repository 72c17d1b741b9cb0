package database

import (
	"time"

	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(u *User) error {
	if u.DateJoined.IsZero() {
		u.DateJoined = time.Now()
	}
	return r.db.Create(u).Error
}

func (r *Repository) GetUser(id uint) (*User, error) {
	u := &User{}
	return u, r.db.First(u, id).Error
}

func (r *Repository) GetUserByLogin(login string) (*User, error) {
	u := &User{}
	return u, r.db.Where("login = ?", login).First(u).Error
}

// GetUserWithFiles loads the user together with the files it owns.
func (r *Repository) GetUserWithFiles(id uint) (*User, error) {
	u := &User{}
	return u, r.db.Preload("Files", func(db *gorm.DB) *gorm.DB {
		return db.Order("files.id")
	}).First(u, id).Error
}

func (r *Repository) ListUsers() ([]*User, error) {
	var res []*User
	return res, r.db.
		Preload("Files", func(db *gorm.DB) *gorm.DB {
			return db.Order("files.id")
		}).
		Order("id").
		Find(&res).Error
}

func (r *Repository) SaveUser(u *User) error {
	return r.db.Save(u).Error
}

func (r *Repository) ClearAvatar(userID uint) error {
	tx := r.db.Model(&User{}).Where("id = ?", userID).Update("avatar", nil)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *Repository) RemoveUser(id uint) error {
	tx := r.db.Delete(&User{}, id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *Repository) CreateFile(f *File) error {
	return r.db.Create(f).Error
}

func (r *Repository) GetFile(id uint) (*File, error) {
	f := &File{}
	return f, r.db.First(f, id).Error
}

// GetUserFile finds the file only when it belongs to ownerID.
func (r *Repository) GetUserFile(id, ownerID uint) (*File, error) {
	f := &File{}
	return f, r.db.Where("owner_id = ?", ownerID).First(f, id).Error
}

func (r *Repository) ListFiles() ([]*File, error) {
	var res []*File
	return res, r.db.Order("id").Find(&res).Error
}

func (r *Repository) ListUserFiles(ownerID uint) ([]*File, error) {
	var res []*File
	return res, r.db.Where("owner_id = ?", ownerID).Order("id").Find(&res).Error
}

// SaveFile writes every column of f and bumps UpdatedAt.
func (r *Repository) SaveFile(f *File) error {
	return r.db.Save(f).Error
}

func (r *Repository) TouchDownloaded(id uint, at time.Time) error {
	tx := r.db.Model(&File{ID: id}).Update("last_downloaded_at", at)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *Repository) RemoveFile(id uint) error {
	tx := r.db.Delete(&File{}, id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}
