// Package view renders metadata records into the JSON shapes served to
// clients.
package view

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/konorlevich/mycloud/internal/cloud-service/database"
)

const dateLayout = "02.01.2006 15:04:05"

type File struct {
	ID             uint    `json:"id"`
	FileName       string  `json:"file_name"`
	URL            string  `json:"url"`
	FileSize       string  `json:"file_size"`
	UploadDate     string  `json:"upload_date"`
	LastDownloaded *string `json:"last_downloaded"`
	UpdatedAt      string  `json:"updated_at"`
	Comment        string  `json:"comment"`
	UserID         uint    `json:"user_id"`
	Type           string  `json:"type"`
}

type User struct {
	ID       uint    `json:"id"`
	Login    string  `json:"login"`
	Fullname string  `json:"fullname"`
	Email    *string `json:"email"`
	Avatar   *string `json:"avatar"`
	IsAdmin  bool    `json:"is_admin"`
	Files    []*File `json:"files"`
}

// Renderer holds what serialization needs from the environment: the public
// base url of the service and the zone dates are shown in.
type Renderer struct {
	baseURL  string
	location *time.Location
}

func NewRenderer(baseURL string, location *time.Location) *Renderer {
	if location == nil {
		location = time.UTC
	}
	return &Renderer{baseURL: strings.TrimRight(baseURL, "/"), location: location}
}

// MediaURL is the public address of a stored blob.
func (r *Renderer) MediaURL(storagePath string) string {
	return r.baseURL + "/media/" + storagePath
}

func (r *Renderer) File(f *database.File) *File {
	v := &File{
		ID:          f.ID,
		FileName:    StripExtension(f.DisplayName),
		URL:         r.MediaURL(f.StoragePath),
		FileSize:    FormatSize(f.SizeBytes),
		UploadDate:  f.CreatedAt.In(r.location).Format(dateLayout),
		UpdatedAt:   f.UpdatedAt.In(r.location).Format(time.RFC3339),
		Comment:     f.Comment,
		UserID:      f.OwnerID,
		Type:        f.ContentType,
	}
	if f.LastDownloadedAt != nil {
		s := f.LastDownloadedAt.In(r.location).Format(dateLayout)
		v.LastDownloaded = &s
	}
	return v
}

func (r *Renderer) Files(files []*database.File) []*File {
	return lo.Map(files, func(f *database.File, _ int) *File {
		return r.File(f)
	})
}

func (r *Renderer) User(u *database.User) *User {
	return &User{
		ID:       u.ID,
		Login:    u.Login,
		Fullname: u.Fullname,
		Email:    u.Email,
		Avatar:   u.Avatar,
		IsAdmin:  u.IsAdmin,
		Files:    r.Files(u.Files),
	}
}

func (r *Renderer) Users(users []*database.User) []*User {
	return lo.Map(users, func(u *database.User, _ int) *User {
		return r.User(u)
	})
}

// StripExtension drops the last extension of a display name.
func StripExtension(name string) string {
	ext := path.Ext(name)
	if ext == name {
		return name
	}
	return strings.TrimSuffix(name, ext)
}

// FormatSize renders a byte count with binary units: "512 Б", "2.50 МБ".
func FormatSize(size int64) string {
	const unit = 1024
	switch {
	case size < unit:
		return fmt.Sprintf("%d Б", size)
	case size < unit*unit:
		return fmt.Sprintf("%.2f КБ", float64(size)/unit)
	case size < unit*unit*unit:
		return fmt.Sprintf("%.2f МБ", float64(size)/(unit*unit))
	default:
		return fmt.Sprintf("%.2f ГБ", float64(size)/(unit*unit*unit))
	}
}
