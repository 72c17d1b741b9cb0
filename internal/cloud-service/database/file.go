package database

import "time"

type File struct {
	ID               uint   `gorm:"primaryKey"`
	OwnerID          uint   `gorm:"index;not null"`
	DisplayName      string `gorm:"not null"`
	StoragePath      string `gorm:"uniqueIndex;not null"`
	SizeBytes        int64  `gorm:"not null"`
	ContentType      string
	Comment          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastDownloadedAt *time.Time
}
