package database

import "time"

type User struct {
	ID       uint    `gorm:"primaryKey"`
	Login    string  `gorm:"uniqueIndex;not null"`
	Fullname string  `gorm:"not null"`
	Email    *string `gorm:"uniqueIndex"`
	Password string  `gorm:"not null"`
	// Avatar is a loose reference to one of the user's files: its storage path
	// or the public url built from it. Renaming the file does not update it.
	Avatar     *string
	IsAdmin    bool `gorm:"not null;default:false"`
	IsActive   bool `gorm:"not null;default:true"`
	DateJoined time.Time
	Files      []*File `gorm:"foreignKey:OwnerID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}
