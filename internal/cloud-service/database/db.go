package database

import (
	"database/sql"
	"time"

	sqliteGo "github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const CustomDriverName = "sqlite3_cloud"

const DefaultFile = "cloud-service.db"

var (
	ErrRecordNotFound = gorm.ErrRecordNotFound
	ErrDuplicatedKey  = gorm.ErrDuplicatedKey
)

func init() {
	sql.Register(CustomDriverName,
		&sqliteGo.SQLiteDriver{
			ConnectHook: func(conn *sqliteGo.SQLiteConn) error {
				// cascading user deletion relies on foreign keys
				if _, err := conn.Exec("PRAGMA foreign_keys = ON", nil); err != nil {
					return err
				}
				_, err := conn.Exec("PRAGMA busy_timeout = 5000", nil)
				return err
			},
		},
	)
}

func NewDb(file string) (*gorm.DB, error) {
	conn, err := sql.Open(CustomDriverName, file)
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer, keep one connection so requests queue instead of failing
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxIdleTime(time.Minute)

	db, err := gorm.Open(sqlite.Dialector{
		DriverName: CustomDriverName,
		DSN:        file,
		Conn:       conn,
	}, &gorm.Config{
		Logger:                   logger.Default.LogMode(logger.Warn),
		SkipDefaultTransaction:   true,
		DisableNestedTransaction: true,
		TranslateError:           true,
	})
	if err != nil {
		return nil, err
	}
	if err = db.AutoMigrate(&User{}, &File{}); err != nil {
		return nil, err
	}
	return db, nil
}
