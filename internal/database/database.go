package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gamgui/gamgui/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&CommandRecord{}, &Setting{}, &StoredCredential{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	return nil
}

func seedDefaults() error {
	defaults := map[string]string{
		"backend_preference": "auto",
	}

	for key, value := range defaults {
		var count int64
		DB.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Command history helpers

func AppendCommandRecord(rec *CommandRecord) error {
	return DB.Create(rec).Error
}

func ListCommandRecords(sessionID string, limit, offset int) ([]CommandRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var recs []CommandRecord
	err := DB.Where("session_id = ?", sessionID).
		Order("id").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func CountCommandRecords(sessionID string) (int64, error) {
	var count int64
	err := DB.Model(&CommandRecord{}).Where("session_id = ?", sessionID).Count(&count).Error
	return count, err
}

// PurgeCommandRecords removes history older than the retention window.
// Called by the background sweep; session deletion does not purge history.
func PurgeCommandRecords(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	return DB.Where("started_at < ?", cutoff).Delete(&CommandRecord{}).Error
}

// Stored credential helpers (values are Fernet-encrypted by the caller)

func GetStoredCredential(ref string) (*StoredCredential, error) {
	var c StoredCredential
	if err := DB.Where("ref = ?", ref).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func SaveStoredCredential(cred *StoredCredential) error {
	return DB.Where("ref = ?", cred.Ref).Assign(StoredCredential{Value: cred.Value}).FirstOrCreate(cred).Error
}
