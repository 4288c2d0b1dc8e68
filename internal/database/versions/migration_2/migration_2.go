package migration_2

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type GeocodeCacheEntry struct {
	WorkspaceId uuid.UUID      `gorm:"type:uuid;primaryKey"`
	RunId       uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Location    string         `gorm:"primaryKey;size:255"`
	Resolved    datatypes.JSON `gorm:"type:jsonb"`
	Timestamp   time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&GeocodeCacheEntry{}); err != nil {
		return fmt.Errorf("Migration2 failed: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&GeocodeCacheEntry{}); err != nil {
		return fmt.Errorf("Rollback2 failed: %w", err)
	}
	return nil
}
