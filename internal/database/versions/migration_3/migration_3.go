package migration_3

import (
	"fmt"

	"gorm.io/gorm"
)

type Schema struct {
	Archived bool `gorm:"default:false"`
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Schema{}, "archived"); err != nil {
		return fmt.Errorf("error adding Archived column: %w", err)
	}

	if err := db.Model(&Schema{}).
		Where("archived IS NULL").
		Update("archived", false).Error; err != nil {
		return fmt.Errorf("error setting default value for Archived: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&Schema{}, "archived"); err != nil {
		return fmt.Errorf("error dropping Archived column: %w", err)
	}

	return nil
}
