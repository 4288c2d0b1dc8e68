package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

type Schema struct {
	FieldSpecificTime string
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Schema{}, "field_specific_time"); err != nil {
		return fmt.Errorf("error adding FieldSpecificTime column: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&Schema{}, "field_specific_time"); err != nil {
		return fmt.Errorf("error dropping FieldSpecificTime column: %w", err)
	}

	return nil
}
