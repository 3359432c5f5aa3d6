package audit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Entry is one committed clearinghouse event.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Seq        uint64    `gorm:"uniqueIndex;not null" json:"seq"`
	Type       string    `gorm:"index;not null" json:"type"`
	Vault      string    `gorm:"index" json:"vault,omitempty"`
	Account    string    `gorm:"index" json:"account,omitempty"`
	Attributes string    `gorm:"type:text;not null" json:"-"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName pins the table name across drivers.
func (Entry) TableName() string { return "clearing_audit_entries" }

// AutoMigrate creates or updates the audit schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{})
}
