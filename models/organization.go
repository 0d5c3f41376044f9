package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization is the tenant root. All assessments and private documents
// hang off an organization; global documents have no organization.
type Organization struct {
	ID   uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Code string    `json:"code" gorm:"type:varchar(100);not null;uniqueIndex"`
	Name string    `json:"name" gorm:"not null"`

	// Soft archival; archived organizations keep their data but reject writes.
	Active bool `json:"active" gorm:"not null;default:true"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (Organization) TableName() string {
	return "compliance.organizations"
}
