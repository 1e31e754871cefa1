package models

import "time"

// User is a practitioner known to the system. Rows are created on first
// sign-in and never hard-deleted.
type User struct {
	ID             string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	PractitionerID string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"practitionerId"`
	Name           string    `gorm:"type:varchar(255);not null;default:''" json:"name"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (User) TableName() string { return "users" }
