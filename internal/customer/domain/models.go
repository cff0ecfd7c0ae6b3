package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Customer, Contact, ContactEmail and ContactLink are owned by the CRM side.
// This service only reads them to link provider records by email.
type Customer struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Name      string       `gorm:"not null" json:"name"`
	Email     string       `gorm:"index" json:"email"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (Customer) TableName() string { return "customers" }

type Contact struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Name      string       `gorm:"not null" json:"name"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

func (Contact) TableName() string { return "contacts" }

type ContactEmail struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	ContactID snowflake.ID `gorm:"not null;index" json:"contact_id"`
	Email     string       `gorm:"not null;index" json:"email"`
	IsPrimary bool         `gorm:"not null" json:"is_primary"`
}

func (ContactEmail) TableName() string { return "contact_emails" }

const LinkTypeCustomer = "customer"

type ContactLink struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	ContactID snowflake.ID `gorm:"not null;index" json:"contact_id"`
	LinkType  string       `gorm:"not null" json:"link_type"`
	LinkID    snowflake.ID `gorm:"not null" json:"link_id"`
}

func (ContactLink) TableName() string { return "contact_links" }
