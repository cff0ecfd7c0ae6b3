package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const GatewayKeyPrefix = "lemonsqueezy-"

// Anchor is one configured LemonSqueezy integration. Its webhook secret
// authenticates inbound deliveries and its API key authorizes outbound calls.
// Both are stored sealed.
type Anchor struct {
	ID               snowflake.ID `json:"id" gorm:"primaryKey"`
	Name             string       `json:"name" gorm:"type:text;not null"`
	GatewayKey       string       `json:"gateway_key" gorm:"type:text;not null;uniqueIndex:ux_lemonsqueezy_settings_gateway_key"`
	StoreID          string       `json:"store_id" gorm:"type:text"`
	WebhookSecret    string       `json:"-" gorm:"column:webhook_secret_encrypted;type:text"`
	APIKey           string       `json:"-" gorm:"column:api_key_encrypted;type:text"`
	DefaultVariantID string       `json:"default_variant_id" gorm:"type:text"`
	Enabled          bool         `json:"enabled" gorm:"not null"`
	SanitizeLogs     bool         `json:"sanitize_logs" gorm:"not null"`
	VerboseLogging   bool         `json:"verbose_logging" gorm:"not null"`
	CreatedAt        time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time    `json:"updated_at" gorm:"not null"`
}

func (Anchor) TableName() string { return "lemonsqueezy_settings" }

func (a *Anchor) HasWebhookSecret() bool { return a != nil && a.WebhookSecret != "" }

func (a *Anchor) HasAPIKey() bool { return a != nil && a.APIKey != "" }

// Summary is the admin view of an anchor. Secrets are reported only as present or not.
type Summary struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	GatewayKey       string    `json:"gateway_key"`
	StoreID          string    `json:"store_id,omitempty"`
	DefaultVariantID string    `json:"default_variant_id,omitempty"`
	Enabled          bool      `json:"enabled"`
	SanitizeLogs     bool      `json:"sanitize_logs"`
	VerboseLogging   bool      `json:"verbose_logging"`
	HasWebhookSecret bool      `json:"has_webhook_secret"`
	HasAPIKey        bool      `json:"has_api_key"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func NewSummary(a *Anchor) Summary {
	return Summary{
		ID:               a.ID.String(),
		Name:             a.Name,
		GatewayKey:       a.GatewayKey,
		StoreID:          a.StoreID,
		DefaultVariantID: a.DefaultVariantID,
		Enabled:          a.Enabled,
		SanitizeLogs:     a.SanitizeLogs,
		VerboseLogging:   a.VerboseLogging,
		HasWebhookSecret: a.HasWebhookSecret(),
		HasAPIKey:        a.HasAPIKey(),
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

// UpsertRequest creates an anchor, or updates the one addressed by ID or by
// name. Empty secrets keep the stored value.
type UpsertRequest struct {
	ID               *snowflake.ID `json:"id,omitempty"`
	Name             string        `json:"name" binding:"required,max=255"`
	StoreID          string        `json:"store_id" binding:"omitempty,numeric"`
	WebhookSecret    string        `json:"webhook_secret" binding:"omitempty,min=6"`
	APIKey           string        `json:"api_key"`
	DefaultVariantID string        `json:"default_variant_id" binding:"omitempty,numeric"`
	Enabled          *bool         `json:"enabled"`
	SanitizeLogs     *bool         `json:"sanitize_logs"`
	VerboseLogging   *bool         `json:"verbose_logging"`
}

type ConnectionResult struct {
	OK        bool   `json:"ok"`
	StoreID   string `json:"store_id"`
	StoreName string `json:"store_name,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Anchor, error)
	FindByGatewayKey(ctx context.Context, db *gorm.DB, gatewayKey string) (*Anchor, error)
	List(ctx context.Context, db *gorm.DB) ([]Anchor, error)
	ListEnabled(ctx context.Context, db *gorm.DB) ([]Anchor, error)
	Insert(ctx context.Context, db *gorm.DB, anchor *Anchor) error
	Update(ctx context.Context, db *gorm.DB, anchor *Anchor) error
}

type Service interface {
	Upsert(ctx context.Context, req UpsertRequest) (*Summary, error)
	List(ctx context.Context) ([]Summary, error)
	Get(ctx context.Context, id snowflake.ID) (*Anchor, error)
	// ListEnabled returns enabled anchors ordered by creation time, then id.
	ListEnabled(ctx context.Context) ([]Anchor, error)
	FirstEnabled(ctx context.Context) (*Anchor, error)
	// Secret returns the plaintext webhook secret, or "" when none is stored.
	Secret(ctx context.Context, anchor *Anchor) (string, error)
	// APIKey returns the plaintext API key, or "" when none is stored.
	APIKey(ctx context.Context, anchor *Anchor) (string, error)
	TestConnection(ctx context.Context, id snowflake.ID) (*ConnectionResult, error)
}

var (
	ErrInvalidName          = errors.New("invalid_name")
	ErrNotFound             = errors.New("not_found")
	ErrNoEnabledAnchor      = errors.New("no_enabled_anchor")
	ErrAlreadyExists        = errors.New("anchor_already_exists")
	ErrEncryptionKeyMissing = errors.New("encryption_key_missing")
	ErrDecryptFailed        = errors.New("secret_decrypt_failed")
	ErrMissingCredentials   = errors.New("missing_credentials")
	ErrInvalidCredentials   = errors.New("invalid_credentials")
	ErrStoreNotFound        = errors.New("store_not_found")
	ErrConnectionFailed     = errors.New("connection_failed")
)

// GatewayKey builds the stable routing key for an anchor from its slugged name.
func GatewayKey(slugged string) string {
	return GatewayKeyPrefix + strings.TrimSpace(slugged)
}
