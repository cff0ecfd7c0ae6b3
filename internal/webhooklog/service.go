// Package webhooklog keeps the append-only record of accepted webhook deliveries.
package webhooklog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lemonsync/internal/clock"
	"github.com/smallbiznis/lemonsync/internal/config"
	"github.com/smallbiznis/lemonsync/internal/observability/logger"
	anchordomain "github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxErrorMessageLen = 4000

type Service interface {
	// Append records a delivery before any side effect runs.
	Append(ctx context.Context, eventName string, payload []byte, anchor *anchordomain.Anchor) (*Entry, error)
	// MarkFailed flips entry to Failed with cause as detail.
	MarkFailed(ctx context.Context, entry *Entry, cause error) error
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Settings *config.SettlementConfigHolder `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	settings *config.SettlementConfigHolder
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("webhook.log"),
		genID:    p.GenID,
		clock:    p.Clock,
		settings: p.Settings,
	}
}

var Module = fx.Module("webhooklog",
	fx.Provide(NewService),
)

func (s *ServiceImpl) Append(ctx context.Context, eventName string, payload []byte, anchor *anchordomain.Anchor) (*Entry, error) {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return nil, ErrInvalidEventName
	}
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}

	stored := payload
	sanitized := false
	if anchor != nil && anchor.SanitizeLogs {
		out, err := s.sanitize(payload)
		if err != nil {
			return nil, err
		}
		stored = out
		sanitized = true
	}

	now := s.clock.Now()
	entry := Entry{
		ID:        s.genID.Generate(),
		EventName: eventName,
		Payload:   datatypes.JSON(stored),
		Sanitized: sanitized,
		Status:    StatusSuccess,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if anchor != nil {
		anchorID := anchor.ID
		entry.AnchorID = &anchorID
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("append webhook log: %w", err)
	}

	if anchor != nil && anchor.VerboseLogging {
		logger.WithContext(ctx, s.log).Info("webhook received",
			zap.String("event_name", eventName),
			zap.String("log_id", entry.ID.String()),
			zap.Bool("sanitized", sanitized),
			zap.Any("payload", json.RawMessage(stored)),
		)
	}
	return &entry, nil
}

func (s *ServiceImpl) MarkFailed(ctx context.Context, entry *Entry, cause error) error {
	if entry == nil || entry.ID == 0 {
		return ErrInvalidEntry
	}

	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	message = truncateMessage(message, maxErrorMessageLen)

	now := s.clock.Now()
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]any{
			"status":        StatusFailed,
			"error_message": message,
			"updated_at":    now,
		}).Error
	if err != nil {
		return fmt.Errorf("mark webhook log failed: %w", err)
	}

	entry.Status = StatusFailed
	entry.ErrorMessage = &message
	entry.UpdatedAt = now
	return nil
}

func (s *ServiceImpl) sanitize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, ErrInvalidPayload
	}
	return json.Marshal(Redact(doc, s.settings.Get().SensitiveFields))
}

// truncateMessage cuts at a rune boundary so the stored text stays valid UTF-8.
func truncateMessage(message string, limit int) string {
	if len(message) <= limit {
		return message
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
