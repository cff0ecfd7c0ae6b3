package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/lemonsync/internal/audit/domain"
	"github.com/smallbiznis/lemonsync/internal/authorization"
	"github.com/smallbiznis/lemonsync/internal/clock"
	"github.com/smallbiznis/lemonsync/internal/identity"
	ledgerdomain "github.com/smallbiznis/lemonsync/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/lemonsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	AuditSvc   auditdomain.Service   `optional:"true"`
	Authz      authorization.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics   `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	auditSvc   auditdomain.Service
	authz      authorization.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		auditSvc:   p.AuditSvc,
		authz:      p.Authz,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateEntry(ctx context.Context, tx *gorm.DB, req ledgerdomain.CreateEntryRequest) (bool, error) {
	lines, err := validate(&req)
	if err != nil {
		return false, err
	}

	if s.authz != nil {
		if err := s.authz.Authorize(ctx, identity.Current(ctx), authorization.ObjectLedgerEntry, authorization.ActionCreate); err != nil {
			return false, err
		}
	}

	inserted := false
	err = tx.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		entry := ledgerdomain.LedgerEntry{
			ID:              s.genID.Generate(),
			SourceType:      req.SourceType,
			SourceRef:       req.SourceRef,
			Currency:        req.Currency,
			SourceAmount:    req.SourceAmount,
			SourceCurrency:  req.SourceCurrency,
			ExchangeRate:    req.ExchangeRate,
			ConvertedAmount: req.ConvertedAmount,
			OccurredAt:      req.OccurredAt.UTC(),
			CreatedAt:       now,
		}
		if ref := strings.TrimSpace(req.ProviderOrderID); ref != "" {
			entry.ProviderOrderID = &ref
		}

		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_type"}, {Name: "source_ref"}},
			DoNothing: true,
		}).Create(&entry)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		inserted = true

		for _, line := range lines {
			accountID, err := s.ensureAccount(ctx, tx, line.Account)
			if err != nil {
				return err
			}
			row := ledgerdomain.LedgerEntryLine{
				ID:            s.genID.Generate(),
				LedgerEntryID: entry.ID,
				AccountID:     accountID,
				Direction:     line.Direction,
				Currency:      req.Currency,
				Amount:        line.Amount,
				CreatedAt:     now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}

		if s.auditSvc != nil {
			entryID := entry.ID.String()
			// A savepoint keeps a failed audit insert from aborting the posting.
			err := tx.Transaction(func(sp *gorm.DB) error {
				return s.auditSvc.WithTx(sp).AuditLog(ctx, "", nil, "ledger.entry_created", "ledger_entry", &entryID, map[string]any{
					"source_type":      string(req.SourceType),
					"source_ref":       req.SourceRef,
					"currency":         req.Currency,
					"converted_amount": req.ConvertedAmount.String(),
				})
			})
			if err != nil {
				s.log.Warn("failed to write ledger audit log", zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if inserted {
		s.obsMetrics.RecordLedgerEntry(ctx, string(req.SourceType))
	} else {
		s.log.Info("ledger entry already posted",
			zap.String("source_type", string(req.SourceType)),
			zap.String("source_ref", req.SourceRef),
		)
	}
	return inserted, nil
}

func (s *Service) ensureAccount(ctx context.Context, tx *gorm.DB, code ledgerdomain.LedgerAccountCode) (snowflake.ID, error) {
	account := ledgerdomain.LedgerAccount{
		ID:        s.genID.Generate(),
		Code:      code,
		Name:      ledgerdomain.AccountName(code),
		CreatedAt: s.clock.Now(),
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoNothing: true,
	}).Create(&account).Error; err != nil {
		return 0, err
	}

	var existing ledgerdomain.LedgerAccount
	if err := tx.WithContext(ctx).Where("code = ?", string(code)).Take(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ledgerdomain.ErrInvalidAccount
		}
		return 0, err
	}
	return existing.ID, nil
}

func validate(req *ledgerdomain.CreateEntryRequest) ([]ledgerdomain.Line, error) {
	req.SourceType = ledgerdomain.LedgerSourceType(strings.TrimSpace(string(req.SourceType)))
	if req.SourceType == "" {
		return nil, ledgerdomain.ErrInvalidSourceType
	}
	req.SourceRef = strings.TrimSpace(req.SourceRef)
	if req.SourceRef == "" {
		return nil, ledgerdomain.ErrInvalidSourceRef
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		return nil, ledgerdomain.ErrInvalidCurrency
	}
	req.SourceCurrency = strings.ToUpper(strings.TrimSpace(req.SourceCurrency))
	if req.SourceCurrency == "" {
		req.SourceCurrency = req.Currency
	}
	if req.OccurredAt.IsZero() {
		return nil, ledgerdomain.ErrInvalidOccurredAt
	}
	if len(req.Lines) < 2 {
		return nil, ledgerdomain.ErrInvalidEntryLines
	}

	lines := make([]ledgerdomain.Line, 0, len(req.Lines))
	for _, line := range req.Lines {
		if strings.TrimSpace(string(line.Account)) == "" {
			return nil, ledgerdomain.ErrInvalidAccount
		}
		direction, err := normalizeDirection(line.Direction)
		if err != nil {
			return nil, err
		}
		if line.Amount < 0 {
			return nil, ledgerdomain.ErrInvalidLineAmount
		}
		if line.Amount == 0 {
			continue
		}
		lines = append(lines, ledgerdomain.Line{Account: line.Account, Direction: direction, Amount: line.Amount})
	}
	if len(lines) < 2 {
		return nil, ledgerdomain.ErrInvalidEntryLines
	}
	if err := ledgerdomain.ValidateBalanced(lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func normalizeDirection(direction ledgerdomain.LedgerEntryDirection) (ledgerdomain.LedgerEntryDirection, error) {
	switch ledgerdomain.LedgerEntryDirection(strings.ToLower(strings.TrimSpace(string(direction)))) {
	case ledgerdomain.LedgerEntryDirectionDebit:
		return ledgerdomain.LedgerEntryDirectionDebit, nil
	case ledgerdomain.LedgerEntryDirectionCredit:
		return ledgerdomain.LedgerEntryDirectionCredit, nil
	default:
		return "", ledgerdomain.ErrInvalidLineDirection
	}
}
