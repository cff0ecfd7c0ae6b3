package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// SettlementConfig tunes reconciliation guards. It is hot-reloaded from settlement.yml.
type SettlementConfig struct {
	AmountTolerance   string        `mapstructure:"amountTolerance"`
	BaseCurrency      string        `mapstructure:"baseCurrency"`
	KnownCurrencies   []string      `mapstructure:"knownCurrencies"`
	SensitiveFields   []string      `mapstructure:"sensitiveFields"`
	RateCacheTTL      time.Duration `mapstructure:"rateCacheTTL"`
	RateLookupTimeout time.Duration `mapstructure:"rateLookupTimeout"`
}

func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		AmountTolerance: "0.009",
		BaseCurrency:    "USD",
		KnownCurrencies: []string{
			"USD", "EUR", "GBP", "CAD", "AUD", "NZD", "JPY", "CHF", "SEK", "NOK",
			"DKK", "PLN", "CZK", "HUF", "RON", "BGN", "INR", "IDR", "SGD", "MYR",
			"THB", "PHP", "HKD", "CNY", "KRW", "BRL", "MXN", "ZAR", "TRY", "AED",
		},
		SensitiveFields: []string{
			"email", "user_email", "customer_email",
			"address", "billing_address",
			"card_brand", "card_last_four",
			"ip", "ip_address", "user_agent",
		},
		RateCacheTTL:      time.Hour,
		RateLookupTimeout: 10 * time.Second,
	}
}

// Tolerance returns the amount tolerance as a decimal.
func (c SettlementConfig) Tolerance() decimal.Decimal {
	tolerance, err := decimal.NewFromString(strings.TrimSpace(c.AmountTolerance))
	if err != nil || tolerance.IsNegative() {
		return decimal.RequireFromString("0.009")
	}
	return tolerance
}

// IsKnownCurrency reports whether code is part of the configured currency set.
func (c SettlementConfig) IsKnownCurrency(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return false
	}
	for _, known := range c.KnownCurrencies {
		if strings.EqualFold(strings.TrimSpace(known), code) {
			return true
		}
	}
	return false
}

type SettlementConfigHolder struct {
	current atomic.Value // holds SettlementConfig
}

// NewStaticSettlementConfigHolder pins a fixed config, mostly for tests.
func NewStaticSettlementConfigHolder(cfg SettlementConfig) *SettlementConfigHolder {
	holder := &SettlementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewSettlementConfigHolder() (*SettlementConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("settlement")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/lemonsync/config")
	v.AddConfigPath("/etc/lemonsync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LEMONSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSettlementConfig()
	v.SetDefault("settlement.amountTolerance", defaults.AmountTolerance)
	v.SetDefault("settlement.baseCurrency", defaults.BaseCurrency)
	v.SetDefault("settlement.knownCurrencies", defaults.KnownCurrencies)
	v.SetDefault("settlement.sensitiveFields", defaults.SensitiveFields)
	v.SetDefault("settlement.rateCacheTTL", defaults.RateCacheTTL)
	v.SetDefault("settlement.rateLookupTimeout", defaults.RateLookupTimeout)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg SettlementConfig
	if err := v.UnmarshalKey("settlement", &cfg); err != nil {
		return nil, err
	}
	if err := validateSettlementConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticSettlementConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated SettlementConfig
		if err := v.UnmarshalKey("settlement", &updated); err != nil {
			log.Printf("[settlement-config] reload failed: %v", err)
			return
		}
		if err := validateSettlementConfig(updated); err != nil {
			log.Printf("[settlement-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[settlement-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *SettlementConfigHolder) Get() SettlementConfig {
	if h == nil {
		return DefaultSettlementConfig()
	}
	cfg, ok := h.current.Load().(SettlementConfig)
	if !ok {
		return DefaultSettlementConfig()
	}
	return cfg
}

func validateSettlementConfig(cfg SettlementConfig) error {
	if _, err := decimal.NewFromString(strings.TrimSpace(cfg.AmountTolerance)); err != nil {
		return errors.New("settlement.amountTolerance must be a decimal")
	}
	if len(strings.TrimSpace(cfg.BaseCurrency)) != 3 {
		return errors.New("settlement.baseCurrency must be a 3-letter code")
	}
	if len(cfg.KnownCurrencies) == 0 {
		return errors.New("settlement.knownCurrencies cannot be empty")
	}
	return nil
}
