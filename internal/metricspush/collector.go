package metricspush

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/lemonsync/internal/clock"
	orderdomain "github.com/smallbiznis/lemonsync/internal/order/domain"
	settlementdomain "github.com/smallbiznis/lemonsync/internal/settlement/domain"
	subscriptiondomain "github.com/smallbiznis/lemonsync/internal/subscription/domain"
	"github.com/smallbiznis/lemonsync/internal/webhooklog"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// failedLogWindow bounds the failed-delivery gauge to recent traffic.
const failedLogWindow = 24 * time.Hour

// Collector derives reconciliation state gauges from the database.
type Collector struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	registry           *prometheus.Registry
	subscriptions      *prometheus.GaugeVec
	outstandingRequest prometheus.Gauge
	unsettledOrders    *prometheus.GaugeVec
	failedDeliveries   prometheus.Gauge
}

type CollectorParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

func NewCollector(p CollectorParams) *Collector {
	c := &Collector{
		db:       p.DB,
		log:      p.Log.Named("metrics.push"),
		clock:    p.Clock,
		registry: prometheus.NewRegistry(),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lemonsync_subscriptions",
			Help: "Subscriptions by provider status.",
		}, []string{"status"}),
		outstandingRequest: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lemonsync_payment_requests_outstanding",
			Help: "Payment requests still awaiting settlement.",
		}),
		unsettledOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lemonsync_orders_unsettled",
			Help: "Orders carrying a payment request that were not settled, by outcome.",
		}, []string{"outcome"}),
		failedDeliveries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lemonsync_webhook_deliveries_failed",
			Help: "Webhook deliveries marked failed in the last 24 hours.",
		}),
	}
	c.registry.MustRegister(c.subscriptions, c.outstandingRequest, c.unsettledOrders, c.failedDeliveries)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

type groupCount struct {
	Label string
	Total int64
}

// Refresh recomputes every gauge. Each query failure is logged and leaves
// that gauge at its previous value.
func (c *Collector) Refresh(ctx context.Context) {
	db := c.db.WithContext(ctx)

	var statuses []groupCount
	if err := db.Model(&subscriptiondomain.Subscription{}).
		Select("status AS label, COUNT(*) AS total").
		Group("status").
		Scan(&statuses).Error; err != nil {
		c.log.Warn("subscription gauge refresh failed", zap.Error(err))
	} else {
		c.subscriptions.Reset()
		for _, row := range statuses {
			c.subscriptions.WithLabelValues(row.Label).Set(float64(row.Total))
		}
	}

	var outstanding int64
	if err := db.Model(&settlementdomain.PaymentRequest{}).
		Where("status = ?", settlementdomain.StatusRequested).
		Count(&outstanding).Error; err != nil {
		c.log.Warn("payment request gauge refresh failed", zap.Error(err))
	} else {
		c.outstandingRequest.Set(float64(outstanding))
	}

	var outcomes []groupCount
	if err := db.Model(&orderdomain.Order{}).
		Select("settlement_outcome AS label, COUNT(*) AS total").
		Where("payment_request_id <> '' AND settlement_outcome <> ?", string(settlementdomain.OutcomeSettled)).
		Group("settlement_outcome").
		Scan(&outcomes).Error; err != nil {
		c.log.Warn("unsettled order gauge refresh failed", zap.Error(err))
	} else {
		c.unsettledOrders.Reset()
		for _, row := range outcomes {
			c.unsettledOrders.WithLabelValues(row.Label).Set(float64(row.Total))
		}
	}

	var failed int64
	if err := db.Model(&webhooklog.Entry{}).
		Where("status = ? AND created_at >= ?", webhooklog.StatusFailed, c.clock.Now().Add(-failedLogWindow)).
		Count(&failed).Error; err != nil {
		c.log.Warn("failed delivery gauge refresh failed", zap.Error(err))
	} else {
		c.failedDeliveries.Set(float64(failed))
	}
}
