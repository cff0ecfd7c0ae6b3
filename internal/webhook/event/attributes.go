package event

type OrderItem struct {
	ID          FlexString `json:"id"`
	OrderID     FlexString `json:"order_id"`
	ProductID   FlexString `json:"product_id"`
	VariantID   FlexString `json:"variant_id"`
	PriceID     FlexString `json:"price_id"`
	ProductName FlexString `json:"product_name"`
	VariantName FlexString `json:"variant_name"`
	Price       FlexInt    `json:"price"`
	Quantity    FlexInt    `json:"quantity"`
}

type SubscriptionItem struct {
	ID             FlexString `json:"id"`
	SubscriptionID FlexString `json:"subscription_id"`
	PriceID        FlexString `json:"price_id"`
	Quantity       FlexInt    `json:"quantity"`
}

// OrderAttributes is data.attributes of order_created. Amounts are minor units.
type OrderAttributes struct {
	StoreID               FlexString        `json:"store_id"`
	CustomerID            FlexString        `json:"customer_id"`
	Identifier            FlexString        `json:"identifier"`
	OrderNumber           FlexString        `json:"order_number"`
	UserName              FlexString        `json:"user_name"`
	UserEmail             FlexString        `json:"user_email"`
	Currency              FlexString        `json:"currency"`
	Status                FlexString        `json:"status"`
	Subtotal              FlexInt           `json:"subtotal"`
	DiscountTotal         FlexInt           `json:"discount_total"`
	Tax                   FlexInt           `json:"tax"`
	Total                 FlexInt           `json:"total"`
	Refunded              FlexBool          `json:"refunded"`
	FirstOrderItem        *OrderItem        `json:"first_order_item"`
	FirstSubscriptionItem *SubscriptionItem `json:"first_subscription_item"`
	CreatedAt             Timestamp         `json:"created_at"`
	UpdatedAt             Timestamp         `json:"updated_at"`
}

// IsFirstOrder reports whether the first order item carries a price id.
func (a *OrderAttributes) IsFirstOrder() bool {
	return a.FirstOrderItem != nil && a.FirstOrderItem.PriceID != ""
}

func (a *OrderAttributes) SubscriptionID() string {
	if a.FirstSubscriptionItem == nil {
		return ""
	}
	return a.FirstSubscriptionItem.SubscriptionID.String()
}

type SubscriptionURLs struct {
	UpdatePaymentMethod FlexString `json:"update_payment_method"`
	CustomerPortal      FlexString `json:"customer_portal"`
}

// SubscriptionAttributes is data.attributes of the subscription lifecycle events.
type SubscriptionAttributes struct {
	StoreID         FlexString       `json:"store_id"`
	CustomerID      FlexString       `json:"customer_id"`
	OrderID         FlexString       `json:"order_id"`
	OrderItemID     FlexString       `json:"order_item_id"`
	ProductID       FlexString       `json:"product_id"`
	VariantID       FlexString       `json:"variant_id"`
	ProductName     FlexString       `json:"product_name"`
	VariantName     FlexString       `json:"variant_name"`
	UserName        FlexString       `json:"user_name"`
	UserEmail       FlexString       `json:"user_email"`
	Status          FlexString       `json:"status"`
	StatusFormatted FlexString       `json:"status_formatted"`
	CardBrand       FlexString       `json:"card_brand"`
	CardLastFour    FlexString       `json:"card_last_four"`
	Cancelled       FlexBool         `json:"cancelled"`
	TrialEndsAt     Timestamp        `json:"trial_ends_at"`
	RenewsAt        Timestamp        `json:"renews_at"`
	EndsAt          Timestamp        `json:"ends_at"`
	CreatedAt       Timestamp        `json:"created_at"`
	UpdatedAt       Timestamp        `json:"updated_at"`
	URLs            SubscriptionURLs `json:"urls"`
}

type InvoiceURLs struct {
	InvoiceURL FlexString `json:"invoice_url"`
}

// SubscriptionInvoiceAttributes is data.attributes of the subscription
// payment notifications. The subject is the invoice, not the subscription.
// Amounts are nil when the key is absent or null.
type SubscriptionInvoiceAttributes struct {
	StoreID        FlexString  `json:"store_id"`
	SubscriptionID FlexString  `json:"subscription_id"`
	CustomerID     FlexString  `json:"customer_id"`
	UserName       FlexString  `json:"user_name"`
	UserEmail      FlexString  `json:"user_email"`
	BillingReason  FlexString  `json:"billing_reason"`
	Status         FlexString  `json:"status"`
	Currency       FlexString  `json:"currency"`
	Subtotal       *FlexInt    `json:"subtotal"`
	DiscountTotal  *FlexInt    `json:"discount_total"`
	Tax            *FlexInt    `json:"tax"`
	Total          *FlexInt    `json:"total"`
	Refunded       FlexBool    `json:"refunded"`
	CreatedAt      Timestamp   `json:"created_at"`
	URLs           InvoiceURLs `json:"urls"`
}
