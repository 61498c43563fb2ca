package model

// Event names pushed to connected clients.
const (
	EventStockUpdated = "stockUpdated"
	EventCartUpdated  = "cartUpdated"
)

// StockUpdated is emitted by cart operations.
type StockUpdated struct {
	ProductID    string `json:"productId"`
	UpdatedStock int64  `json:"updatedStock"`
}

// CheckoutStockUpdated is emitted once per checked-out item.
type CheckoutStockUpdated struct {
	ProductID string `json:"productId"`
	NewStock  int64  `json:"newStock"`
}

// CartUpdated is emitted when a line is removed. CartItem is always null.
type CartUpdated struct {
	Message  string    `json:"message"`
	CartItem *CartItem `json:"cartItem"`
}
