package service

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fairyhunter13/cart-stock-service/internal/model"
	"github.com/fairyhunter13/cart-stock-service/internal/obs"
	"github.com/fairyhunter13/cart-stock-service/internal/store"
)

// Publisher is the broadcast side of the notification channel.
type Publisher interface {
	Publish(event, key string, payload any)
}

// Options selects between the corrected and the legacy stock semantics.
type Options struct {
	// Legacy reproduces the pre-fix read-modify-write stock updates, the
	// silent clamp on cart merge and the stock-neutral cart update.
	Legacy  bool
	Metrics *obs.Metrics
}

// ProductService lists products and performs checkout.
type ProductService struct {
	store store.Store
	pub   Publisher
	opts  Options
}

// NewProductService wires a ProductService.
func NewProductService(st store.Store, pub Publisher, opts Options) *ProductService {
	return &ProductService{store: st, pub: pub, opts: opts}
}

// ListProducts returns every product ordered by id.
func (s *ProductService) ListProducts(ctx context.Context) ([]model.Product, error) {
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// Checkout decrements stock for each item in order and publishes one
// stockUpdated per item. Items are not applied atomically: when an item
// fails (unknown or malformed id included), the ones before it stay
// decremented.
func (s *ProductService) Checkout(ctx context.Context, items []model.CheckoutItem) error {
	if len(items) == 0 {
		return invalid("items are required")
	}
	for i, it := range items {
		if it.ProductID == "" {
			return invalid("items[%d].productId is required", i)
		}
		if it.Quantity < 1 {
			return invalid("items[%d].quantity must be at least 1", i)
		}
	}
	for _, it := range items {
		id, err := primitive.ObjectIDFromHex(it.ProductID)
		if err != nil {
			return notFound("%s: %s", MsgProductNotFound, it.ProductID)
		}
		p, err := s.store.GetProduct(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return notFound("%s: %s", MsgProductNotFound, it.ProductID)
		}
		if err != nil {
			return fmt.Errorf("checkout: load product %s: %w", it.ProductID, err)
		}
		if it.Quantity > p.Stock {
			s.rejected("checkout")
			return insufficient("Insufficient stock for %s", p.Name)
		}
		if p, err = s.decrement(ctx, p, it.Quantity); err != nil {
			return err
		}
		s.pub.Publish(model.EventStockUpdated, p.ID.Hex(), model.CheckoutStockUpdated{
			ProductID: p.ID.Hex(),
			NewStock:  p.Stock,
		})
		obs.Logger.Info("checkout_item_applied", "product_id", p.ID.Hex(), "quantity", it.Quantity, "stock", p.Stock)
	}
	return nil
}

func (s *ProductService) decrement(ctx context.Context, p model.Product, qty int64) (model.Product, error) {
	if s.opts.Legacy {
		p.Stock -= qty
		if err := s.store.SaveProduct(ctx, p); err != nil {
			return p, fmt.Errorf("checkout: save product %s: %w", p.ID.Hex(), err)
		}
		return p, nil
	}
	updated, err := s.store.AdjustStock(ctx, p.ID, -qty)
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		// Stock moved between the read and the conditional write.
		s.rejected("checkout")
		return p, insufficient("Insufficient stock for %s", p.Name)
	case errors.Is(err, store.ErrNotFound):
		return p, notFound("%s: %s", MsgProductNotFound, p.ID.Hex())
	case err != nil:
		return p, fmt.Errorf("checkout: adjust stock %s: %w", p.ID.Hex(), err)
	}
	return updated, nil
}

func (s *ProductService) rejected(op string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.StockRejections.WithLabelValues(op).Inc()
	}
}
