// Package store persists products and cart lines.
package store

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fairyhunter13/cart-stock-service/internal/model"
)

var (
	// ErrNotFound is returned when the addressed document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInsufficientStock is returned by AdjustStock when the decrement
	// would take stock below zero.
	ErrInsufficientStock = errors.New("store: insufficient stock")
	// ErrConflict is returned by SetCartItemQuantity when the line no longer
	// holds the expected quantity.
	ErrConflict = errors.New("store: cart line changed concurrently")
)

// Store is the persistence contract shared by the memory and MongoDB
// backends.
type Store interface {
	ListProducts(ctx context.Context) ([]model.Product, error)
	GetProduct(ctx context.Context, id primitive.ObjectID) (model.Product, error)
	// InsertProduct assigns an id when p.ID is zero.
	InsertProduct(ctx context.Context, p model.Product) (model.Product, error)
	// SaveProduct replaces the whole document.
	SaveProduct(ctx context.Context, p model.Product) error
	// AdjustStock adds delta to the product's stock in a single atomic write,
	// refusing with ErrInsufficientStock when the result would be negative.
	AdjustStock(ctx context.Context, id primitive.ObjectID, delta int64) (model.Product, error)

	// ListCartLines returns every cart line joined with its product.
	ListCartLines(ctx context.Context) ([]model.CartLine, error)
	GetCartItem(ctx context.Context, id primitive.ObjectID) (model.CartItem, error)
	FindCartItemByProduct(ctx context.Context, productID primitive.ObjectID) (model.CartItem, error)
	// SaveCartItem inserts or replaces the line, assigning an id when zero.
	SaveCartItem(ctx context.Context, it model.CartItem) (model.CartItem, error)
	// IncrementCartItem atomically adds delta to the line of productID,
	// creating the line when absent.
	IncrementCartItem(ctx context.Context, productID primitive.ObjectID, delta int64) (model.CartItem, error)
	// SetCartItemQuantity writes to only while the line still holds from,
	// otherwise it returns ErrConflict (or ErrNotFound when the line is gone).
	SetCartItemQuantity(ctx context.Context, id primitive.ObjectID, from, to int64) (model.CartItem, error)
	// DeleteCartItem removes the line and returns it as it was at deletion.
	DeleteCartItem(ctx context.Context, id primitive.ObjectID) (model.CartItem, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Memory is an in-process Store guarded by a single RWMutex.
type Memory struct {
	mu       sync.RWMutex
	products map[primitive.ObjectID]model.Product
	cart     map[primitive.ObjectID]model.CartItem
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		products: make(map[primitive.ObjectID]model.Product),
		cart:     make(map[primitive.ObjectID]model.CartItem),
	}
}

func lessID(a, b primitive.ObjectID) bool { return bytes.Compare(a[:], b[:]) < 0 }

func (s *Memory) ListProducts(_ context.Context) ([]model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

func (s *Memory) GetProduct(_ context.Context, id primitive.ObjectID) (model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return model.Product{}, ErrNotFound
	}
	return p, nil
}

func (s *Memory) InsertProduct(_ context.Context, p model.Product) (model.Product, error) {
	if p.ID.IsZero() {
		p.ID = primitive.NewObjectID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
	return p, nil
}

func (s *Memory) SaveProduct(_ context.Context, p model.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ID]; !ok {
		return ErrNotFound
	}
	s.products[p.ID] = p
	return nil
}

func (s *Memory) AdjustStock(_ context.Context, id primitive.ObjectID, delta int64) (model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return model.Product{}, ErrNotFound
	}
	if p.Stock+delta < 0 {
		return p, ErrInsufficientStock
	}
	p.Stock += delta
	s.products[id] = p
	return p, nil
}

func (s *Memory) ListCartLines(_ context.Context) ([]model.CartLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CartLine, 0, len(s.cart))
	for _, it := range s.cart {
		line := model.CartLine{ID: it.ID, Quantity: it.Quantity}
		if p, ok := s.products[it.Product]; ok {
			line.Product = &p
		}
		out = append(out, line)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

func (s *Memory) GetCartItem(_ context.Context, id primitive.ObjectID) (model.CartItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.cart[id]
	if !ok {
		return model.CartItem{}, ErrNotFound
	}
	return it, nil
}

func (s *Memory) FindCartItemByProduct(_ context.Context, productID primitive.ObjectID) (model.CartItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if it, ok := s.findByProduct(productID); ok {
		return it, nil
	}
	return model.CartItem{}, ErrNotFound
}

// findByProduct returns the oldest line for the product. Callers hold mu.
func (s *Memory) findByProduct(productID primitive.ObjectID) (model.CartItem, bool) {
	var (
		found model.CartItem
		ok    bool
	)
	for _, it := range s.cart {
		if it.Product != productID {
			continue
		}
		if !ok || lessID(it.ID, found.ID) {
			found, ok = it, true
		}
	}
	return found, ok
}

func (s *Memory) SaveCartItem(_ context.Context, it model.CartItem) (model.CartItem, error) {
	if it.ID.IsZero() {
		it.ID = primitive.NewObjectID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart[it.ID] = it
	return it, nil
}

func (s *Memory) IncrementCartItem(_ context.Context, productID primitive.ObjectID, delta int64) (model.CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.findByProduct(productID)
	if !ok {
		it = model.CartItem{ID: primitive.NewObjectID(), Product: productID}
	}
	it.Quantity += delta
	s.cart[it.ID] = it
	return it, nil
}

func (s *Memory) SetCartItemQuantity(_ context.Context, id primitive.ObjectID, from, to int64) (model.CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.cart[id]
	if !ok {
		return model.CartItem{}, ErrNotFound
	}
	if it.Quantity != from {
		return it, ErrConflict
	}
	it.Quantity = to
	s.cart[id] = it
	return it, nil
}

func (s *Memory) DeleteCartItem(_ context.Context, id primitive.ObjectID) (model.CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.cart[id]
	if !ok {
		return model.CartItem{}, ErrNotFound
	}
	delete(s.cart, id)
	return it, nil
}

func (s *Memory) Ping(context.Context) error  { return nil }
func (s *Memory) Close(context.Context) error { return nil }
