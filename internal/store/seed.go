package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fairyhunter13/cart-stock-service/internal/model"
)

// Seed inserts the JSON array of products read from r when the catalog is
// empty. It returns the number of products inserted.
func Seed(ctx context.Context, st Store, r io.Reader) (int, error) {
	var products []model.Product
	if err := json.NewDecoder(r).Decode(&products); err != nil {
		return 0, fmt.Errorf("decode seed: %w", err)
	}
	existing, err := st.ListProducts(ctx)
	if err != nil {
		return 0, fmt.Errorf("seed: list products: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}
	for i, p := range products {
		if p.Stock < 0 {
			return i, fmt.Errorf("seed: product %q has negative stock", p.Name)
		}
		if _, err := st.InsertProduct(ctx, p); err != nil {
			return i, fmt.Errorf("seed: insert %q: %w", p.Name, err)
		}
	}
	return len(products), nil
}
