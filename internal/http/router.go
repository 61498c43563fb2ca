package httpapi

import (
	"net/http"

	"github.com/rs/cors"
)

// NewRouter registers HTTP routes and returns the handler with middleware.
func NewRouter(app *App) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/products", app.listProductsHandler)
	mux.HandleFunc("POST /api/products/checkout", app.checkoutHandler)
	mux.HandleFunc("GET /api/cart", app.listCartHandler)
	mux.HandleFunc("POST /api/cart/add-cart", app.addToCartHandler)
	mux.HandleFunc("PATCH /api/cart/{id}", app.updateCartItemHandler)
	mux.HandleFunc("DELETE /api/cart/{id}", app.removeCartItemHandler)
	if app.Realtime != nil {
		mux.Handle("GET "+app.Cfg.WSPath, app.Realtime)
	}
	mux.HandleFunc("GET /healthz", app.healthHandler)
	mux.Handle("GET /metrics", app.Metrics.Handler())
	mux.HandleFunc("GET /openapi.yaml", app.openapiHandler)
	mux.HandleFunc("GET /docs", app.docsHandler)

	c := cors.New(cors.Options{
		AllowedOrigins: app.Cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
	})
	return WithRequestID(WithLogging(app.Metrics, WithRecover(c.Handler(mux))))
}
