package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fairyhunter13/cart-stock-service/internal/config"
	httpopenapi "github.com/fairyhunter13/cart-stock-service/internal/http/openapi"
	"github.com/fairyhunter13/cart-stock-service/internal/model"
	"github.com/fairyhunter13/cart-stock-service/internal/obs"
	"github.com/fairyhunter13/cart-stock-service/internal/service"
	"github.com/fairyhunter13/cart-stock-service/internal/store"
)

const maxBodyBytes = 1 << 20

type App struct {
	Cfg      config.Config
	Store    store.Store
	Products *service.ProductService
	Cart     *service.CartService
	Realtime http.Handler
	Metrics  *obs.Metrics
	closing  atomic.Bool
	started  time.Time
}

func NewApp(cfg config.Config, st store.Store, products *service.ProductService, cart *service.CartService, realtime http.Handler, m *obs.Metrics) *App {
	return &App{
		Cfg:      cfg,
		Store:    st,
		Products: products,
		Cart:     cart,
		Realtime: realtime,
		Metrics:  m,
		started:  time.Now(),
	}
}

// StartShutdown makes health checks fail and mutating routes answer 503.
func (a *App) StartShutdown() { a.closing.Store(true) }

type checkoutRequest struct {
	Items []checkoutItem `json:"items"`
}

type checkoutItem struct {
	ProductID string `json:"productId"`
	Quantity  *int64 `json:"quantity"`
}

type checkoutResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type addToCartRequest struct {
	ProductID string `json:"productId"`
	Quantity  *int64 `json:"quantity"`
}

type addToCartResponse struct {
	Message      string         `json:"message"`
	CartItem     model.CartItem `json:"cartItem"`
	UpdatedStock int64          `json:"updatedStock"`
}

type updateCartItemRequest struct {
	Quantity *int64 `json:"quantity"`
}

// decodeJSON reads a JSON body. A non-zero status means the request was
// rejected and err carries the reason.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) (int, error) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		return http.StatusUnsupportedMediaType, errors.New("expected application/json")
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err)
	}
	return 0, nil
}

// internalMessage is the client-visible text for a store failure.
func (a *App) internalMessage(r *http.Request, err error) string {
	obs.Logger.Error("request_failed",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
		"request_id", RequestIDFromContext(r.Context()),
	)
	if a.Cfg.ExposeInternalErrors {
		return err.Error()
	}
	return "internal server error"
}

func (a *App) refuseWhileClosing(body func(int, string)) bool {
	if !a.closing.Load() {
		return false
	}
	body(http.StatusServiceUnavailable, "shutting_down")
	return true
}

func (a *App) cartError(w http.ResponseWriter) func(int, string) {
	return func(status int, msg string) { WriteJSONError(w, status, msg, "") }
}

func (a *App) productError(w http.ResponseWriter) func(int, string) {
	return func(status int, msg string) { writeJSONMessage(w, status, msg) }
}

func (a *App) listProductsHandler(w http.ResponseWriter, r *http.Request) {
	products, err := a.Products.ListProducts(r.Context())
	if err != nil {
		writeJSONMessage(w, http.StatusInternalServerError, a.internalMessage(r, err))
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (a *App) checkoutHandler(w http.ResponseWriter, r *http.Request) {
	if a.refuseWhileClosing(a.productError(w)) {
		return
	}
	var req checkoutRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		writeJSONMessage(w, status, err.Error())
		return
	}
	items := make([]model.CheckoutItem, 0, len(req.Items))
	for i, it := range req.Items {
		if it.ProductID == "" {
			writeJSONMessage(w, http.StatusBadRequest, fmt.Sprintf("items[%d].productId is required", i))
			return
		}
		if it.Quantity == nil {
			writeJSONMessage(w, http.StatusBadRequest, fmt.Sprintf("items[%d].quantity is required", i))
			return
		}
		items = append(items, model.CheckoutItem{ProductID: it.ProductID, Quantity: *it.Quantity})
	}
	if err := a.Products.Checkout(r.Context(), items); err != nil {
		if service.KindOf(err) != 0 {
			writeJSONMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSONMessage(w, http.StatusInternalServerError, a.internalMessage(r, err))
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{Success: true, Message: service.MsgPurchaseSuccessful})
}

func (a *App) listCartHandler(w http.ResponseWriter, r *http.Request) {
	lines, err := a.Cart.ListCartItems(r.Context())
	if err != nil {
		WriteJSONError(w, http.StatusInternalServerError, a.internalMessage(r, err), "")
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (a *App) addToCartHandler(w http.ResponseWriter, r *http.Request) {
	if a.refuseWhileClosing(a.cartError(w)) {
		return
	}
	var req addToCartRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		WriteJSONError(w, status, "invalid_request", err.Error())
		return
	}
	if req.ProductID == "" {
		WriteJSONError(w, http.StatusBadRequest, "productId is required", "")
		return
	}
	if req.Quantity == nil {
		WriteJSONError(w, http.StatusBadRequest, "quantity is required", "")
		return
	}
	productID, err := primitive.ObjectIDFromHex(req.ProductID)
	if err != nil {
		WriteJSONError(w, http.StatusNotFound, service.MsgProductNotFound, "")
		return
	}
	res, err := a.Cart.AddToCart(r.Context(), productID, *req.Quantity)
	if err != nil {
		a.writeCartFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addToCartResponse{
		Message:      service.MsgAddedToCart,
		CartItem:     res.Item,
		UpdatedStock: res.UpdatedStock,
	})
}

func (a *App) updateCartItemHandler(w http.ResponseWriter, r *http.Request) {
	if a.refuseWhileClosing(a.cartError(w)) {
		return
	}
	id, err := primitive.ObjectIDFromHex(r.PathValue("id"))
	if err != nil {
		WriteJSONError(w, http.StatusNotFound, service.MsgCartItemNotFound, "")
		return
	}
	var req updateCartItemRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		WriteJSONError(w, status, "invalid_request", err.Error())
		return
	}
	if req.Quantity == nil {
		WriteJSONError(w, http.StatusBadRequest, "quantity is required", "")
		return
	}
	line, err := a.Cart.UpdateCartItem(r.Context(), id, *req.Quantity)
	if err != nil {
		a.writeCartFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (a *App) removeCartItemHandler(w http.ResponseWriter, r *http.Request) {
	if a.refuseWhileClosing(a.cartError(w)) {
		return
	}
	id, err := primitive.ObjectIDFromHex(r.PathValue("id"))
	if err != nil {
		WriteJSONError(w, http.StatusNotFound, service.MsgCartItemNotFound, "")
		return
	}
	if err := a.Cart.RemoveCartItem(r.Context(), id); err != nil {
		a.writeCartFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) writeCartFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = a.internalMessage(r, err)
	}
	WriteJSONError(w, status, msg, "")
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	if a.closing.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Store.Ping(ctx); err != nil {
		obs.Logger.Warn("health_store_unreachable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store_unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime_sec": time.Since(a.started).Seconds(),
	})
}

func (a *App) openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(httpopenapi.YAML)
}

func (a *App) docsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(httpopenapi.DocsHTML)
}
