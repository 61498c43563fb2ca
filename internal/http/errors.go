// Package httpapi exposes the HTTP API layer of the service.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/fairyhunter13/cart-stock-service/internal/service"
)

// jsonError is the error body of the cart routes.
type jsonError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// jsonMessage is the error body of the product routes.
type jsonMessage struct {
	Message string `json:"message"`
}

// WriteJSONError writes a JSON error payload with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, jsonError{Error: message, Details: details})
}

func writeJSONMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, jsonMessage{Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps service failures onto HTTP status codes.
func statusFor(err error) int {
	switch service.KindOf(err) {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindInsufficientStock, service.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
