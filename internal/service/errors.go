// Package service implements the product and cart operations, including
// the stock reservation path shared by add-to-cart and checkout.
package service

import (
	"errors"
	"fmt"
)

// Kind classifies failures the HTTP layer maps to status codes.
type Kind int

const (
	// KindNotFound means a referenced product or cart line is absent.
	KindNotFound Kind = iota + 1
	// KindInsufficientStock means the requested quantity exceeds stock.
	KindInsufficientStock
	// KindInvalid means the request failed a presence or range check.
	KindInvalid
)

// Error is a client-facing failure. Anything that is not an *Error is a
// store failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func notFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func insufficient(format string, args ...any) error {
	return &Error{Kind: KindInsufficientStock, Message: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) error {
	return &Error{Kind: KindInvalid, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or 0 for store failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Messages returned to clients.
const (
	MsgProductNotFound     = "Product not found"
	MsgCartItemNotFound    = "Cart item not found"
	MsgRequestExceedsStock = "Requested quantity exceeds available stock"
	MsgQuantityExceeds     = "Quantity exceeds stock"
	MsgAddedToCart         = "Product added to cart successfully"
	MsgCartItemRemoved     = "Cart item removed"
	MsgPurchaseSuccessful  = "Purchase successful"
)
