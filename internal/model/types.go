// Package model defines domain types used by the service.
package model

import "go.mongodb.org/mongo-driver/bson/primitive"

// Product is a sellable item and its remaining stock.
type Product struct {
	ID          primitive.ObjectID `json:"id" bson:"_id"`
	Name        string             `json:"name" bson:"name"`
	Description string             `json:"description" bson:"description"`
	Price       float64            `json:"price" bson:"price"`
	Stock       int64              `json:"stock" bson:"stock"`
}

// CartItem is a persisted cart line referencing one product by id.
type CartItem struct {
	ID       primitive.ObjectID `json:"id" bson:"_id"`
	Product  primitive.ObjectID `json:"product" bson:"product"`
	Quantity int64              `json:"quantity" bson:"quantity"`
}

// CartLine is a CartItem joined with its product. Product is nil when the
// referenced product no longer exists.
type CartLine struct {
	ID       primitive.ObjectID `json:"id" bson:"_id"`
	Product  *Product           `json:"product" bson:"product,omitempty"`
	Quantity int64              `json:"quantity" bson:"quantity"`
}

// CheckoutItem is one entry of a checkout request. ProductID is the id as
// sent by the client; it is parsed when the item is reached.
type CheckoutItem struct {
	ProductID string
	Quantity  int64
}
