package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/fairyhunter13/cart-stock-service/internal/model"
	"github.com/fairyhunter13/cart-stock-service/internal/obs"
)

// Collection names of the shared ecommerce database.
const (
	ProductsCollection = "products"
	CartCollection     = "carts"
)

// Mongo is a Store backed by a MongoDB database.
type Mongo struct {
	client   *mongo.Client
	products *mongo.Collection
	cart     *mongo.Collection
}

// Connect dials MongoDB, verifies the connection and ensures indexes.
func Connect(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(database)
	m := &Mongo{
		client:   client,
		products: db.Collection(ProductsCollection),
		cart:     db.Collection(CartCollection),
	}
	m.ensureIndexes(ctx)
	return m, nil
}

// ensureIndexes adds a unique index on carts.product. Pre-existing
// duplicates make it fail; that is logged and the service keeps running.
func (m *Mongo) ensureIndexes(ctx context.Context) {
	_, err := m.cart.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "product", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("product_unique"),
	})
	if err != nil {
		obs.Logger.Warn("mongo_index_create_failed", "collection", CartCollection, "error", err)
	}
}

func byID(id primitive.ObjectID) bson.D { return bson.D{{Key: "_id", Value: id}} }

var sortByID = bson.D{{Key: "_id", Value: 1}}

func (m *Mongo) ListProducts(ctx context.Context) ([]model.Product, error) {
	cur, err := m.products.Find(ctx, bson.D{}, options.Find().SetSort(sortByID))
	if err != nil {
		return nil, err
	}
	out := []model.Product{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) GetProduct(ctx context.Context, id primitive.ObjectID) (model.Product, error) {
	var p model.Product
	if err := m.products.FindOne(ctx, byID(id)).Decode(&p); err != nil {
		return model.Product{}, mapErr(err)
	}
	return p, nil
}

func (m *Mongo) InsertProduct(ctx context.Context, p model.Product) (model.Product, error) {
	if p.ID.IsZero() {
		p.ID = primitive.NewObjectID()
	}
	if _, err := m.products.InsertOne(ctx, p); err != nil {
		return model.Product{}, err
	}
	return p, nil
}

func (m *Mongo) SaveProduct(ctx context.Context, p model.Product) error {
	res, err := m.products.ReplaceOne(ctx, byID(p.ID), p)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) AdjustStock(ctx context.Context, id primitive.ObjectID, delta int64) (model.Product, error) {
	filter := byID(id)
	if delta < 0 {
		filter = append(filter, bson.E{Key: "stock", Value: bson.D{{Key: "$gte", Value: -delta}}})
	}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "stock", Value: delta}}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var p model.Product
	err := m.products.FindOneAndUpdate(ctx, filter, update, opts).Decode(&p)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return model.Product{}, err
	}
	// Either the product is gone or the stock guard rejected the write.
	current, getErr := m.GetProduct(ctx, id)
	if getErr != nil {
		return model.Product{}, getErr
	}
	return current, ErrInsufficientStock
}

func (m *Mongo) ListCartLines(ctx context.Context) ([]model.CartLine, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$sort", Value: sortByID}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: ProductsCollection},
			{Key: "localField", Value: "product"},
			{Key: "foreignField", Value: "_id"},
			{Key: "as", Value: "product"},
		}}},
		{{Key: "$unwind", Value: bson.D{
			{Key: "path", Value: "$product"},
			{Key: "preserveNullAndEmptyArrays", Value: true},
		}}},
	}
	cur, err := m.cart.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	out := []model.CartLine{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) GetCartItem(ctx context.Context, id primitive.ObjectID) (model.CartItem, error) {
	var it model.CartItem
	if err := m.cart.FindOne(ctx, byID(id)).Decode(&it); err != nil {
		return model.CartItem{}, mapErr(err)
	}
	return it, nil
}

func (m *Mongo) FindCartItemByProduct(ctx context.Context, productID primitive.ObjectID) (model.CartItem, error) {
	var it model.CartItem
	err := m.cart.FindOne(ctx, bson.D{{Key: "product", Value: productID}}, options.FindOne().SetSort(sortByID)).Decode(&it)
	if err != nil {
		return model.CartItem{}, mapErr(err)
	}
	return it, nil
}

func (m *Mongo) SaveCartItem(ctx context.Context, it model.CartItem) (model.CartItem, error) {
	if it.ID.IsZero() {
		it.ID = primitive.NewObjectID()
	}
	_, err := m.cart.ReplaceOne(ctx, byID(it.ID), it, options.Replace().SetUpsert(true))
	if err != nil {
		return model.CartItem{}, err
	}
	return it, nil
}

func (m *Mongo) IncrementCartItem(ctx context.Context, productID primitive.ObjectID, delta int64) (model.CartItem, error) {
	filter := bson.D{{Key: "product", Value: productID}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "quantity", Value: delta}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var it model.CartItem
	err := m.cart.FindOneAndUpdate(ctx, filter, update, opts).Decode(&it)
	if mongo.IsDuplicateKeyError(err) {
		// Two upserts raced on the unique index; the loser retries as an update.
		err = m.cart.FindOneAndUpdate(ctx, filter, update, opts).Decode(&it)
	}
	if err != nil {
		return model.CartItem{}, err
	}
	return it, nil
}

func (m *Mongo) SetCartItemQuantity(ctx context.Context, id primitive.ObjectID, from, to int64) (model.CartItem, error) {
	filter := bson.D{{Key: "_id", Value: id}, {Key: "quantity", Value: from}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "quantity", Value: to}}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var it model.CartItem
	err := m.cart.FindOneAndUpdate(ctx, filter, update, opts).Decode(&it)
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return model.CartItem{}, err
	}
	current, getErr := m.GetCartItem(ctx, id)
	if getErr != nil {
		return model.CartItem{}, getErr
	}
	return current, ErrConflict
}

func (m *Mongo) DeleteCartItem(ctx context.Context, id primitive.ObjectID) (model.CartItem, error) {
	var it model.CartItem
	if err := m.cart.FindOneAndDelete(ctx, byID(id)).Decode(&it); err != nil {
		return model.CartItem{}, mapErr(err)
	}
	return it, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func mapErr(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
