package account

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDirectory reads profiles from the `users` collection. User ids are
// ObjectID hex strings; plain string ids are accepted too.
type MongoDirectory struct {
	col *mongo.Collection
}

func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{col: db.Collection("users")}
}

type userDoc struct {
	ID      interface{} `bson:"_id"`
	Profile `bson:",inline"`
}

func (d *MongoDirectory) FindByID(ctx context.Context, id string) (*Profile, error) {
	var key interface{} = id
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		key = oid
	}

	var doc userDoc
	opts := options.FindOne().SetProjection(bson.M{"password": 0})
	if err := d.col.FindOne(ctx, bson.M{"_id": key}, opts).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	p := doc.Profile
	p.ID = id
	return &p, nil
}
