package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const outboxSeqKey = "sync_outbox"

// OutboxRepoMongoDB implementa domain.OutboxRepository sobre la colección sync_outbox.
// El orden FIFO lo da un contador monótono guardado en la colección counters.
type OutboxRepoMongoDB struct {
	outboxColl   *mongo.Collection
	countersColl *mongo.Collection
}

func NewOutboxRepoMongoDB(ctx context.Context, client *mongo.Client, dbName string) (*OutboxRepoMongoDB, error) {
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("could not ping mongoDB: %w", err)
	}
	db := client.Database(dbName)
	r := &OutboxRepoMongoDB{
		outboxColl:   db.Collection("sync_outbox"),
		countersColl: db.Collection("counters"),
	}
	_, err := r.outboxColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create outbox index: %w", err)
	}
	return r, nil
}

// mongoOutboxItem mapea el documento; las etiquetas BSON no se filtran al dominio.
type mongoOutboxItem struct {
	ID          string                 `bson:"_id"`
	Seq         int64                  `bson:"seq"`
	Table       string                 `bson:"table"`
	RecordID    string                 `bson:"recordId"`
	Operation   string                 `bson:"operation"`
	Payload     map[string]interface{} `bson:"payload"`
	RetryCount  int                    `bson:"retryCount"`
	MaxRetries  int                    `bson:"maxRetries"`
	Status      string                 `bson:"status"`
	Error       string                 `bson:"error"`
	CreatedAt   time.Time              `bson:"createdAt"`
	ProcessedAt *time.Time             `bson:"processedAt,omitempty"`
}

func (r *OutboxRepoMongoDB) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := r.countersColl.FindOneAndUpdate(ctx,
		bson.M{"_id": outboxSeqKey},
		bson.M{"$inc": bson.M{"value": 1}},
		opts,
	).Decode(&counter)
	return counter.Value, err
}

func (r *OutboxRepoMongoDB) Insert(ctx context.Context, item domain.OutboxItem) error {
	seq, err := r.nextSeq(ctx)
	if err != nil {
		return fmt.Errorf("next outbox seq: %w", err)
	}
	doc := toMongoOutboxItem(item)
	doc.Seq = seq
	if _, err := r.outboxColl.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert outbox item: %w", err)
	}
	return nil
}

func (r *OutboxRepoMongoDB) Get(ctx context.Context, id uuid.UUID) (*domain.OutboxItem, error) {
	var doc mongoOutboxItem
	err := r.outboxColl.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrOutboxItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromMongoOutboxItem(doc)
}

func (r *OutboxRepoMongoDB) ListByStatus(ctx context.Context, status domain.OutboxStatus, limit int) ([]domain.OutboxItem, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.outboxColl.Find(ctx, bson.M{"status": string(status)}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var items []domain.OutboxItem
	for cursor.Next(ctx) {
		var doc mongoOutboxItem
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		item, err := fromMongoOutboxItem(doc)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, cursor.Err()
}

func (r *OutboxRepoMongoDB) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.OutboxStatus, errMsg string, processedAt *time.Time) error {
	set := bson.M{"status": string(status), "error": errMsg}
	if processedAt != nil {
		set["processedAt"] = processedAt.UTC()
	}
	res, err := r.outboxColl.UpdateOne(ctx, bson.M{"_id": id.String()}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrOutboxItemNotFound
	}
	return nil
}

func (r *OutboxRepoMongoDB) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	var doc mongoOutboxItem
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := r.outboxColl.FindOneAndUpdate(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$inc": bson.M{"retryCount": 1}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, domain.ErrOutboxItemNotFound
	}
	if err != nil {
		return 0, err
	}
	return doc.RetryCount, nil
}

func (r *OutboxRepoMongoDB) ResetFailed(ctx context.Context) (int, error) {
	res, err := r.outboxColl.UpdateMany(ctx,
		bson.M{"status": string(domain.OutboxFailed)},
		bson.M{
			"$set":   bson.M{"status": string(domain.OutboxPending), "retryCount": 0, "error": ""},
			"$unset": bson.M{"processedAt": ""},
		},
	)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

func (r *OutboxRepoMongoDB) DeleteByStatus(ctx context.Context, status domain.OutboxStatus) (int, error) {
	res, err := r.outboxColl.DeleteMany(ctx, bson.M{"status": string(status)})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (r *OutboxRepoMongoDB) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.outboxColl.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrOutboxItemNotFound
	}
	return nil
}

func (r *OutboxRepoMongoDB) Stats(ctx context.Context) (domain.OutboxStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$status"}, {Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	}
	cursor, err := r.outboxColl.Aggregate(ctx, pipeline)
	if err != nil {
		return domain.OutboxStats{}, err
	}
	defer cursor.Close(ctx)

	var stats domain.OutboxStats
	for cursor.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			N      int    `bson:"n"`
		}
		if err := cursor.Decode(&row); err != nil {
			return domain.OutboxStats{}, err
		}
		stats = stats.Count(domain.OutboxStatus(row.Status), row.N)
	}
	return stats, cursor.Err()
}

func toMongoOutboxItem(item domain.OutboxItem) mongoOutboxItem {
	return mongoOutboxItem{
		ID:          item.ID.String(),
		Table:       item.Table,
		RecordID:    item.RecordID,
		Operation:   string(item.Operation),
		Payload:     item.Payload,
		RetryCount:  item.RetryCount,
		MaxRetries:  item.MaxRetries,
		Status:      string(item.Status),
		Error:       item.Error,
		CreatedAt:   item.CreatedAt.UTC(),
		ProcessedAt: item.ProcessedAt,
	}
}

func fromMongoOutboxItem(doc mongoOutboxItem) (*domain.OutboxItem, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID in outbox document: %w", err)
	}
	item := &domain.OutboxItem{
		ID:         id,
		Table:      doc.Table,
		RecordID:   doc.RecordID,
		Operation:  domain.Operation(doc.Operation),
		Payload:    doc.Payload,
		RetryCount: doc.RetryCount,
		MaxRetries: doc.MaxRetries,
		Status:     domain.OutboxStatus(doc.Status),
		Error:      doc.Error,
		CreatedAt:  doc.CreatedAt.UTC(),
	}
	if doc.ProcessedAt != nil {
		t := doc.ProcessedAt.UTC()
		item.ProcessedAt = &t
	}
	return item, nil
}

// Verificación en tiempo de compilación.
var _ domain.OutboxRepository = (*OutboxRepoMongoDB)(nil)
