package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/internal/repository"
)

// Connect opens a client and verifies the connection with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, err
	}
	return client, nil
}

// TransactionStore is the document-store variant of the transaction
// repository. The compare-and-set transition is expressed as a single
// UpdateOne whose filter carries the expected status, so the atomicity
// guarantee comes from the server and needs no multi-document transaction.
type TransactionStore struct {
	col *mongo.Collection
}

func NewTransactionStore(client *mongo.Client, dbName string) (*TransactionStore, error) {
	col := client.Database(dbName).Collection("transactions")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.M{"correlation_id": 1}, Options: options.Index().SetUnique(true)},
		{Keys: bson.M{"originator_conversation_id": 1}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.M{"kind": 1}},
	})
	if err != nil {
		return nil, err
	}
	return &TransactionStore{col: col}, nil
}

type transactionDoc struct {
	ID                       int64             `bson:"id"`
	CorrelationID            string            `bson:"correlation_id"`
	OriginatorConversationID string            `bson:"originator_conversation_id,omitempty"`
	Kind                     string            `bson:"kind"`
	Amount                   int64             `bson:"amount"`
	Phone                    string            `bson:"phone"`
	AccountReference         string            `bson:"account_reference"`
	Description              string            `bson:"description,omitempty"`
	Status                   string            `bson:"status"`
	ResultCode               *int              `bson:"result_code,omitempty"`
	ResultDesc               *string           `bson:"result_desc,omitempty"`
	Metadata                 map[string]string `bson:"metadata,omitempty"`
	TimeoutHandled           bool              `bson:"timeout_handled"`
	CreatedAt                int64             `bson:"created_at"`
	UpdatedAt                int64             `bson:"updated_at"`
}

func toDoc(t *model.Transaction) *transactionDoc {
	return &transactionDoc{
		ID:                       t.ID,
		CorrelationID:            t.CorrelationID,
		OriginatorConversationID: t.OriginatorConversationID,
		Kind:                     string(t.Kind),
		Amount:                   t.Amount,
		Phone:                    t.Phone,
		AccountReference:         t.AccountReference,
		Description:              t.Description,
		Status:                   string(t.Status),
		ResultCode:               t.ResultCode,
		ResultDesc:               t.ResultDesc,
		Metadata:                 t.Metadata,
		TimeoutHandled:           t.TimeoutHandled,
		CreatedAt:                t.CreatedAt,
		UpdatedAt:                t.UpdatedAt,
	}
}

func (d *transactionDoc) toModel() *model.Transaction {
	return &model.Transaction{
		ID:                       d.ID,
		CorrelationID:            d.CorrelationID,
		OriginatorConversationID: d.OriginatorConversationID,
		Kind:                     model.TransactionKind(d.Kind),
		Amount:                   d.Amount,
		Phone:                    d.Phone,
		AccountReference:         d.AccountReference,
		Description:              d.Description,
		Status:                   model.TransactionStatus(d.Status),
		ResultCode:               d.ResultCode,
		ResultDesc:               d.ResultDesc,
		Metadata:                 d.Metadata,
		TimeoutHandled:           d.TimeoutHandled,
		CreatedAt:                d.CreatedAt,
		UpdatedAt:                d.UpdatedAt,
	}
}

func (s *TransactionStore) Create(ctx context.Context, t *model.Transaction) (*model.Transaction, error) {
	now := model.Now()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = now
	}
	_, err := s.col.InsertOne(ctx, toDoc(t))
	if mongo.IsDuplicateKeyError(err) {
		return nil, repository.ErrDuplicateCorrelationID
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *TransactionStore) FindByCorrelationID(ctx context.Context, correlationID string) (*model.Transaction, error) {
	var doc transactionDoc
	err := s.col.FindOne(ctx, bson.M{"correlation_id": correlationID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

func (s *TransactionStore) FindByEitherID(ctx context.Context, conversationID, originatorID string) ([]*model.Transaction, error) {
	var ors []bson.M
	for _, id := range []string{conversationID, originatorID} {
		if id == "" {
			continue
		}
		ors = append(ors,
			bson.M{"correlation_id": id},
			bson.M{"originator_conversation_id": id},
		)
	}
	if len(ors) == 0 {
		return nil, repository.ErrNotFound
	}

	cur, err := s.col.Find(ctx, bson.M{"$or": ors})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*model.Transaction
	for cur.Next(ctx) {
		var doc transactionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, repository.ErrNotFound
	}
	return out, nil
}

func (s *TransactionStore) CompareAndSetStatus(ctx context.Context, correlationID string, expected model.TransactionStatus, upd model.ResolutionUpdate) (bool, error) {
	set := bson.M{
		"status":          string(upd.Status),
		"result_code":     upd.ResultCode,
		"result_desc":     upd.ResultDesc,
		"timeout_handled": upd.TimeoutHandled,
		"updated_at":      upd.UpdatedAt,
	}
	res, err := s.col.UpdateOne(ctx,
		bson.M{"correlation_id": correlationID, "status": string(expected)},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		if err := s.ensureExists(ctx, correlationID); err != nil {
			return false, err
		}
		return false, nil
	}

	// Metadata merge is append-only; Mongo has no per-field
	// set-if-absent inside a single $set, so each new key gets
	// its own guarded update.
	for k, v := range upd.Metadata {
		_, err := s.col.UpdateOne(ctx,
			bson.M{
				"correlation_id": correlationID,
				"metadata." + k:  bson.M{"$exists": false},
			},
			bson.M{"$set": bson.M{"metadata." + k: v}},
		)
		if err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *TransactionStore) ensureExists(ctx context.Context, correlationID string) error {
	err := s.col.FindOne(ctx, bson.M{"correlation_id": correlationID},
		options.FindOne().SetProjection(bson.M{"correlation_id": 1})).Err()
	if err == mongo.ErrNoDocuments {
		return repository.ErrNotFound
	}
	return err
}

func (s *TransactionStore) MarkTimeoutHandled(ctx context.Context, correlationID string) (bool, error) {
	res, err := s.col.UpdateOne(ctx,
		bson.M{"correlation_id": correlationID, "timeout_handled": false},
		bson.M{"$set": bson.M{"timeout_handled": true, "updated_at": model.Now()}},
	)
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		if err := s.ensureExists(ctx, correlationID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *TransactionStore) Find(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	query := bson.M{}
	if f.Status != nil {
		query["status"] = string(*f.Status)
	}
	if f.Kind != nil {
		query["kind"] = string(*f.Kind)
	}

	total, err := s.col.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, err
	}

	pageSize := f.PageSize
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 50
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	order := 1
	if f.Desc {
		order = -1
	}

	opts := options.Find().
		SetSort(bson.M{"created_at": order}).
		SetSkip(int64((page - 1) * pageSize)).
		SetLimit(int64(pageSize))

	cur, err := s.col.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	out := []*model.Transaction{}
	for cur.Next(ctx) {
		var doc transactionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, err
		}
		out = append(out, doc.toModel())
	}
	return out, total, cur.Err()
}

func (s *TransactionStore) FindStalePending(ctx context.Context, cutoff int64, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	cur, err := s.col.Find(ctx,
		bson.M{
			"status":          string(model.StatusPending),
			"created_at":      bson.M{"$lte": cutoff},
			"timeout_handled": false,
		},
		options.Find().SetSort(bson.M{"created_at": 1}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*model.Transaction
	for cur.Next(ctx) {
		var doc transactionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel())
	}
	return out, cur.Err()
}

func (s *TransactionStore) FindSuccessCodeMismatches(ctx context.Context) ([]*model.Transaction, error) {
	cur, err := s.col.Find(ctx, bson.M{
		"result_code": 0,
		"status":      bson.M{"$ne": string(model.StatusSuccess)},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*model.Transaction
	for cur.Next(ctx) {
		var doc transactionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel())
	}
	return out, cur.Err()
}

func (s *TransactionStore) ForceStatus(ctx context.Context, correlationID string, status model.TransactionStatus) error {
	res, err := s.col.UpdateOne(ctx,
		bson.M{"correlation_id": correlationID},
		bson.M{"$set": bson.M{"status": string(status), "updated_at": model.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *TransactionStore) Stats(ctx context.Context) (*model.TransactionStats, error) {
	stats := &model.TransactionStats{
		ByStatus: make(map[model.TransactionStatus]int64),
		ByKind:   make(map[model.TransactionKind]int64),
	}

	cur, err := s.col.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   bson.M{"status": "$status", "kind": "$kind"},
			"count": bson.M{"$sum": 1},
			"amount": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", string(model.StatusSuccess)}},
				"$amount", 0,
			}}},
		}}},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var row struct {
			ID struct {
				Status string `bson:"status"`
				Kind   string `bson:"kind"`
			} `bson:"_id"`
			Count  int64 `bson:"count"`
			Amount int64 `bson:"amount"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		stats.ByStatus[model.TransactionStatus(row.ID.Status)] += row.Count
		stats.ByKind[model.TransactionKind(row.ID.Kind)] += row.Count
		stats.SuccessAmount += row.Amount
	}
	return stats, cur.Err()
}

// CallbackStore is the document-store audit-trail variant.
type CallbackStore struct {
	col *mongo.Collection
}

func NewCallbackStore(client *mongo.Client, dbName string) (*CallbackStore, error) {
	col := client.Database(dbName).Collection("callback_records")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "correlation_id", Value: 1}, {Key: "received_at", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return &CallbackStore{col: col}, nil
}

func (s *CallbackStore) Create(ctx context.Context, c *model.CallbackRecord) (*model.CallbackRecord, error) {
	if _, err := s.col.InsertOne(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CallbackStore) ListByCorrelationID(ctx context.Context, correlationID string) ([]*model.CallbackRecord, error) {
	cur, err := s.col.Find(ctx, bson.M{"correlation_id": correlationID},
		options.Find().SetSort(bson.M{"received_at": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*model.CallbackRecord
	for cur.Next(ctx) {
		var rec model.CallbackRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, cur.Err()
}
