package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	logx "jobsched/pkg/logx"
)

// mongoRun is the stored document. Field names are part of the on-disk
// format; keep them stable.
type mongoRun struct {
	JobID       string    `bson:"jobId"`
	Name        string    `bson:"name"`
	Group       string    `bson:"group,omitempty"`
	Priority    string    `bson:"priority,omitempty"`
	Severity    string    `bson:"severity"`
	Message     string    `bson:"message,omitempty"`
	DurationMS  int64     `bson:"durationMs"`
	Rescheduled bool      `bson:"rescheduled,omitempty"`
	At          time.Time `bson:"at"`
}

type mongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    logx.Logger

	maxRows int
}

func openMongo(cfg Config, log logx.Logger) (Store, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("storage.uri is required for mongo driver")
	}
	db := strings.TrimSpace(cfg.Database)
	if db == "" {
		db = "jobsd"
	}
	collName := strings.TrimSpace(cfg.Collection)
	if collName == "" {
		collName = "runs"
	}

	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetServerSelectionTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	coll := client.Database(db).Collection(collName)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "at", Value: -1}}},
		{Keys: bson.D{{Key: "name", Value: 1}, {Key: "at", Value: -1}}},
	})
	if err != nil {
		log.Warn("mongo index create failed", logx.Err(err))
	}
	return &mongoStore{client: client, coll: coll, log: log, maxRows: max(cfg.MaxRows, 0)}, nil
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *mongoStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.coll.InsertOne(ctx, mongoRun{
		JobID:       r.JobID,
		Name:        r.Name,
		Group:       r.Group,
		Priority:    r.Priority,
		Severity:    r.Severity,
		Message:     r.Message,
		DurationMS:  r.Duration.Milliseconds(),
		Rescheduled: r.Rescheduled,
		At:          r.At.UTC(),
	})
	if err != nil {
		return fmt.Errorf("mongo insert: %w", err)
	}
	if s.maxRows > 0 {
		s.prune(ctx)
	}
	return nil
}

// prune deletes everything older than the maxRows-th newest record.
func (s *mongoStore) prune(ctx context.Context) {
	opts := options.FindOne().SetSort(bson.D{{Key: "at", Value: -1}}).SetSkip(int64(s.maxRows))
	var edge mongoRun
	if err := s.coll.FindOne(ctx, bson.M{}, opts).Decode(&edge); err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			s.log.Debug("run history prune failed", logx.Err(err))
		}
		return
	}
	if _, err := s.coll.DeleteMany(ctx, bson.M{"at": bson.M{"$lte": edge.At}}); err != nil {
		s.log.Debug("run history prune failed", logx.Err(err))
	}
}

func (s *mongoStore) ListRuns(ctx context.Context, q Query) ([]RunRecord, error) {
	filter := bson.M{}
	if q.Name != "" {
		filter["name"] = q.Name
	}
	if q.Severity != "" {
		filter["severity"] = q.Severity
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(q.limit()))

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo find: %w", err)
	}
	defer cur.Close(ctx)

	var out []RunRecord
	for cur.Next(ctx) {
		var m mongoRun
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, RunRecord{
			JobID:       m.JobID,
			Name:        m.Name,
			Group:       m.Group,
			Priority:    m.Priority,
			Severity:    m.Severity,
			Message:     m.Message,
			Duration:    time.Duration(m.DurationMS) * time.Millisecond,
			Rescheduled: m.Rescheduled,
			At:          m.At,
		})
	}
	return out, cur.Err()
}
