package mongo

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Store is the part of the driver the client needs.
type Store interface {
	Name() string
	Ping(ctx context.Context) error
	ListCollections(ctx context.Context) ([]string, error)
	Sample(ctx context.Context, collection string, n int64) ([]bson.D, error)
	EstimatedCount(ctx context.Context, collection string) (int64, error)
	Find(ctx context.Context, collection string, spec FindSpec) ([]bson.D, error)
	Aggregate(ctx context.Context, collection string, pipeline bson.A) ([]bson.D, error)
}

type FindSpec struct {
	Filter     bson.D
	Projection bson.D
	Sort       bson.D
	Limit      int64
}

type ConnectConfig struct {
	URI            string
	MaxPoolSize    uint64
	ConnectTimeout time.Duration
}

// ConnParams builds a connection URI when no URI is configured.
type ConnParams struct {
	Host     string
	Port     int
	User     string
	Password string
}

func (p ConnParams) URI() string {
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	if p.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(p.Port))
	}
	u := url.URL{Scheme: "mongodb", Host: host, Path: "/"}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u.String()
}

// Connect dials the deployment and waits for the primary.
func Connect(ctx context.Context, cfg ConnectConfig) (*mongo.Client, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("mongodb uri is required")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

type driverStore struct {
	db *mongo.Database
}

func NewDriverStore(db *mongo.Database) Store {
	return &driverStore{db: db}
}

func (s *driverStore) Name() string {
	return s.db.Name()
}

func (s *driverStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, readpref.Primary())
}

func (s *driverStore) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *driverStore) Sample(ctx context.Context, collection string, n int64) ([]bson.D, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(n)
	cursor, err := s.db.Collection(collection).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	var docs []bson.D
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *driverStore) EstimatedCount(ctx context.Context, collection string) (int64, error) {
	return s.db.Collection(collection).EstimatedDocumentCount(ctx)
}

func (s *driverStore) Find(ctx context.Context, collection string, spec FindSpec) ([]bson.D, error) {
	filter := spec.Filter
	if filter == nil {
		filter = bson.D{}
	}
	opts := options.Find().SetLimit(spec.Limit)
	if len(spec.Projection) > 0 {
		opts.SetProjection(spec.Projection)
	}
	if len(spec.Sort) > 0 {
		opts.SetSort(spec.Sort)
	}
	cursor, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []bson.D
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *driverStore) Aggregate(ctx context.Context, collection string, pipeline bson.A) ([]bson.D, error) {
	cursor, err := s.db.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var docs []bson.D
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
