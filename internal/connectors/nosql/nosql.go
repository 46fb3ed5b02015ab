// Package nosql implements connectors for the document, graph, columnar, and
// key-value stores in scope: MongoDB, Neo4j, Cassandra, and Redis. Each
// registers under its own connector type name so a source's config selects
// exactly one backend rather than this package guessing from a URI scheme.
package nosql

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/mpraes/single-node-dw/internal/connectors"
	"github.com/mpraes/single-node-dw/internal/contract"
)

func init() {
	connectors.Register("mongo", newMongoConnector)
	connectors.Register("neo4j", newNeo4jConnector)
	connectors.Register("cassandra", newCassandraConnector)
	connectors.Register("redis", newRedisConnector)
}

// --- MongoDB ---------------------------------------------------------

// mongoConnector fetches documents from a single collection. query is a
// JSON filter document, e.g. {"status":"active"}; an empty query matches
// every document.
type mongoConnector struct {
	uri, database, collection string
	connectTimeout            time.Duration
	client                    *mongo.Client
}

func newMongoConnector(raw map[string]any) (connectors.Connector, error) {
	c := &mongoConnector{
		uri:            stringOf(raw["uri"]),
		database:       stringOf(raw["database"]),
		collection:     stringOf(raw["collection"]),
		connectTimeout: connectTimeoutOf(raw, 10*time.Second),
	}
	if c.uri == "" || c.database == "" || c.collection == "" {
		return nil, fmt.Errorf("mongo connector: uri, database, and collection are required")
	}
	return c, nil
}

func (c *mongoConnector) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.uri))
	if err != nil {
		return fmt.Errorf("mongo connector: connecting: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return fmt.Errorf("mongo connector: pinging: %w", err)
	}
	c.client = client
	return nil
}

func (c *mongoConnector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	if err := connectors.RequireConnected(c.client != nil); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("mongo connector: %w", err)
	}

	filter := bson.M{}
	if query != "" {
		if err := bson.UnmarshalExtJSON([]byte(query), true, &filter); err != nil {
			return contract.IngestionResult{}, fmt.Errorf("mongo connector: parsing filter: %w", err)
		}
	}

	coll := c.client.Database(c.database).Collection(c.collection)
	cursor, err := coll.Find(ctx, filter)
	if err != nil {
		return contract.IngestionResult{}, fmt.Errorf("mongo connector: find: %w", err)
	}
	defer cursor.Close(ctx)

	var items []contract.IngestedItem
	now := time.Now()
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return contract.IngestionResult{}, fmt.Errorf("mongo connector: decoding document: %w", err)
		}
		row := map[string]any(doc)
		if id, ok := row["_id"].(primitive.ObjectID); ok {
			row["_id"] = id.Hex()
		}
		items = append(items, contract.IngestedItem{
			Source:    c.uri,
			Protocol:  "mongo",
			FetchedAt: now,
			Payload:   contract.RowPayload{Row: row},
		})
	}
	return contract.IngestionResult{Protocol: "mongo", Success: true, Items: items}, cursor.Err()
}

func (c *mongoConnector) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Disconnect(context.Background())
}

// --- Neo4j -------------------------------------------------------------

// neo4jConnector runs a Cypher query and ingests each returned record as a
// row keyed by the record's column names.
type neo4jConnector struct {
	uri, username, password string
	connectTimeout          time.Duration
	driver                  neo4j.DriverWithContext
}

func newNeo4jConnector(raw map[string]any) (connectors.Connector, error) {
	c := &neo4jConnector{
		uri:            stringOf(raw["uri"]),
		username:       stringOf(raw["username"]),
		password:       stringOf(raw["password"]),
		connectTimeout: connectTimeoutOf(raw, 10*time.Second),
	}
	if c.uri == "" {
		return nil, fmt.Errorf("neo4j connector: uri is required")
	}
	return c, nil
}

func (c *neo4jConnector) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	driver, err := neo4j.NewDriverWithContext(c.uri, neo4j.BasicAuth(c.username, c.password, ""))
	if err != nil {
		return fmt.Errorf("neo4j connector: creating driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j connector: verifying connectivity: %w", err)
	}
	c.driver = driver
	return nil
}

func (c *neo4jConnector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	if err := connectors.RequireConnected(c.driver != nil); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("neo4j connector: %w", err)
	}
	if err := connectors.RequireQuery(query); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("neo4j connector: %w", err)
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return contract.IngestionResult{}, fmt.Errorf("neo4j connector: running query: %w", err)
	}

	var items []contract.IngestedItem
	now := time.Now()
	for result.Next(ctx) {
		record := result.Record()
		row := make(map[string]any, len(record.Keys))
		for _, key := range record.Keys {
			value, _ := record.Get(key)
			row[key] = value
		}
		items = append(items, contract.IngestedItem{
			Source:    c.uri,
			Protocol:  "neo4j",
			FetchedAt: now,
			Payload:   contract.RowPayload{Row: row},
		})
	}
	if err := result.Err(); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("neo4j connector: iterating results: %w", err)
	}
	return contract.IngestionResult{Protocol: "neo4j", Success: true, Items: items}, nil
}

func (c *neo4jConnector) Close() error {
	if c.driver == nil {
		return nil
	}
	return c.driver.Close(context.Background())
}

// --- Cassandra -----------------------------------------------------------

// cassandraConnector runs a CQL statement and ingests each returned row
// keyed by column name, the same shape the Neo4j connector produces for
// Cypher records.
type cassandraConnector struct {
	hosts          []string
	keyspace       string
	connectTimeout time.Duration
	session        *gocql.Session
}

func newCassandraConnector(raw map[string]any) (connectors.Connector, error) {
	c := &cassandraConnector{
		keyspace:       stringOf(raw["keyspace"]),
		connectTimeout: connectTimeoutOf(raw, 10*time.Second),
	}
	if v, ok := raw["hosts"].([]any); ok {
		for _, h := range v {
			if s, ok := h.(string); ok {
				c.hosts = append(c.hosts, s)
			}
		}
	}
	if len(c.hosts) == 0 || c.keyspace == "" {
		return nil, fmt.Errorf("cassandra connector: hosts and keyspace are required")
	}
	return c, nil
}

func (c *cassandraConnector) Connect(ctx context.Context) error {
	cluster := gocql.NewCluster(c.hosts...)
	cluster.Keyspace = c.keyspace
	cluster.Consistency = gocql.Quorum
	cluster.ConnectTimeout = c.connectTimeout
	session, err := cluster.CreateSession()
	if err != nil {
		return fmt.Errorf("cassandra connector: creating session: %w", err)
	}
	c.session = session
	return nil
}

func (c *cassandraConnector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	if err := connectors.RequireConnected(c.session != nil); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("cassandra connector: %w", err)
	}
	if err := connectors.RequireQuery(query); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("cassandra connector: %w", err)
	}

	iter := c.session.Query(query).WithContext(ctx).Iter()

	var items []contract.IngestedItem
	now := time.Now()
	for {
		row := make(map[string]any)
		if !iter.MapScan(row) {
			break
		}
		items = append(items, contract.IngestedItem{
			Source:    c.keyspace,
			Protocol:  "cassandra",
			FetchedAt: now,
			Payload:   contract.RowPayload{Row: row},
		})
	}
	if err := iter.Close(); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("cassandra connector: iterating rows: %w", err)
	}
	return contract.IngestionResult{Protocol: "cassandra", Success: true, Items: items}, nil
}

func (c *cassandraConnector) Close() error {
	if c.session == nil {
		return nil
	}
	c.session.Close()
	return nil
}

// --- Redis ---------------------------------------------------------------

// redisConnector ingests the values of every key matching a glob pattern.
// query is the pattern passed to SCAN, e.g. "session:*"; an empty query
// scans every key.
type redisConnector struct {
	addr, password string
	db             int
	connectTimeout time.Duration
	client         *redis.Client
}

func newRedisConnector(raw map[string]any) (connectors.Connector, error) {
	c := &redisConnector{
		addr:           stringOf(raw["addr"]),
		password:       stringOf(raw["password"]),
		db:             intOf(raw["db"]),
		connectTimeout: connectTimeoutOf(raw, 10*time.Second),
	}
	if c.addr == "" {
		return nil, fmt.Errorf("redis connector: addr is required")
	}
	return c, nil
}

func (c *redisConnector) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     c.addr,
		Password: c.password,
		DB:       c.db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connector: pinging: %w", err)
	}
	c.client = client
	return nil
}

func (c *redisConnector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	if err := connectors.RequireConnected(c.client != nil); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("redis connector: %w", err)
	}

	pattern := query
	if pattern == "" {
		pattern = "*"
	}

	var items []contract.IngestedItem
	now := time.Now()
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		value, err := c.client.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return contract.IngestionResult{}, fmt.Errorf("redis connector: getting key %s: %w", key, err)
		}
		items = append(items, contract.IngestedItem{
			Source:    c.addr,
			Protocol:  "redis",
			FetchedAt: now,
			Payload:   contract.RowPayload{Row: map[string]any{"key": key, "value": value}},
		})
	}
	if err := iter.Err(); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("redis connector: scanning keys: %w", err)
	}
	return contract.IngestionResult{Protocol: "redis", Success: true, Items: items}, nil
}

func (c *redisConnector) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// --- shared helpers --------------------------------------------------

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// connectTimeoutOf reads an optional "connect_timeout" duration string from
// raw, falling back to def when absent or malformed: a hard cap on Connect
// independent of whatever deadline the caller's context already carries.
func connectTimeoutOf(raw map[string]any, def time.Duration) time.Duration {
	s, ok := raw["connect_timeout"].(string)
	if !ok || s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
