package dbclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"visitrelay/internal/domain"
)

// mongoConnector implements Connector for MongoDB. Documents come back
// as nested maps so grouped visit documents keep their item arrays.
type mongoConnector struct {
	client *mongo.Client
	dbName string
	log    *zap.Logger

	mu      sync.Mutex
	cursor  *mongo.Cursor
	fetched int
}

// mongoQuery is the JSON form of a MongoDB read.
type mongoQuery struct {
	Collection string         `json:"collection"`
	Operation  string         `json:"operation,omitempty"` // find (default) | aggregate
	Filter     map[string]any `json:"filter,omitempty"`
	Projection map[string]any `json:"projection,omitempty"`
	Sort       map[string]any `json:"sort,omitempty"`
	Limit      int64          `json:"limit,omitempty"`
	Pipeline   []any          `json:"pipeline,omitempty"`
}

// MongoFind renders a find query for Execute.
func MongoFind(collection string, filter map[string]any, limit int64) string {
	b, _ := json.Marshal(mongoQuery{Collection: collection, Filter: filter, Limit: limit})
	return string(b)
}

// mongoURI builds the connection URI. A host that already is a URI is used
// as is, with password placeholders filled in.
func mongoURI(conn *domain.DatabaseConnection, password string) string {
	if strings.HasPrefix(conn.Host, "mongodb+srv://") || strings.HasPrefix(conn.Host, "mongodb://") {
		uri := conn.Host
		if password != "" {
			uri = strings.ReplaceAll(uri, "<password>", password)
			uri = strings.ReplaceAll(uri, "<db_password>", password)
		}
		return uri
	}

	port := conn.Port
	if port == 0 {
		port = 27017
	}
	uri := fmt.Sprintf("mongodb://%s:%d", conn.Host, port)
	if conn.Username != "" {
		uri = fmt.Sprintf("mongodb://%s:%s@%s:%d", conn.Username, password, conn.Host, port)
	}

	// Driver options such as authSource or replicaSet.
	if conn.ExtraJSON != "" && conn.ExtraJSON != "{}" {
		var extras map[string]string
		if json.Unmarshal([]byte(conn.ExtraJSON), &extras) == nil && len(extras) > 0 {
			keys := make([]string, 0, len(extras))
			for k := range extras {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			params := make([]string, len(keys))
			for i, k := range keys {
				params[i] = k + "=" + extras[k]
			}
			uri += "/?" + strings.Join(params, "&")
		}
	}
	return uri
}

func newMongoConnector(conn *domain.DatabaseConnection, password string, logger *zap.Logger) (*mongoConnector, error) {
	uri := mongoURI(conn, password)
	dbName := conn.Database
	if dbName == "" {
		dbName = "test"
	}

	logURI := uri
	if password != "" {
		logURI = strings.ReplaceAll(logURI, password, "***")
	}
	logger.Debug("connecting", zap.String("uri", logURI), zap.String("database", dbName))

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return &mongoConnector{client: client, dbName: dbName, log: logger}, nil
}

// unmarshalEJSON converts MongoDB Extended JSON values ($oid, $date,
// $numberLong, ...) inside a decoded JSON object into BSON types.
func unmarshalEJSON(field map[string]any) (map[string]any, error) {
	if field == nil {
		return nil, nil
	}
	raw, err := json.Marshal(field)
	if err != nil {
		return nil, err
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, fmt.Errorf("extended json: %w", err)
	}
	result := make(map[string]any, len(doc))
	for _, elem := range doc {
		result[elem.Key] = elem.Value
	}
	return result, nil
}

// parseObjectID accepts raw hex or the ObjectID("...") form.
func parseObjectID(s string) (bson.ObjectID, error) {
	if oid, err := bson.ObjectIDFromHex(s); err == nil {
		return oid, nil
	}
	if strings.HasPrefix(s, `ObjectID("`) && strings.HasSuffix(s, `")`) {
		return bson.ObjectIDFromHex(s[len(`ObjectID("`) : len(s)-len(`")`)])
	}
	return bson.ObjectID{}, fmt.Errorf("invalid ObjectID: %s", s)
}

func (m *mongoConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

func (m *mongoConnector) Execute(ctx context.Context, query string, fetchSize int) (*QueryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCursorLocked(ctx)

	if fetchSize <= 0 {
		fetchSize = 100
	}

	var mq mongoQuery
	if err := json.Unmarshal([]byte(query), &mq); err != nil {
		return nil, fmt.Errorf("invalid query JSON: %w", err)
	}
	if mq.Collection == "" {
		return nil, errors.New("query must specify 'collection'")
	}
	var err error
	for _, f := range []*map[string]any{&mq.Filter, &mq.Projection, &mq.Sort} {
		if *f, err = unmarshalEJSON(*f); err != nil {
			return nil, err
		}
	}

	m.log.Debug("execute",
		zap.String("collection", mq.Collection),
		zap.String("operation", mq.Operation),
		zap.Any("filter", mq.Filter),
	)

	coll := m.client.Database(m.dbName).Collection(mq.Collection)

	var cursor *mongo.Cursor
	switch mq.Operation {
	case "", "find":
		opts := options.Find().SetBatchSize(int32(fetchSize))
		if mq.Projection != nil {
			opts.SetProjection(mq.Projection)
		}
		if mq.Sort != nil {
			opts.SetSort(mq.Sort)
		}
		if mq.Limit > 0 {
			opts.SetLimit(mq.Limit)
		}
		filter := mq.Filter
		if filter == nil {
			filter = map[string]any{}
		}
		cursor, err = coll.Find(ctx, filter, opts)
	case "aggregate":
		pipeline := mq.Pipeline
		if pipeline == nil {
			pipeline = []any{}
		}
		cursor, err = coll.Aggregate(ctx, pipeline)
	default:
		return nil, fmt.Errorf("unsupported operation: %s", mq.Operation)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mq.Collection, err)
	}

	m.cursor = cursor
	m.fetched = 0
	return m.fetchBatchLocked(ctx, fetchSize)
}

func (m *mongoConnector) FetchMore(ctx context.Context, fetchSize int) (*QueryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cursor == nil {
		return nil, errors.New("no active cursor, execute a query first")
	}
	if fetchSize <= 0 {
		fetchSize = 100
	}
	return m.fetchBatchLocked(ctx, fetchSize)
}

func (m *mongoConnector) fetchBatchLocked(ctx context.Context, fetchSize int) (*QueryPage, error) {
	var docs []bson.D
	for len(docs) < fetchSize && m.cursor.Next(ctx) {
		var doc bson.D
		if err := m.cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := m.cursor.Err(); err != nil {
		m.closeCursorLocked(ctx)
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	m.fetched += len(docs)

	// Columns in first-seen order, _id first.
	seen := map[string]bool{}
	var columns []string
	for _, doc := range docs {
		for _, elem := range doc {
			if !seen[elem.Key] {
				seen[elem.Key] = true
				columns = append(columns, elem.Key)
			}
		}
	}
	sort.SliceStable(columns, func(i, j int) bool {
		return columns[i] == "_id" && columns[j] != "_id"
	})

	rows := make([][]any, 0, len(docs))
	for _, doc := range docs {
		byKey := plainValue(doc).(map[string]any)
		row := make([]any, len(columns))
		for j, col := range columns {
			row[j] = byKey[col]
		}
		rows = append(rows, row)
	}

	hasMore := len(docs) == fetchSize
	if !hasMore {
		m.closeCursorLocked(ctx)
	}
	m.log.Debug("fetched", zap.Int("docs", len(docs)), zap.Int("total", m.fetched))

	return &QueryPage{
		Columns:      columns,
		Rows:         rows,
		TotalFetched: m.fetched,
		HasMore:      hasMore,
	}, nil
}

// plainValue turns BSON values into maps, slices and scalars.
func plainValue(v any) any {
	switch t := v.(type) {
	case bson.D:
		out := make(map[string]any, len(t))
		for _, elem := range t {
			out[elem.Key] = plainValue(elem.Value)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plainValue(val)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plainValue(val)
		}
		return out
	case bson.ObjectID:
		return t.Hex()
	case bson.DateTime:
		return t.Time().UTC()
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case bson.Decimal128:
		return t.String()
	default:
		return v
	}
}

// ── Writes ─────────────────────────────────────────────────

func (m *mongoConnector) Insert(ctx context.Context, table string, cols []Column) error {
	doc := bson.D{}
	for _, c := range cols {
		doc = append(doc, bson.E{Key: c.Name, Value: c.Value})
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := m.client.Database(m.dbName).Collection(table).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (m *mongoConnector) Update(ctx context.Context, table string, set, where []Column) (int64, error) {
	if len(set) == 0 || len(where) == 0 {
		return 0, errors.New("update: set and where columns are required")
	}
	filter := bson.D{}
	for _, c := range where {
		v := c.Value
		if s, ok := v.(string); ok && c.Name == "_id" {
			if oid, err := parseObjectID(s); err == nil {
				v = oid
			}
		}
		filter = append(filter, bson.E{Key: c.Name, Value: v})
	}
	fields := bson.D{}
	for _, c := range set {
		fields = append(fields, bson.E{Key: c.Name, Value: c.Value})
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := m.client.Database(m.dbName).Collection(table).
		UpdateMany(ctx, filter, bson.D{{Key: "$set", Value: fields}})
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	m.log.Debug("update", zap.String("collection", table),
		zap.Int64("matched", res.MatchedCount), zap.Int64("modified", res.ModifiedCount))
	return res.ModifiedCount, nil
}

func (m *mongoConnector) Introspect(ctx context.Context) (*SchemaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db := m.client.Database(m.dbName)
	collections, err := db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	sort.Strings(collections)

	schema := &SchemaInfo{}
	for _, name := range collections {
		info := TableInfo{Name: name}
		var doc bson.D
		// Sample one document for field names.
		if err := db.Collection(name).FindOne(ctx, bson.M{}).Decode(&doc); err == nil {
			for _, elem := range doc {
				info.Columns = append(info.Columns, ColumnInfo{Name: elem.Key, Type: fmt.Sprintf("%T", elem.Value)})
			}
		}
		schema.Tables = append(schema.Tables, info)
	}
	return schema, nil
}

func (m *mongoConnector) Close() error {
	m.mu.Lock()
	m.closeCursorLocked(context.Background())
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *mongoConnector) closeCursorLocked(ctx context.Context) {
	if m.cursor != nil {
		m.cursor.Close(ctx)
		m.cursor = nil
	}
}
