// Package milvus wraps the Milvus v2 SDK client with the collection, write
// and search helpers used by the vector index.
package milvus

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/kart-io/sentinel-rag/pkg/component/storage"
	milvusopts "github.com/kart-io/sentinel-rag/pkg/options/milvus"
)

// VectorField is the name of the vector column in every collection.
const VectorField = "embedding"

// Client wraps the Milvus SDK client.
type Client struct {
	client *milvusclient.Client
	opts   *milvusopts.Options
}

var _ storage.Client = (*Client)(nil)

// New creates a new Milvus client.
func New(ctx context.Context, opts *milvusopts.Options) (*Client, error) {
	if opts == nil {
		return nil, fmt.Errorf("milvus options is nil")
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address:  opts.Address,
		Username: opts.Username,
		Password: opts.Password,
		DBName:   opts.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus: %w", err)
	}

	return &Client{
		client: c,
		opts:   opts,
	}, nil
}

// Name returns the storage type identifier.
func (c *Client) Name() string {
	return "milvus"
}

// Ping lists collections as a cheap round trip.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.ListCollections(ctx, milvusclient.NewListCollectionOption()); err != nil {
		return fmt.Errorf("milvus ping failed: %w", err)
	}
	return nil
}

// Close closes the Milvus client connection.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.client.Close(ctx)
}

// CollectionSchema defines the schema for a vector collection.
// The primary key is a VarChar field named PrimaryKey.
type CollectionSchema struct {
	Name        string
	Description string
	PrimaryKey  string
	PKMaxLen    int
	Dimension   int
	MetaFields  []MetaField
}

// MetaField defines a metadata field in the collection.
type MetaField struct {
	Name     string
	DataType entity.FieldType
	MaxLen   int // For VARCHAR type
}

// EnsureCollection creates the collection with a COSINE IVF_FLAT index when it
// does not exist, then loads it.
func (c *Client) EnsureCollection(ctx context.Context, schema *CollectionSchema) error {
	exists, err := c.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(schema.Name))
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	if !exists {
		if err := c.createCollection(ctx, schema); err != nil {
			return err
		}
	}

	loadTask, err := c.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(schema.Name))
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	if err := loadTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for collection loading: %w", err)
	}
	return nil
}

func (c *Client) createCollection(ctx context.Context, schema *CollectionSchema) error {
	pkLen := schema.PKMaxLen
	if pkLen <= 0 {
		pkLen = 128
	}

	collSchema := entity.NewSchema().
		WithName(schema.Name).
		WithDescription(schema.Description).
		WithAutoID(false).
		WithField(entity.NewField().
			WithName(schema.PrimaryKey).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(int64(pkLen)).
			WithIsPrimaryKey(true)).
		WithField(entity.NewField().
			WithName(VectorField).
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(schema.Dimension)))

	for _, f := range schema.MetaFields {
		field := entity.NewField().
			WithName(f.Name).
			WithDataType(f.DataType)
		if f.DataType == entity.FieldTypeVarChar && f.MaxLen > 0 {
			field.WithMaxLength(int64(f.MaxLen))
		}
		collSchema.WithField(field)
	}

	if err := c.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(schema.Name, collSchema)); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx := index.NewIvfFlatIndex(entity.COSINE, 128)
	createIdxTask, err := c.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(schema.Name, VectorField, idx))
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := createIdxTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for index creation: %w", err)
	}
	return nil
}

// CollectionDimension returns the declared dimension of the vector field.
func (c *Client) CollectionDimension(ctx context.Context, collectionName string) (int, error) {
	coll, err := c.client.DescribeCollection(ctx, milvusclient.NewDescribeCollectionOption(collectionName))
	if err != nil {
		return 0, fmt.Errorf("failed to describe collection: %w", err)
	}
	for _, f := range coll.Schema.Fields {
		if f.Name != VectorField {
			continue
		}
		dim, err := strconv.Atoi(f.TypeParams["dim"])
		if err != nil {
			return 0, fmt.Errorf("invalid dim type param %q: %w", f.TypeParams["dim"], err)
		}
		return dim, nil
	}
	return 0, fmt.Errorf("collection %s has no %s field", collectionName, VectorField)
}

// Upsert writes the given columns and flushes so the rows are searchable on return.
func (c *Client) Upsert(ctx context.Context, collectionName string, columns ...column.Column) (int, error) {
	result, err := c.client.Upsert(ctx, milvusclient.NewColumnBasedInsertOption(collectionName, columns...))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert data: %w", err)
	}

	flushTask, err := c.client.Flush(ctx, milvusclient.NewFlushOption(collectionName))
	if err != nil {
		return 0, fmt.Errorf("failed to flush collection: %w", err)
	}
	if err := flushTask.Await(ctx); err != nil {
		return 0, fmt.Errorf("failed to wait for flush: %w", err)
	}

	return int(result.UpsertCount), nil
}

// SearchRequest describes a filtered single-vector search.
type SearchRequest struct {
	Collection   string
	Vector       []float32
	TopK         int
	Filter       string
	OutputFields []string
}

// Search runs a vector similarity search. Filter is evaluated by Milvus
// before the top-k cut.
func (c *Client) Search(ctx context.Context, req *SearchRequest) (milvusclient.ResultSet, error) {
	opt := milvusclient.NewSearchOption(req.Collection, req.TopK, []entity.Vector{entity.FloatVector(req.Vector)}).
		WithANNSField(VectorField).
		WithSearchParam("nprobe", "16").
		WithConsistencyLevel(entity.ClStrong).
		WithOutputFields(req.OutputFields...)
	if req.Filter != "" {
		opt = opt.WithFilter(req.Filter)
	}

	results, err := c.client.Search(ctx, opt)
	if err != nil {
		return milvusclient.ResultSet{}, fmt.Errorf("failed to search: %w", err)
	}
	if len(results) == 0 {
		return milvusclient.ResultSet{}, nil
	}
	return results[0], nil
}

// Query returns the rows matching expr.
func (c *Client) Query(ctx context.Context, collectionName, expr string, limit int, outputFields ...string) (milvusclient.ResultSet, error) {
	opt := milvusclient.NewQueryOption(collectionName).
		WithFilter(expr).
		WithOutputFields(outputFields...).
		WithConsistencyLevel(entity.ClStrong)
	if limit > 0 {
		opt = opt.WithLimit(limit)
	}

	rs, err := c.client.Query(ctx, opt)
	if err != nil {
		return milvusclient.ResultSet{}, fmt.Errorf("failed to query: %w", err)
	}
	return rs, nil
}

// DeleteByExpr deletes every row matching expr.
func (c *Client) DeleteByExpr(ctx context.Context, collectionName, expr string) (int64, error) {
	res, err := c.client.Delete(ctx, milvusclient.NewDeleteOption(collectionName).WithExpr(expr))
	if err != nil {
		return 0, fmt.Errorf("failed to delete by expr: %w", err)
	}
	return res.DeleteCount, nil
}

// QueryEach pages through every row matching expr in primary-key order and
// hands each batch to fn. Iteration stops at the first error returned by fn.
func (c *Client) QueryEach(ctx context.Context, collectionName, expr string, batchSize int,
	fn func(milvusclient.ResultSet) error, outputFields ...string,
) error {
	opt := milvusclient.NewQueryIteratorOption(collectionName).
		WithFilter(expr).
		WithOutputFields(outputFields...).
		WithConsistencyLevel(entity.ClStrong)
	if batchSize > 0 {
		opt = opt.WithBatchSize(batchSize)
	}

	it, err := c.client.QueryIterator(ctx, opt)
	if err != nil {
		return fmt.Errorf("failed to create query iterator: %w", err)
	}
	for {
		rs, err := it.Next(ctx)
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to iterate query: %w", err)
		}
		if err := fn(rs); err != nil {
			return err
		}
	}
}

// Count returns the live row count via count(*).
func (c *Client) Count(ctx context.Context, collectionName string) (int64, error) {
	rs, err := c.client.Query(ctx, milvusclient.NewQueryOption(collectionName).
		WithOutputFields("count(*)").
		WithConsistencyLevel(entity.ClStrong))
	if err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	col := rs.GetColumn("count(*)")
	if col == nil || col.Len() == 0 {
		return 0, nil
	}
	return col.GetAsInt64(0)
}
