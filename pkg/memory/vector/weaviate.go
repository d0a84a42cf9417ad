// Package vector is the semantic index gateway. It stores one point per
// memory in a single Weaviate class with a fixed vector dimension and keeps
// only the minimal payload needed for post-retrieval filtering without a
// relational round-trip.
package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	weaviateGraphql "github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/engramlabs/engram/pkg/memory"
)

const (
	// ClassName is the single collection holding memory vectors.
	ClassName = "Memories"

	memoryIDProperty   = "memoryId"
	scopeProperty      = "scope"
	confidenceProperty = "confidence"
	topicProperty      = "topic"
)

// Point is one (id, vector, payload) tuple.
type Point struct {
	ID         string
	Vector     []float32
	Scope      memory.Scope
	Confidence float64
	Topic      string
}

// SearchResult is one scored hit. Score is cosine certainty in [0,1].
type SearchResult struct {
	ID         string
	Score      float64
	Confidence float64
	Topic      string
}

// SearchFilter narrows a search. Scope is mandatory; the gateway refuses
// unscoped searches.
type SearchFilter struct {
	Scope         memory.Scope
	Topic         string
	MinConfidence float64
}

// Gateway wraps a Weaviate client for one collection with a fixed dimension.
type Gateway struct {
	client    *weaviate.Client
	logger    *log.Logger
	dimension int
}

// New creates a gateway against the given Weaviate host.
func New(logger *log.Logger, host, scheme string, dimension int) (*Gateway, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive")
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   host,
		Scheme: scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("creating weaviate client: %w", err)
	}
	return &Gateway{client: client, logger: logger, dimension: dimension}, nil
}

// NewWithClient wraps an existing client, for tests.
func NewWithClient(logger *log.Logger, client *weaviate.Client, dimension int) *Gateway {
	return &Gateway{client: client, logger: logger, dimension: dimension}
}

// EnsureCollection creates the memory class if it does not exist. Safe to
// call repeatedly.
func (g *Gateway) EnsureCollection(ctx context.Context) error {
	exists, err := g.client.Schema().ClassExistenceChecker().WithClassName(ClassName).Do(ctx)
	if err != nil {
		return memory.Transient("ensure collection", err)
	}
	if exists {
		g.logger.Debug("Vector class already exists", "class", ClassName)
		return nil
	}

	classObj := &models.Class{
		Class:       ClassName,
		Description: "One vector per durable memory, payload limited to scope routing fields",
		Properties: []*models.Property{
			{
				Name:        memoryIDProperty,
				DataType:    []string{"text"},
				Description: "Relational memory row ID",
			},
			{
				Name:        scopeProperty,
				DataType:    []string{"text"},
				Description: "Canonical scope string",
			},
			{
				Name:        confidenceProperty,
				DataType:    []string{"number"},
				Description: "Memory confidence at index time",
			},
			{
				Name:        topicProperty,
				DataType:    []string{"text"},
				Description: "Optional topic tag",
			},
		},
		Vectorizer: "none",
	}

	if err := g.client.Schema().ClassCreator().WithClass(classObj).Do(ctx); err != nil {
		// A concurrent worker may have created it between check and create.
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return memory.Transient("ensure collection", err)
	}
	g.logger.Info("Created vector class", "class", ClassName, "dimension", g.dimension)
	return nil
}

// UpsertPoints writes points in batches. Batch writes with an existing ID
// replace the stored object and vector.
func (g *Gateway) UpsertPoints(ctx context.Context, points []Point, batchSize int) error {
	if len(points) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	for _, p := range points {
		if len(p.Vector) != g.dimension {
			return memory.InvalidInput("upsert points",
				fmt.Errorf("point %s has dimension %d, collection is %d", p.ID, len(p.Vector), g.dimension))
		}
		if err := p.Scope.Validate(); err != nil {
			return memory.InvalidInput("upsert points", fmt.Errorf("point %s: %w", p.ID, err))
		}
	}

	for start := 0; start < len(points); start += batchSize {
		end := start + batchSize
		if end > len(points) {
			end = len(points)
		}

		batcher := g.client.Batch().ObjectsBatcher()
		for _, p := range points[start:end] {
			batcher = batcher.WithObjects(&models.Object{
				Class:  ClassName,
				ID:     strfmt.UUID(p.ID),
				Vector: p.Vector,
				Properties: map[string]interface{}{
					memoryIDProperty:   p.ID,
					scopeProperty:      p.Scope.Canonical(),
					confidenceProperty: p.Confidence,
					topicProperty:      p.Topic,
				},
			})
		}

		resp, err := batcher.Do(ctx)
		if err != nil {
			return memory.Transient("upsert points", err)
		}
		for _, obj := range resp {
			if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
				return memory.Transient("upsert points",
					fmt.Errorf("object error: %s", obj.Result.Errors.Error[0].Message))
			}
		}
	}

	g.logger.Debug("Upserted vector points", "count", len(points))
	return nil
}

// Search runs a scoped nearVector query. Results come back sorted by
// descending similarity. scoreThreshold, when positive, is a certainty floor.
func (g *Gateway) Search(ctx context.Context, queryVector []float32, limit int, scoreThreshold float64, filter SearchFilter) ([]SearchResult, error) {
	if len(queryVector) != g.dimension {
		return nil, memory.InvalidInput("vector search",
			fmt.Errorf("query dimension %d does not match collection dimension %d", len(queryVector), g.dimension))
	}
	if err := filter.Scope.Validate(); err != nil {
		return nil, memory.InvalidInput("vector search", fmt.Errorf("search requires a scope: %w", err))
	}
	if limit <= 0 {
		limit = 10
	}

	nearVector := g.client.GraphQL().NearVectorArgBuilder().WithVector(queryVector)
	if scoreThreshold > 0 {
		nearVector = nearVector.WithCertainty(float32(scoreThreshold))
	}

	where := g.buildWhere(filter)

	fields := []weaviateGraphql.Field{
		{Name: memoryIDProperty},
		{Name: confidenceProperty},
		{Name: topicProperty},
		{
			Name: "_additional",
			Fields: []weaviateGraphql.Field{
				{Name: "id"},
				{Name: "certainty"},
			},
		},
	}

	resp, err := g.client.GraphQL().Get().
		WithClassName(ClassName).
		WithNearVector(nearVector).
		WithWhere(where).
		WithFields(fields...).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, memory.Transient("vector search", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, memory.Permanent("vector search",
			fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; ")))
	}

	return parseSearchResponse(resp)
}

func (g *Gateway) buildWhere(filter SearchFilter) *filters.WhereBuilder {
	operands := []*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{scopeProperty}).
			WithOperator(filters.Equal).
			WithValueText(filter.Scope.Canonical()),
	}
	if filter.Topic != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{topicProperty}).
			WithOperator(filters.Equal).
			WithValueText(filter.Topic))
	}
	if filter.MinConfidence > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{confidenceProperty}).
			WithOperator(filters.GreaterThanEqual).
			WithValueNumber(filter.MinConfidence))
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

func parseSearchResponse(resp *models.GraphQLResponse) ([]SearchResult, error) {
	get, ok := resp.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected response shape: missing Get")
	}
	items, ok := get[ClassName].([]interface{})
	if !ok {
		return []SearchResult{}, nil
	}

	results := make([]SearchResult, 0, len(items))
	for _, item := range items {
		props, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		result := SearchResult{}
		if v, ok := props[memoryIDProperty].(string); ok {
			result.ID = v
		}
		if v, ok := props[confidenceProperty].(float64); ok {
			result.Confidence = v
		}
		if v, ok := props[topicProperty].(string); ok {
			result.Topic = v
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if c, ok := additional["certainty"].(float64); ok {
				result.Score = c
			}
			if result.ID == "" {
				if id, ok := additional["id"].(string); ok {
					result.ID = id
				}
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// GetPoint fetches one point by memory ID.
func (g *Gateway) GetPoint(ctx context.Context, id string) (*Point, error) {
	objs, err := g.client.Data().ObjectsGetter().
		WithClassName(ClassName).
		WithID(id).
		WithVector().
		Do(ctx)
	if err != nil {
		return nil, memory.Transient("get point", err)
	}
	if len(objs) == 0 {
		return nil, memory.ErrNotFound
	}

	obj := objs[0]
	point := &Point{ID: id, Vector: obj.Vector}
	if props, ok := obj.Properties.(map[string]interface{}); ok {
		if v, ok := props[confidenceProperty].(float64); ok {
			point.Confidence = v
		}
		if v, ok := props[topicProperty].(string); ok {
			point.Topic = v
		}
	}
	return point, nil
}

// DeletePoints removes points by memory ID. Missing IDs are ignored.
func (g *Gateway) DeletePoints(ctx context.Context, ids []string) error {
	for _, id := range ids {
		err := g.client.Data().Deleter().
			WithClassName(ClassName).
			WithID(id).
			Do(ctx)
		if err != nil {
			if strings.Contains(err.Error(), "404") {
				continue
			}
			return memory.Transient("delete points", err)
		}
	}
	return nil
}

// Count returns the total number of points in the collection.
func (g *Gateway) Count(ctx context.Context) (int, error) {
	resp, err := g.client.GraphQL().Aggregate().
		WithClassName(ClassName).
		WithFields(weaviateGraphql.Field{
			Name:   "meta",
			Fields: []weaviateGraphql.Field{{Name: "count"}},
		}).
		Do(ctx)
	if err != nil {
		return 0, memory.Transient("count points", err)
	}
	if len(resp.Errors) > 0 {
		return 0, memory.Permanent("count points", fmt.Errorf("graphql error: %s", resp.Errors[0].Message))
	}

	aggregate, ok := resp.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected aggregate response shape")
	}
	items, ok := aggregate[ClassName].([]interface{})
	if !ok || len(items) == 0 {
		return 0, nil
	}
	entry, ok := items[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	meta, ok := entry["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	count, _ := meta["count"].(float64)
	return int(count), nil
}

// Health reports whether the vector store is reachable and ready.
func (g *Gateway) Health(ctx context.Context) error {
	ready, err := g.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return memory.Transient("vector health", err)
	}
	if !ready {
		return memory.Transient("vector health", fmt.Errorf("weaviate not ready"))
	}
	return nil
}
