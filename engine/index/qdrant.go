package index

import (
	"context"
	"fmt"
	"log/slog"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/reqsmith/reqsmith/engine/domain"
	"github.com/reqsmith/reqsmith/pkg/fn"
)

const (
	// embedBatchSize is the max chunk texts per embedding request.
	embedBatchSize = 100
	// embedWorkers bounds concurrent embedding requests during Add.
	embedWorkers = 4
	// scrollPageSize is the page size for metadata-filtered listings.
	scrollPageSize = 256
)

// PointsAPI is the subset of the Qdrant points client the store uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
	SetPayload(ctx context.Context, in *pb.SetPayloadPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// CollectionsAPI is the subset of the Qdrant collections client the store uses.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Qdrant is the Qdrant-backed Index. It owns all Qdrant operations; nothing
// else in the module talks to the collection. Qdrant's Cosine metric reports
// similarity directly, so scores pass through unchanged.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	collection  string
	dims        int
	embed       Embedder
	logger      *slog.Logger
}

// New creates a Qdrant index connected at the given gRPC address.
func New(addr, collection string, dims int, embed Embedder, logger *slog.Logger) (*Qdrant, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("index: dial qdrant %s: %w", addr, err)
	}
	q := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dims, embed, logger)
	q.conn = conn
	return q, nil
}

// NewWithClients creates a Qdrant index over pre-built clients. Used by tests.
func NewWithClients(points PointsAPI, collections CollectionsAPI, collection string, dims int, embed Embedder, logger *slog.Logger) *Qdrant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Qdrant{
		points:      points,
		collections: collections,
		collection:  collection,
		dims:        dims,
		embed:       embed,
		logger:      logger,
	}
}

// Close closes the underlying gRPC connection.
func (q *Qdrant) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// Initialize creates the collection if it doesn't exist.
func (q *Qdrant) Initialize(ctx context.Context) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("index: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("index: create collection %s: %w", q.collection, err)
	}
	return nil
}

// Add embeds chunk texts and upserts them as points. Batches embed
// concurrently; point order follows chunk order.
func (q *Qdrant) Add(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var batches [][]domain.Chunk
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		batches = append(batches, chunks[start:end])
	}

	perBatch := fn.ParMapResult(batches, embedWorkers, func(batch []domain.Chunk) fn.Result[[]*pb.PointStruct] {
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		embeddings, err := q.embed.EmbedBatch(ctx, texts)
		if err != nil {
			return fn.Errf[[]*pb.PointStruct]("index: embed %d chunks: %w", len(batch), err)
		}
		if len(embeddings) != len(batch) {
			return fn.Errf[[]*pb.PointStruct]("index: embedder returned %d vectors for %d chunks", len(embeddings), len(batch))
		}

		points := make([]*pb.PointStruct, len(batch))
		for i, c := range batch {
			points[i] = &pb.PointStruct{
				Id: &pb.PointId{
					PointIdOptions: &pb.PointId_Uuid{Uuid: c.ID},
				},
				Vectors: &pb.Vectors{
					VectorsOptions: &pb.Vectors_Vector{
						Vector: &pb.Vector{Data: embeddings[i]},
					},
				},
				Payload: chunkPayload(c),
			}
		}
		return fn.Ok(points)
	})

	collected, err := fn.Collect(perBatch).Unwrap()
	if err != nil {
		return err
	}
	points := make([]*pb.PointStruct, 0, len(chunks))
	for _, ps := range collected {
		points = append(points, ps...)
	}

	wait := true
	_, err = q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("index: upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search embeds the query and performs k-NN search, optionally filtered.
func (q *Qdrant) Search(ctx context.Context, query string, limit int, filter *Filter) ([]SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}

	vector, err := q.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("index: embed query: %w", err)
	}

	req := &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if filter != nil && !filter.Empty() {
		req.Filter = buildFilter(*filter)
	}

	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, p := range resp.GetResult() {
		text, md := decodePayload(p.GetPayload())
		results[i] = SearchResult{
			ID:       p.GetId().GetUuid(),
			Text:     text,
			Score:    p.GetScore(),
			Metadata: md,
		}
	}
	return results, nil
}

// Delete removes points by id. No-op on empty input.
func (q *Qdrant) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("index: delete %d points: %w", len(ids), err)
	}
	return nil
}

// Clear drops and recreates the collection. Destructive.
func (q *Qdrant) Clear(ctx context.Context) error {
	_, err := q.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: q.collection,
	})
	if err != nil {
		return fmt.Errorf("index: delete collection %s: %w", q.collection, err)
	}
	return q.Initialize(ctx)
}

// Count returns the exact number of stored points.
func (q *Qdrant) Count(ctx context.Context) (uint64, error) {
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{
		CollectionName: q.collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("index: count: %w", err)
	}
	return resp.GetResult().GetCount(), nil
}

// HasDocuments reports whether the collection holds any points. Failures are
// logged and reported as false so callers can skip retrieval gracefully.
func (q *Qdrant) HasDocuments(ctx context.Context) bool {
	n, err := q.Count(ctx)
	if err != nil {
		q.logger.Warn("index: has-documents check failed", "error", err)
		return false
	}
	return n > 0
}

// GetByMetadata lists points matching the filter via scroll, without
// similarity search. Results carry PerfectScore.
func (q *Qdrant) GetByMetadata(ctx context.Context, filter Filter) ([]SearchResult, error) {
	var results []SearchResult
	var offset *pb.PointId

	limit := uint32(scrollPageSize)
	for {
		req := &pb.ScrollPoints{
			CollectionName: q.collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		}
		if !filter.Empty() {
			req.Filter = buildFilter(filter)
		}

		resp, err := q.points.Scroll(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("index: scroll: %w", err)
		}
		for _, p := range resp.GetResult() {
			text, md := decodePayload(p.GetPayload())
			results = append(results, SearchResult{
				ID:       p.GetId().GetUuid(),
				Text:     text,
				Score:    PerfectScore,
				Metadata: md,
			})
		}

		offset = resp.GetNextPageOffset()
		if offset == nil {
			return results, nil
		}
	}
}

// UpdateMetadata applies a partial payload update to one point.
func (q *Qdrant) UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) error {
	payload := make(map[string]*pb.Value)
	if patch.Title != nil {
		payload["title"] = stringValue(*patch.Title)
	}
	if patch.URL != nil {
		payload["url"] = stringValue(*patch.URL)
	}
	for k, v := range patch.Extra {
		payload[k] = coerceValue(v)
	}
	if len(payload) == 0 {
		return nil
	}

	wait := true
	_, err := q.points.SetPayload(ctx, &pb.SetPayloadPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Payload:        payload,
		PointsSelector: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("index: set payload %s: %w", id, err)
	}
	return nil
}

// buildFilter translates a Filter into Qdrant conditions. A single kind is a
// hard match; multiple kinds become an any-of group.
func buildFilter(f Filter) *pb.Filter {
	out := &pb.Filter{}
	if f.Source != "" {
		out.Must = append(out.Must, fieldMatch("source", f.Source))
	}
	switch len(f.Kinds) {
	case 0:
	case 1:
		out.Must = append(out.Must, fieldMatch("kind", string(f.Kinds[0])))
	default:
		for _, k := range f.Kinds {
			out.Should = append(out.Should, fieldMatch("kind", string(k)))
		}
	}
	return out
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
