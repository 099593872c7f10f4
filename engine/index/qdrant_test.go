package index

import (
	"context"
	"errors"
	"fmt"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/reqsmith/reqsmith/engine/domain"
)

// --- Mocks ---

type mockEmbedder struct {
	err error
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

type mockPoints struct {
	upsertReq     *pb.UpsertPoints
	upsertErr     error
	deleteReq     *pb.DeletePoints
	deleteErr     error
	searchReq     *pb.SearchPoints
	searchResp    *pb.SearchResponse
	searchErr     error
	scrollReqs    []*pb.ScrollPoints
	scrollResps   []*pb.ScrollResponse
	scrollErr     error
	countResp     *pb.CountResponse
	countErr      error
	setPayloadReq *pb.SetPayloadPoints
	setPayloadErr error
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upsertReq = in
	return &pb.PointsOperationResponse{}, m.upsertErr
}

func (m *mockPoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.deleteReq = in
	return &pb.PointsOperationResponse{}, m.deleteErr
}

func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.searchReq = in
	return m.searchResp, m.searchErr
}

func (m *mockPoints) Scroll(_ context.Context, in *pb.ScrollPoints, _ ...grpc.CallOption) (*pb.ScrollResponse, error) {
	m.scrollReqs = append(m.scrollReqs, in)
	if m.scrollErr != nil {
		return nil, m.scrollErr
	}
	resp := m.scrollResps[0]
	m.scrollResps = m.scrollResps[1:]
	return resp, nil
}

func (m *mockPoints) Count(_ context.Context, _ *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	return m.countResp, m.countErr
}

func (m *mockPoints) SetPayload(_ context.Context, in *pb.SetPayloadPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.setPayloadReq = in
	return &pb.PointsOperationResponse{}, m.setPayloadErr
}

type mockCollections struct {
	existing  []string
	listErr   error
	created   []string
	createErr error
	deleted   []string
	deleteErr error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	resp := &pb.ListCollectionsResponse{}
	for _, name := range m.existing {
		resp.Collections = append(resp.Collections, &pb.CollectionDescription{Name: name})
	}
	return resp, nil
}

func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = append(m.created, in.GetCollectionName())
	return &pb.CollectionOperationResponse{}, m.createErr
}

func (m *mockCollections) Delete(_ context.Context, in *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.deleted = append(m.deleted, in.GetCollectionName())
	return &pb.CollectionOperationResponse{}, m.deleteErr
}

func newTestIndex(points *mockPoints, collections *mockCollections) *Qdrant {
	return NewWithClients(points, collections, "test", 3, &mockEmbedder{}, nil)
}

func testChunk(id, source string, chunkIdx int) domain.Chunk {
	return domain.Chunk{
		ID:   id,
		Text: "chunk text " + id,
		Metadata: domain.Metadata{
			Source:     source,
			Kind:       domain.SourceWiki,
			Title:      "Title " + source,
			ChunkIndex: chunkIdx,
			ChunkTotal: 3,
		},
	}
}

// --- Tests ---

func TestInitializeCreatesMissingCollection(t *testing.T) {
	cols := &mockCollections{}
	q := newTestIndex(&mockPoints{}, cols)

	if err := q.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(cols.created) != 1 || cols.created[0] != "test" {
		t.Errorf("expected collection created, got %v", cols.created)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	cols := &mockCollections{existing: []string{"test"}}
	q := newTestIndex(&mockPoints{}, cols)

	if err := q.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(cols.created) != 0 {
		t.Errorf("expected no create for existing collection, got %v", cols.created)
	}
}

func TestAddEmptyIsNoOp(t *testing.T) {
	points := &mockPoints{}
	q := newTestIndex(points, &mockCollections{})

	if err := q.Add(context.Background(), nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if points.upsertReq != nil {
		t.Error("expected no upsert for empty input")
	}
}

func TestAddUpsertsEmbeddedChunks(t *testing.T) {
	points := &mockPoints{}
	q := newTestIndex(points, &mockCollections{})

	chunks := []domain.Chunk{testChunk("id-1", "SRC-1", 0), testChunk("id-2", "SRC-1", 1)}
	if err := q.Add(context.Background(), chunks); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got := points.upsertReq.GetPoints()
	if len(got) != 2 {
		t.Fatalf("expected 2 points, got %d", len(got))
	}
	if got[0].GetId().GetUuid() != "id-1" {
		t.Errorf("point id = %q", got[0].GetId().GetUuid())
	}
	if got[0].GetPayload()["source"].GetStringValue() != "SRC-1" {
		t.Error("payload missing source")
	}
	if got[0].GetPayload()["kind"].GetStringValue() != string(domain.SourceWiki) {
		t.Error("payload missing kind")
	}
	if len(got[0].GetVectors().GetVector().GetData()) != 3 {
		t.Error("point missing embedding")
	}
}

func TestAddManyBatchesPreservesOrder(t *testing.T) {
	points := &mockPoints{}
	q := newTestIndex(points, &mockCollections{})

	// 250 chunks span three embedding batches.
	chunks := make([]domain.Chunk, 250)
	for i := range chunks {
		chunks[i] = testChunk(fmt.Sprintf("id-%03d", i), "SRC-1", i)
	}
	if err := q.Add(context.Background(), chunks); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got := points.upsertReq.GetPoints()
	if len(got) != 250 {
		t.Fatalf("expected 250 points in one upsert, got %d", len(got))
	}
	for i, p := range got {
		if want := fmt.Sprintf("id-%03d", i); p.GetId().GetUuid() != want {
			t.Fatalf("point %d = %q, want %q", i, p.GetId().GetUuid(), want)
		}
	}
}

func TestAddEmbedFailure(t *testing.T) {
	q := NewWithClients(&mockPoints{}, &mockCollections{}, "test", 3, &mockEmbedder{err: errors.New("embed down")}, nil)

	err := q.Add(context.Background(), []domain.Chunk{testChunk("id-1", "SRC-1", 0)})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSearchMapsResults(t *testing.T) {
	points := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{
				{
					Id:    &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: "id-1"}},
					Score: 0.91,
					Payload: map[string]*pb.Value{
						"text":        stringValue("some text"),
						"source":      stringValue("SRC-1"),
						"kind":        stringValue(string(domain.SourceIssueTracker)),
						"chunk_index": intValue(2),
					},
				},
			},
		},
	}
	q := newTestIndex(points, &mockCollections{})

	results, err := q.Search(context.Background(), "query", 5, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.ID != "id-1" || r.Text != "some text" || r.Score != 0.91 {
		t.Errorf("unexpected result %+v", r)
	}
	if r.Metadata.Source != "SRC-1" || r.Metadata.Kind != domain.SourceIssueTracker || r.Metadata.ChunkIndex != 2 {
		t.Errorf("unexpected metadata %+v", r.Metadata)
	}
	if points.searchReq.GetLimit() != 5 {
		t.Errorf("limit = %d", points.searchReq.GetLimit())
	}
}

func TestSearchNonPositiveLimit(t *testing.T) {
	points := &mockPoints{}
	q := newTestIndex(points, &mockCollections{})

	results, err := q.Search(context.Background(), "query", 0, nil)
	if err != nil || results != nil {
		t.Fatalf("expected empty no-op, got %v, %v", results, err)
	}
	if points.searchReq != nil {
		t.Error("expected no search call")
	}
}

func TestSearchFilterSingleKind(t *testing.T) {
	points := &mockPoints{searchResp: &pb.SearchResponse{}}
	q := newTestIndex(points, &mockCollections{})

	_, err := q.Search(context.Background(), "q", 3, &Filter{Kinds: []domain.SourceKind{domain.SourceWiki}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	f := points.searchReq.GetFilter()
	if len(f.GetMust()) != 1 || len(f.GetShould()) != 0 {
		t.Fatalf("expected single must condition, got %+v", f)
	}
	cond := f.GetMust()[0].GetField()
	if cond.GetKey() != "kind" || cond.GetMatch().GetKeyword() != string(domain.SourceWiki) {
		t.Errorf("unexpected condition %+v", cond)
	}
}

func TestSearchFilterMultipleKinds(t *testing.T) {
	points := &mockPoints{searchResp: &pb.SearchResponse{}}
	q := newTestIndex(points, &mockCollections{})

	filter := &Filter{
		Source: "SRC-9",
		Kinds:  []domain.SourceKind{domain.SourceWiki, domain.SourceLocalFile},
	}
	if _, err := q.Search(context.Background(), "q", 3, filter); err != nil {
		t.Fatalf("Search: %v", err)
	}
	f := points.searchReq.GetFilter()
	if len(f.GetMust()) != 1 {
		t.Errorf("expected source in must, got %+v", f.GetMust())
	}
	if len(f.GetShould()) != 2 {
		t.Errorf("expected kinds in should, got %+v", f.GetShould())
	}
}

func TestSearchEmptyResult(t *testing.T) {
	points := &mockPoints{searchResp: &pb.SearchResponse{}}
	q := newTestIndex(points, &mockCollections{})

	results, err := q.Search(context.Background(), "nothing", 5, nil)
	if err != nil {
		t.Fatalf("empty result must not be an error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestSearchTransportFailure(t *testing.T) {
	points := &mockPoints{searchErr: errors.New("connection refused")}
	q := newTestIndex(points, &mockCollections{})

	if _, err := q.Search(context.Background(), "q", 5, nil); err == nil {
		t.Fatal("expected transport error to propagate")
	}
}

func TestDelete(t *testing.T) {
	points := &mockPoints{}
	q := newTestIndex(points, &mockCollections{})

	if err := q.Delete(context.Background(), []string{"id-1", "id-2"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ids := points.deleteReq.GetPoints().GetPoints().GetIds()
	if len(ids) != 2 || ids[0].GetUuid() != "id-1" {
		t.Errorf("unexpected delete selector %+v", ids)
	}

	points.deleteReq = nil
	if err := q.Delete(context.Background(), nil); err != nil {
		t.Fatalf("Delete empty: %v", err)
	}
	if points.deleteReq != nil {
		t.Error("expected no delete call for empty ids")
	}
}

func TestClearDropsAndRecreates(t *testing.T) {
	cols := &mockCollections{existing: []string{"other"}}
	q := newTestIndex(&mockPoints{}, cols)

	if err := q.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(cols.deleted) != 1 || cols.deleted[0] != "test" {
		t.Errorf("expected collection dropped, got %v", cols.deleted)
	}
	if len(cols.created) != 1 || cols.created[0] != "test" {
		t.Errorf("expected collection recreated, got %v", cols.created)
	}
}

func TestCount(t *testing.T) {
	points := &mockPoints{countResp: &pb.CountResponse{Result: &pb.CountResult{Count: 7}}}
	q := newTestIndex(points, &mockCollections{})

	n, err := q.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 7 {
		t.Errorf("count = %d", n)
	}
}

func TestHasDocuments(t *testing.T) {
	tests := []struct {
		name   string
		points *mockPoints
		want   bool
	}{
		{"has docs", &mockPoints{countResp: &pb.CountResponse{Result: &pb.CountResult{Count: 1}}}, true},
		{"empty", &mockPoints{countResp: &pb.CountResponse{Result: &pb.CountResult{Count: 0}}}, false},
		{"failure maps to false", &mockPoints{countErr: errors.New("down")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestIndex(tt.points, &mockCollections{})
			if got := q.HasDocuments(context.Background()); got != tt.want {
				t.Errorf("HasDocuments = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetByMetadataPaginates(t *testing.T) {
	page := func(ids ...string) *pb.ScrollResponse {
		resp := &pb.ScrollResponse{}
		for _, id := range ids {
			resp.Result = append(resp.Result, &pb.RetrievedPoint{
				Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
				Payload: map[string]*pb.Value{
					"text":   stringValue("text " + id),
					"source": stringValue("SRC-1"),
					"kind":   stringValue(string(domain.SourceWiki)),
				},
			})
		}
		return resp
	}
	first := page("id-1", "id-2")
	first.NextPageOffset = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: "id-2"}}
	points := &mockPoints{scrollResps: []*pb.ScrollResponse{first, page("id-3")}}
	q := newTestIndex(points, &mockCollections{})

	results, err := q.GetByMetadata(context.Background(), Filter{Kinds: []domain.SourceKind{domain.SourceWiki}})
	if err != nil {
		t.Fatalf("GetByMetadata: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results over 2 pages, got %d", len(results))
	}
	for _, r := range results {
		if r.Score != PerfectScore {
			t.Errorf("result %s score = %v, want sentinel %v", r.ID, r.Score, PerfectScore)
		}
	}
	if len(points.scrollReqs) != 2 {
		t.Errorf("expected 2 scroll calls, got %d", len(points.scrollReqs))
	}
	if points.scrollReqs[0].GetFilter() == nil {
		t.Error("expected filter on scroll request")
	}
}

func TestUpdateMetadata(t *testing.T) {
	points := &mockPoints{}
	q := newTestIndex(points, &mockCollections{})

	title := "New Title"
	patch := MetadataPatch{Title: &title, Extra: map[string]any{"labels": []string{"p0", "flaky"}}}
	if err := q.UpdateMetadata(context.Background(), "id-1", patch); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	payload := points.setPayloadReq.GetPayload()
	if payload["title"].GetStringValue() != "New Title" {
		t.Error("title not patched")
	}
	// Non-scalar extra values are stringified, not rejected.
	if payload["labels"].GetStringValue() != fmt.Sprint([]string{"p0", "flaky"}) {
		t.Errorf("labels = %q", payload["labels"].GetStringValue())
	}
	ids := points.setPayloadReq.GetPointsSelector().GetPoints().GetIds()
	if len(ids) != 1 || ids[0].GetUuid() != "id-1" {
		t.Errorf("unexpected selector %+v", ids)
	}
}

func TestUpdateMetadataEmptyPatch(t *testing.T) {
	points := &mockPoints{}
	q := newTestIndex(points, &mockCollections{})

	if err := q.UpdateMetadata(context.Background(), "id-1", MetadataPatch{}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if points.setPayloadReq != nil {
		t.Error("expected no call for empty patch")
	}
}
