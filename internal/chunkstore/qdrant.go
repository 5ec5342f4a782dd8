package chunkstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore implements Store on a Qdrant collection.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	version    atomic.Uint64
}

// NewQdrantStore connects to Qdrant and ensures the collection exists.
// url is "host:port" (gRPC port, e.g. "localhost:6334").
func NewQdrantStore(ctx context.Context, url, collection string, dimension int) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in chunk store url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := &QdrantStore{client: client, collection: collection}
	if err := s.ensureCollection(ctx, dimension); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Version returns the corpus version counter.
func (s *QdrantStore) Version() uint64 {
	return s.version.Load()
}

// withRetry runs op, retrying once on failure. Persistent failure is wrapped
// with ErrUnavailable.
func withRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || ctx.Err() != nil {
		return err
	}
	// One local retry for transient backend errors.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	if err = op(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Add inserts a batch of chunks. Every id must be new.
func (s *QdrantStore) Add(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	ids := make([]*qdrant.PointId, len(chunks))
	for i, c := range chunks {
		ids[i] = qdrant.NewIDUUID(c.ID)
	}

	// Upsert would silently overwrite, so probe for existing ids first.
	var existing []*qdrant.RetrievedPoint
	err := withRetry(ctx, func() error {
		var err error
		existing, err = s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.collection,
			Ids:            ids,
		})
		return err
	})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, existing[0].Id.GetUuid())
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(c.ID),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: encodePayload(c),
		}
	}

	err = withRetry(ctx, func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Points:         points,
		})
		return err
	})
	if err != nil {
		return err
	}

	s.version.Add(1)
	return nil
}

// DeleteByDocument removes every chunk of a document and returns the count.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, docID string) (int, error) {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("document_id", docID)},
	}

	var count uint64
	err := withRetry(ctx, func() error {
		var err error
		count, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.collection,
			Filter:         filter,
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	err = withRetry(ctx, func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
			},
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	s.version.Add(1)
	return int(count), nil
}

// SemanticSearch returns the top-k chunks by cosine similarity.
func (s *QdrantStore) SemanticSearch(ctx context.Context, vector []float32, k int, filter *Filter) ([]SearchHit, error) {
	if k <= 0 {
		return nil, nil
	}

	var response []*qdrant.ScoredPoint
	err := withRetry(ctx, func() error {
		var err error
		response, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         encodeFilter(filter),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(response))
	for _, point := range response {
		text, meta := decodePayload(point.Payload)
		hits = append(hits, SearchHit{
			ChunkID: point.Id.GetUuid(),
			Score:   point.Score,
			Text:    text,
			Meta:    meta,
		})
	}
	return hits, nil
}

// List pages through chunk metadata. Qdrant's scroll API paginates by point
// id, so numeric offsets are skipped client-side.
func (s *QdrantStore) List(ctx context.Context, filter *Filter, limit, offset int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 50
	}

	var out []Chunk
	var cursor *qdrant.PointId
	remaining := offset

	for {
		var page []*qdrant.RetrievedPoint
		err := withRetry(ctx, func() error {
			var err error
			page, err = s.client.Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: s.collection,
				Filter:         encodeFilter(filter),
				Limit:          qdrant.PtrOf(uint32(limit + remaining)),
				Offset:         cursor,
				WithPayload:    qdrant.NewWithPayload(true),
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return out, nil
		}

		for _, point := range page {
			if remaining > 0 {
				remaining--
				continue
			}
			text, meta := decodePayload(point.Payload)
			out = append(out, Chunk{ID: point.Id.GetUuid(), Text: text, Meta: meta})
			if len(out) >= limit {
				return out, nil
			}
		}
		cursor = page[len(page)-1].Id
	}
}

// Count returns the number of stored chunks.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	var count uint64
	err := withRetry(ctx, func() error {
		var err error
		count, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.collection,
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func encodeFilter(f *Filter) *qdrant.Filter {
	if f == nil {
		return nil
	}
	var must []*qdrant.Condition
	if f.DocumentID != "" {
		must = append(must, qdrant.NewMatch("document_id", f.DocumentID))
	}
	if f.ContentType != "" {
		must = append(must, qdrant.NewMatch("content_type", string(f.ContentType)))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func encodePayload(c Chunk) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		"document_id":  qdrant.NewValueString(c.Meta.DocumentID),
		"content":      qdrant.NewValueString(c.Text),
		"ordinal":      qdrant.NewValueInt(int64(c.Meta.Ordinal)),
		"content_type": qdrant.NewValueString(string(c.Meta.ContentType)),
		"ingested_at":  qdrant.NewValueString(c.Meta.IngestedAt.UTC().Format(time.RFC3339)),
	}
	if c.Meta.Page > 0 {
		payload["page"] = qdrant.NewValueInt(int64(c.Meta.Page))
	}
	if c.Meta.Section != "" {
		payload["section"] = qdrant.NewValueString(c.Meta.Section)
	}
	if c.Meta.Extraction != "" {
		payload["extraction"] = qdrant.NewValueString(c.Meta.Extraction)
	}
	if c.Meta.TimestampStart > 0 || c.Meta.TimestampEnd > 0 {
		payload["ts_start"] = qdrant.NewValueDouble(c.Meta.TimestampStart)
		payload["ts_end"] = qdrant.NewValueDouble(c.Meta.TimestampEnd)
	}
	if len(c.Meta.Keywords) > 0 {
		if b, err := json.Marshal(c.Meta.Keywords); err == nil {
			payload["keywords"] = qdrant.NewValueString(string(b))
		}
	}
	for k, v := range c.Meta.Extra {
		payload["x_"+k] = qdrant.NewValueString(v)
	}
	return payload
}

func decodePayload(payload map[string]*qdrant.Value) (string, Metadata) {
	meta := Metadata{Extra: map[string]string{}}
	var text string
	for k, v := range payload {
		switch k {
		case "document_id":
			meta.DocumentID = v.GetStringValue()
		case "content":
			text = v.GetStringValue()
		case "ordinal":
			meta.Ordinal = int(v.GetIntegerValue())
		case "page":
			meta.Page = int(v.GetIntegerValue())
		case "section":
			meta.Section = v.GetStringValue()
		case "extraction":
			meta.Extraction = v.GetStringValue()
		case "content_type":
			meta.ContentType = ContentType(v.GetStringValue())
		case "ts_start":
			meta.TimestampStart = v.GetDoubleValue()
		case "ts_end":
			meta.TimestampEnd = v.GetDoubleValue()
		case "ingested_at":
			if t, err := time.Parse(time.RFC3339, v.GetStringValue()); err == nil {
				meta.IngestedAt = t
			}
		case "keywords":
			_ = json.Unmarshal([]byte(v.GetStringValue()), &meta.Keywords)
		default:
			if len(k) > 2 && k[:2] == "x_" {
				meta.Extra[k[2:]] = v.GetStringValue()
			}
		}
	}
	if len(meta.Extra) == 0 {
		meta.Extra = nil
	}
	return text, meta
}

// Ensure QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)
