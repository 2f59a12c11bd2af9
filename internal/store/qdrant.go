package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"ric/internal/ricerrors"
)

// payloadOwnerID etc. are the Qdrant payload field names used to carry the
// ACL columns that live as real table columns in the Postgres backend.
// Qdrant point IDs must be UUIDs or positive integers (adapted from
// internal/persistence/databases/qdrant_vector.go), so the original chunk ID
// is also stashed in the payload under payloadOriginalID.
const (
	payloadOriginalID = "_original_id"
	payloadDocumentID = "_document_id"
	payloadOwnerID    = "_owner_id"
	payloadOwnerEmail = "_owner_email"
	payloadIsPublic   = "_is_public"
	payloadSharedWith = "_shared_with"
	payloadGroupIDs   = "_group_ids"
	payloadText       = "_text"
)

// Qdrant is a VectorStore backend over Qdrant's gRPC API, an alternative to
// Postgres+pgvector for deployments that already run a dedicated vector
// database. ACL filtering is applied client-side via AccessFilter.Allows
// after the query returns its (over-fetched) candidates, since Qdrant's
// payload filter DSL does not have a native "array intersects array"
// predicate for the group_ids case; SimilaritySearch compensates by
// requesting extra candidates so an ACL-heavy result set still fills k.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dimension  int
	metric     string
}

// NewQdrant connects to Qdrant and ensures the target collection exists,
// adapted from internal/persistence/databases/qdrant_vector.go's
// NewQdrantVector/ensureCollection.
func NewQdrant(ctx context.Context, dsn, collection string, dimension int, metric string) (*Qdrant, error) {
	if collection == "" {
		return nil, ricerrors.New(ricerrors.BadInput, "qdrant collection name is required")
	}
	if dimension <= 0 {
		return nil, ricerrors.New(ricerrors.BadInput, "qdrant requires dimension > 0")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, ricerrors.Wrap(ricerrors.BadInput, "parse qdrant dsn", err)
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := u.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, ricerrors.Wrap(ricerrors.BadInput, "invalid qdrant port", err)
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if u.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := u.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, ricerrors.Wrap(ricerrors.DependencyUnavailable, "create qdrant client", err)
	}

	q := &Qdrant{client: client, collection: collection, dimension: dimension, metric: strings.ToLower(strings.TrimSpace(metric))}
	if err := q.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return ricerrors.Wrap(ricerrors.DependencyUnavailable, "check qdrant collection", err)
	}
	if exists {
		info, err := q.client.GetCollectionInfo(ctx, q.collection)
		if err != nil {
			return ricerrors.Wrap(ricerrors.DependencyUnavailable, "get qdrant collection info", err)
		}
		if params := info.GetConfig().GetParams(); params != nil {
			if size := params.GetVectorsConfig().GetParams().GetSize(); size != 0 && size != uint64(q.dimension) {
				return ricerrors.New(ricerrors.DimensionMismatch,
					fmt.Sprintf("qdrant collection %q has vector size %d, configured dimension is %d", q.collection, size, q.dimension))
			}
		}
		return nil
	}
	var distance qdrant.Distance
	switch q.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	default:
		distance = qdrant.Distance_Cosine
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: distance,
		}),
	})
	if err != nil {
		return ricerrors.Wrap(ricerrors.DependencyUnavailable, "create qdrant collection", err)
	}
	return nil
}

func (q *Qdrant) Dimension() int { return q.dimension }

// EnsureIndexes re-checks (and creates, if missing) the target collection,
// satisfying the `migrate-indexes` CLI contract's requirement that the
// operation be safe to invoke against a live, already-provisioned store. The
// dimension argument is accepted for interface symmetry with the Postgres
// backend; Qdrant validates against q.dimension, which was already fixed at
// construction time.
func (q *Qdrant) EnsureIndexes(ctx context.Context, _ int) error {
	return q.ensureCollection(ctx)
}

func pointIDFor(id string) (string, bool) {
	if _, err := uuid.Parse(id); err == nil {
		return id, false
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), true
}

func (q *Qdrant) UpsertChunks(ctx context.Context, doc Document, chunks []Chunk) error {
	if len(chunks) > 0 && len(chunks[0].Embedding) != q.dimension {
		return ricerrors.New(ricerrors.DimensionMismatch, "chunk embedding dimension mismatch")
	}
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		uuidStr, remapped := pointIDFor(c.ID)
		payload := map[string]any{
			payloadDocumentID: doc.ID,
			payloadOwnerID:    doc.OwnerID,
			payloadOwnerEmail: doc.OwnerEmail,
			payloadIsPublic:   doc.IsPublic,
			payloadSharedWith: doc.SharedWith,
			payloadGroupIDs:   doc.GroupIDs,
			payloadText:       c.Text,
		}
		if remapped {
			payload[payloadOriginalID] = c.ID
		}
		vec := make([]float32, len(c.Embedding))
		copy(vec, c.Embedding)
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	if len(points) == 0 {
		return nil
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: q.collection, Points: points})
	if err != nil {
		return ricerrors.Wrap(ricerrors.DependencyUnavailable, "qdrant upsert", err)
	}
	return nil
}

func (q *Qdrant) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(payloadDocumentID, documentID)},
		}),
	})
	if err != nil {
		return ricerrors.Wrap(ricerrors.DependencyUnavailable, "qdrant delete by document", err)
	}
	return nil
}

func (q *Qdrant) SimilaritySearch(ctx context.Context, vector []float32, k int, filter AccessFilter) ([]VectorResult, error) {
	if k <= 0 {
		k = 10
	}
	overfetch := uint64(k * 4)
	if overfetch < uint64(k) {
		overfetch = uint64(k)
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	res, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &overfetch,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, ricerrors.Wrap(ricerrors.DependencyUnavailable, "qdrant query", err)
	}

	var out []VectorResult
	for _, hit := range res {
		ownerID, ownerEmail, isPublic, sharedWith, groupIDs, originalID, text := decodePayload(hit.Payload)
		if filter != nil && !filter.Allows(ownerID, ownerEmail, isPublic, sharedWith, groupIDs) {
			continue
		}
		id := originalID
		if id == "" {
			id = hit.Id.GetUuid()
		}
		out = append(out, VectorResult{
			ChunkID:    id,
			DocumentID: stringPayload(hit.Payload, payloadDocumentID),
			Score:      float64(hit.Score),
			Text:       text,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func decodePayload(payload map[string]*qdrant.Value) (ownerID, ownerEmail string, isPublic bool, sharedWith, groupIDs []string, originalID, text string) {
	if payload == nil {
		return
	}
	ownerID = stringPayload(payload, payloadOwnerID)
	ownerEmail = stringPayload(payload, payloadOwnerEmail)
	originalID = stringPayload(payload, payloadOriginalID)
	text = stringPayload(payload, payloadText)
	if v, ok := payload[payloadIsPublic]; ok {
		isPublic = v.GetBoolValue()
	}
	sharedWith = listPayload(payload, payloadSharedWith)
	groupIDs = listPayload(payload, payloadGroupIDs)
	return
}

func stringPayload(payload map[string]*qdrant.Value, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

func listPayload(payload map[string]*qdrant.Value, key string) []string {
	v, ok := payload[key]
	if !ok {
		return nil
	}
	lv := v.GetListValue()
	if lv == nil {
		return nil
	}
	out := make([]string, 0, len(lv.Values))
	for _, item := range lv.Values {
		out = append(out, item.GetStringValue())
	}
	return out
}
