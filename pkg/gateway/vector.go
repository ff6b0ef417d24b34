package gateway

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/fault"
)

// vectorClient serves vector-op against Redis. Vectors live in hashes under
// user-scoped keys; KNN queries scan the namespace and rank by cosine
// similarity client-side, so any plain Redis deployment works as an index.
type vectorClient struct {
	mu      sync.Mutex
	clients map[string]*redis.Client
}

func newVectorClient() *vectorClient {
	return &vectorClient{clients: make(map[string]*redis.Client)}
}

func (v *vectorClient) clientFor(addr string) *redis.Client {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.clients[addr]
	if !ok {
		c = redis.NewClient(&redis.Options{Addr: addr})
		v.clients[addr] = c
	}
	return c
}

func (v *vectorClient) invoke(ctx context.Context, call *providerCall) (*providerOutput, error) {
	if call.cfg.Addr == "" {
		return nil, fault.New(fault.CategoryUpstream, fault.CodeProviderError, "vector provider has no addr")
	}
	switch call.req.Operation {
	case config.GatewayOpUpsert:
		return v.upsert(ctx, call)
	case config.GatewayOpQuery:
		return v.query(ctx, call)
	}
	return nil, fault.New(fault.CategoryValidation, fault.CodeUnknownOperation,
		"operation %q is not valid for vector-op", call.req.Operation)
}

func (v *vectorClient) upsert(ctx context.Context, call *providerCall) (*providerOutput, error) {
	rdb := v.clientFor(call.cfg.Addr)
	ns := namespaceOf(call.req)

	pipe := rdb.Pipeline()
	for _, vec := range call.req.Spec.Vectors {
		fields := map[string]any{"values": encodeVector(vec.Values)}
		if len(vec.Meta) > 0 {
			meta, err := json.Marshal(vec.Meta)
			if err != nil {
				return nil, fault.Wrap(err, fault.CategoryValidation, fault.CodeSchemaViolation,
					"vector %q metadata is not serializable", vec.ID)
			}
			fields["meta"] = string(meta)
		}
		pipe.HSet(ctx, vectorKey(call.userID, ns, vec.ID), fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError, "vector upsert failed")
	}

	n := len(call.req.Spec.Vectors)
	return &providerOutput{upserted: n, inputUnits: int64(n)}, nil
}

func (v *vectorClient) query(ctx context.Context, call *providerCall) (*providerOutput, error) {
	rdb := v.clientFor(call.cfg.Addr)
	prefix := vectorKey(call.userID, namespaceOf(call.req), "")
	queryVec := call.req.Spec.QueryVector
	topK := call.req.Spec.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	var matches []Match
	iter := rdb.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError, "vector read failed")
		}
		stored, err := decodeVector(fields["values"])
		if err != nil || len(stored) != len(queryVec) {
			// Dimension mismatches and foreign blobs are skipped, not fatal.
			continue
		}
		m := Match{ID: strings.TrimPrefix(key, prefix), Score: cosine(queryVec, stored)}
		if raw := fields["meta"]; raw != "" {
			var meta map[string]string
			if err := json.Unmarshal([]byte(raw), &meta); err == nil {
				m.Meta = meta
			}
		}
		matches = append(matches, m)
	}
	if err := iter.Err(); err != nil {
		return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError, "vector scan failed")
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return &providerOutput{matches: matches, inputUnits: 1}, nil
}

// vectorKey scopes every stored vector to its owning user so one tenant can
// never read another's namespace.
func vectorKey(userID int64, namespace, id string) string {
	return fmt.Sprintf("vec:%d:%s:%s", userID, namespace, id)
}

func namespaceOf(req *Request) string {
	if req.Spec.Namespace == "" {
		return "default"
	}
	return req.Spec.Namespace
}

// encodeVector packs float32 components little-endian and base64s them, so
// the blob survives any client's string handling.
func encodeVector(values []float32) string {
	buf := make([]byte, 4*len(values))
	for i, f := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeVector(s string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// cosine returns the cosine similarity of two equal-length vectors.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
