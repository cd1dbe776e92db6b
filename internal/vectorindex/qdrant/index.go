// Package qdrant implements vectorindex.Index on the Qdrant REST API. Each
// logical collection maps to one Qdrant collection named <prefix>_<name>.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlrag/sqlrag/internal/httpx"
	"github.com/sqlrag/sqlrag/internal/ragerr"
	"github.com/sqlrag/sqlrag/internal/vectorindex"
)

const (
	payloadRecordIDKey = "_sqlrag_record_id"
	scrollPageSize     = 256
	// Qdrant orders equal scores by point id, so a few extra hits are fetched
	// and the ascending record-id tie-break is applied before trimming.
	tieOverfetch = 8
)

var pointIDNamespace = uuid.MustParse("6b0d8c1e-3f7a-4a47-9d0e-2c5b7f1e9a41")

type Config struct {
	URL     string
	APIKey  string
	Prefix  string
	Timeout time.Duration
}

// OperationError describes a failed Qdrant call.
type OperationError struct {
	Operation  string
	Collection string
	Message    string
	Cause      error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("qdrant %s %s: %s", e.Operation, e.Collection, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

type Index struct {
	baseURL string
	apiKey  string
	prefix  string
	client  *http.Client

	mu   sync.Mutex
	dims map[string]int
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

type searchHit struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func New(cfg Config) (*Index, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Index{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		prefix:  strings.TrimSpace(cfg.Prefix),
		client:  &http.Client{Timeout: timeout},
		dims:    make(map[string]int),
	}, nil
}

func (i *Index) Upsert(ctx context.Context, collection string, rec vectorindex.Record) error {
	const op = "upsert"
	if err := vectorindex.ValidateRecord(rec, 0); err != nil {
		return err
	}
	name := i.qualify(collection)
	dim, err := i.ensureCollection(ctx, name, len(rec.Vector))
	if err != nil {
		return err
	}
	if dim != len(rec.Vector) {
		return ragerr.Validation("collection %q dimension mismatch: expected %d, got %d", collection, dim, len(rec.Vector))
	}

	payload := make(map[string]any, len(rec.Metadata)+1)
	for k, v := range rec.Metadata {
		payload[k] = v
	}
	payload[payloadRecordIDKey] = rec.ID
	req := map[string]any{
		"points": []map[string]any{{
			"id":      pointID(name, rec.ID),
			"vector":  rec.Vector,
			"payload": payload,
		}},
	}
	return i.doJSON(ctx, op, name, http.MethodPut, "/collections/"+name+"/points?wait=true", req, nil)
}

func (i *Index) Query(ctx context.Context, collection string, vector []float32, topK int, filter vectorindex.Filter) ([]vectorindex.Match, error) {
	const op = "query"
	if topK <= 0 {
		return []vectorindex.Match{}, nil
	}
	name := i.qualify(collection)
	dim, err := i.collectionDim(ctx, name)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return []vectorindex.Match{}, nil
	}
	if dim != len(vector) {
		return nil, ragerr.Validation("query dimension mismatch for %q: expected %d, got %d", collection, dim, len(vector))
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        topK + tieOverfetch,
		"with_payload": true,
		"with_vector":  false,
	}
	if f := translateFilter(filter); f != nil {
		req["filter"] = f
	}
	var hits []searchHit
	if err := i.doJSON(ctx, op, name, http.MethodPost, "/collections/"+name+"/points/search", req, &hits); err != nil {
		return nil, err
	}

	matches := make([]vectorindex.Match, 0, len(hits))
	for _, hit := range hits {
		id, _ := hit.Payload[payloadRecordIDKey].(string)
		if id == "" {
			continue
		}
		md := make(vectorindex.Metadata, len(hit.Payload))
		for k, v := range hit.Payload {
			if k != payloadRecordIDKey {
				md[k] = v
			}
		}
		matches = append(matches, vectorindex.Match{
			ID:         id,
			Similarity: vectorindex.ClampSimilarity(hit.Score),
			Metadata:   md,
		})
	}
	vectorindex.SortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (i *Index) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	name := i.qualify(collection)
	points := make([]string, 0, len(ids))
	for _, id := range ids {
		points = append(points, pointID(name, id))
	}
	err := i.doJSON(ctx, "delete", name, http.MethodPost, "/collections/"+name+"/points/delete?wait=true", map[string]any{"points": points}, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

func (i *Index) Count(ctx context.Context, collection string) (int, error) {
	name := i.qualify(collection)
	var result struct {
		Count int `json:"count"`
	}
	err := i.doJSON(ctx, "count", name, http.MethodPost, "/collections/"+name+"/points/count", map[string]any{"exact": true}, &result)
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return result.Count, nil
}

// IDs pages through the collection with the scroll API.
func (i *Index) IDs(ctx context.Context, collection string) ([]string, error) {
	name := i.qualify(collection)
	ids := make([]string, 0)
	var offset json.RawMessage
	for {
		req := map[string]any{
			"limit":        scrollPageSize,
			"with_payload": []string{payloadRecordIDKey},
			"with_vector":  false,
		}
		if offset != nil {
			req["offset"] = offset
		}
		var page struct {
			Points []struct {
				Payload map[string]any `json:"payload"`
			} `json:"points"`
			NextPageOffset json.RawMessage `json:"next_page_offset"`
		}
		err := i.doJSON(ctx, "scroll", name, http.MethodPost, "/collections/"+name+"/points/scroll", req, &page)
		if isNotFound(err) {
			return []string{}, nil
		}
		if err != nil {
			return nil, err
		}
		for _, point := range page.Points {
			if id, _ := point.Payload[payloadRecordIDKey].(string); id != "" {
				ids = append(ids, id)
			}
		}
		if len(page.NextPageOffset) == 0 || string(page.NextPageOffset) == "null" {
			break
		}
		offset = page.NextPageOffset
	}
	sort.Strings(ids)
	return ids, nil
}

func (i *Index) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.baseURL+"/readyz", nil)
	if err != nil {
		return err
	}
	i.authorize(req)
	return httpx.Do(i.client, req, nil)
}

// collectionDim returns the vector size of a collection, or 0 when it does
// not exist yet.
func (i *Index) collectionDim(ctx context.Context, name string) (int, error) {
	i.mu.Lock()
	dim, ok := i.dims[name]
	i.mu.Unlock()
	if ok {
		return dim, nil
	}

	var info struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	err := i.doJSON(ctx, "describe", name, http.MethodGet, "/collections/"+name, nil, &info)
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	dim = info.Config.Params.Vectors.Size
	i.mu.Lock()
	i.dims[name] = dim
	i.mu.Unlock()
	return dim, nil
}

func (i *Index) ensureCollection(ctx context.Context, name string, dim int) (int, error) {
	existing, err := i.collectionDim(ctx, name)
	if err != nil || existing != 0 {
		return existing, err
	}
	req := map[string]any{"vectors": map[string]any{"size": dim, "distance": "Cosine"}}
	err = i.doJSON(ctx, "create", name, http.MethodPut, "/collections/"+name, req, nil)
	var statusErr *httpx.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		// Created concurrently by another writer; read back its size.
		return i.collectionDim(ctx, name)
	}
	if err != nil {
		return 0, err
	}
	i.mu.Lock()
	i.dims[name] = dim
	i.mu.Unlock()
	return dim, nil
}

func (i *Index) doJSON(ctx context.Context, op, collection, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &OperationError{Operation: op, Collection: collection, Message: "encode request failed", Cause: err}
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, i.baseURL+path, body)
	if err != nil {
		return &OperationError{Operation: op, Collection: collection, Message: "build request failed", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	i.authorize(req)

	var env envelope
	if err := httpx.Do(i.client, req, &env); err != nil {
		return &OperationError{Operation: op, Collection: collection, Message: "request failed", Cause: err}
	}
	if msg := envelopeError(env.Status); msg != "" {
		return &OperationError{Operation: op, Collection: collection, Message: msg}
	}
	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &OperationError{Operation: op, Collection: collection, Message: "decode result failed", Cause: err}
	}
	return nil
}

func (i *Index) authorize(req *http.Request) {
	if i.apiKey != "" {
		req.Header.Set("api-key", i.apiKey)
	}
}

func (i *Index) qualify(collection string) string {
	if i.prefix == "" {
		return collection
	}
	return i.prefix + "_" + collection
}

func pointID(collection, recordID string) string {
	return uuid.NewSHA1(pointIDNamespace, []byte(collection+"|"+recordID)).String()
}

func translateFilter(filter vectorindex.Filter) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(filter))
	for key, value := range filter {
		must = append(must, map[string]any{"key": key, "match": map[string]any{"value": value}})
	}
	return map[string]any{"must": must}
}

func envelopeError(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var status string
	if err := json.Unmarshal(raw, &status); err == nil {
		if status == "" || strings.EqualFold(status, "ok") || strings.EqualFold(status, "acknowledged") || strings.EqualFold(status, "completed") {
			return ""
		}
		return status
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Error != "" {
		return obj.Error
	}
	return ""
}

func isNotFound(err error) bool {
	var statusErr *httpx.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}
