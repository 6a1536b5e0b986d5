package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/estate/services/searchsync/config"
)

// ErrIndexNotFound is returned when the bound index disappeared under us
var ErrIndexNotFound = errors.New("search index not found")

// Index owns one Elasticsearch index. It binds the index lazily: operations issued before
// a successful EnsureIndex (or after the index vanished) ensure it first.
type Index struct {
	client  *elasticsearch.Client
	name    string
	refresh string

	mu    sync.Mutex
	ready bool
}

// NewClient creates the Elasticsearch client. It does not contact the cluster.
func NewClient(cfg config.ElasticConfig) (*elasticsearch.Client, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.URLs,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	}
	if cfg.Username != "" && cfg.Password != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}
	return client, nil
}

// NewIndex binds an index handle to client
func NewIndex(client *elasticsearch.Client, cfg config.ElasticConfig) *Index {
	refresh := cfg.Refresh
	if refresh == "false" {
		refresh = ""
	}
	return &Index{client: client, name: cfg.IndexName(), refresh: refresh}
}

// Name returns the concrete index name
func (i *Index) Name() string {
	return i.name
}

// EnsureIndex creates the index when absent and (re)applies the mappings otherwise
func (i *Index) EnsureIndex(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ensureLocked(ctx)
}

func (i *Index) ensureLocked(ctx context.Context) error {
	exists, err := i.exists(ctx)
	if err != nil {
		return err
	}

	if !exists {
		log.Info().Str("index", i.name).Msg("Creating search index")
		if err := i.create(ctx); err != nil {
			return err
		}
	} else if err := i.putMapping(ctx); err != nil {
		return err
	}

	i.ready = true
	return nil
}

func (i *Index) ensureReady(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ready {
		return nil
	}
	return i.ensureLocked(ctx)
}

func (i *Index) unbind() {
	i.mu.Lock()
	i.ready = false
	i.mu.Unlock()
}

func (i *Index) exists(ctx context.Context) (bool, error) {
	res, err := i.client.Indices.Exists([]string{i.name}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, errors.Wrapf(err, "error checking if index %s exists", i.name)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errors.Errorf("error checking if index %s exists: %s", i.name, res.String())
	}
}

func (i *Index) create(ctx context.Context) error {
	body, err := json.Marshal(map[string]interface{}{"mappings": indexMapping})
	if err != nil {
		return errors.Wrap(err, "failed to marshal index mapping")
	}

	res, err := i.client.Indices.Create(i.name,
		i.client.Indices.Create.WithContext(ctx),
		i.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return errors.Wrapf(err, "error creating index %s", i.name)
	}
	defer res.Body.Close()

	// a concurrent creator won the race
	if res.IsError() && !isErrorType(res, "resource_already_exists_exception") {
		return errors.Errorf("error creating index %s: %s", i.name, res.String())
	}
	return nil
}

func (i *Index) putMapping(ctx context.Context) error {
	body, err := json.Marshal(indexMapping)
	if err != nil {
		return errors.Wrap(err, "failed to marshal index mapping")
	}

	res, err := i.client.Indices.PutMapping([]string{i.name}, bytes.NewReader(body),
		i.client.Indices.PutMapping.WithContext(ctx),
	)
	if err != nil {
		return errors.Wrapf(err, "error updating mapping of %s", i.name)
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("error updating mapping of %s: %s", i.name, res.String())
	}
	return nil
}

// Upsert indexes doc under its id, replacing any previous version
func (i *Index) Upsert(ctx context.Context, doc Document) error {
	if err := i.ensureReady(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal search document")
	}

	req := esapi.IndexRequest{
		Index:      i.name,
		DocumentID: doc.ID,
		Body:       bytes.NewReader(body),
		Refresh:    i.refresh,
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return i.responseError(res, "index")
	}
	return nil
}

// Delete removes the document with id. A missing document is not an error.
func (i *Index) Delete(ctx context.Context, id string) error {
	if err := i.ensureReady(ctx); err != nil {
		return err
	}

	req := esapi.DeleteRequest{
		Index:      i.name,
		DocumentID: id,
		Refresh:    i.refresh,
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch delete request")
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound && !isErrorType(res, "index_not_found_exception") {
		return nil
	}
	if res.IsError() {
		return i.responseError(res, "delete")
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value    int64  `json:"value"`
			Relation string `json:"relation"`
		} `json:"total"`
		Hits []struct {
			ID     string   `json:"_id"`
			Score  *float64 `json:"_score"`
			Source Document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]struct {
		Buckets []struct {
			Key      interface{} `json:"key"`
			DocCount int64       `json:"doc_count"`
		} `json:"buckets"`
	} `json:"aggregations"`
}

// Search runs q and returns a page of hits, the estimated total and facet counts
func (i *Index) Search(ctx context.Context, q Query) (*Result, error) {
	if err := i.ensureReady(ctx); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(q.body()); err != nil {
		return nil, errors.Wrap(err, "failed to encode search query")
	}

	res, err := i.client.Search(
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(i.name),
		i.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, i.responseError(res, "search")
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	result := &Result{
		Hits:      make([]Hit, 0, len(parsed.Hits.Hits)),
		Total:     parsed.Hits.Total.Value,
		Estimated: parsed.Hits.Total.Relation == "gte",
		Facets:    make(map[string][]Bucket, len(facetFields)),
	}
	for _, h := range parsed.Hits.Hits {
		hit := Hit{ID: h.ID, Document: h.Source}
		if h.Score != nil {
			hit.Score = *h.Score
		}
		result.Hits = append(result.Hits, hit)
	}
	for _, field := range facetFields {
		buckets := []Bucket{}
		for _, b := range parsed.Aggregations[field].Buckets {
			buckets = append(buckets, Bucket{Value: bucketKey(b.Key), Count: b.DocCount})
		}
		result.Facets[field] = buckets
	}

	return result, nil
}

// Ping reports whether the cluster answers
func (i *Index) Ping(ctx context.Context) error {
	res, err := i.client.Ping(i.client.Ping.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "failed to ping Elasticsearch")
	}
	defer res.Body.Close()
	if res.IsError() {
		return errors.Errorf("Elasticsearch ping failed: %s", res.Status())
	}
	return nil
}

// responseError converts an error response, unbinding the index when it is gone so the
// next call recreates it
func (i *Index) responseError(res *esapi.Response, op string) error {
	if isErrorType(res, "index_not_found_exception") {
		i.unbind()
		return errors.Wrapf(ErrIndexNotFound, "%s on %s", op, i.name)
	}
	return errors.Errorf("Elasticsearch %s error: %s", op, res.String())
}

// isErrorType peeks at the error type of a response without consuming it for res.String
func isErrorType(res *esapi.Response, errType string) bool {
	if res.Body == nil {
		return false
	}
	raw, err := readAll(res)
	if err != nil {
		return false
	}

	var e struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return false
	}
	return e.Error.Type == errType
}

func bucketKey(key interface{}) string {
	switch k := key.(type) {
	case string:
		return k
	default:
		raw, _ := json.Marshal(k)
		return string(raw)
	}
}

// readAll buffers the response body and puts a fresh reader back so it can be read again
func readAll(res *esapi.Response) ([]byte, error) {
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	_ = res.Body.Close()
	res.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, nil
}
