package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"mailer-service/internal/config"
	"mailer-service/internal/models"
)

type ESClient struct {
	Client *elasticsearch.Client
	config *config.ElasticsearchConfig
	logger *zap.Logger
}

// SentEmailDoc is the search document for one accepted message.
type SentEmailDoc struct {
	MessageID string `json:"message_id"`
	UID       int64  `json:"uid"`
	EID       *int64 `json:"eid,omitempty"`
	JobID     string `json:"job_id"`
	ToEmail   string `json:"to_email"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	SentAt    string `json:"sent_at"`
}

func NewElasticsearchClient(cfg *config.Config, logger *zap.Logger) (*ESClient, error) {
	esConfig := cfg.Elasticsearch

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.IsDevelopment(), // Skip verify in dev only
	}

	transport := &http.Transport{
		TLSClientConfig: tlsConfig,
	}

	elasticConfig := elasticsearch.Config{
		Addresses: []string{esConfig.URL},
		Username:  esConfig.Username,
		Password:  esConfig.Password,
		Transport: transport,
	}

	client, err := elasticsearch.NewClient(elasticConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	esClient := &ESClient{
		Client: client,
		config: &esConfig,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := esClient.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("elasticsearch connection test failed: %w", err)
	}

	logger.Info("Elasticsearch client initialized",
		zap.String("url", esConfig.URL),
		zap.String("index", esConfig.Index),
	)

	return esClient, nil
}

func (e *ESClient) Close() {
	e.logger.Info("Elasticsearch client shutdown")
}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	res, err := e.Client.Info(e.Client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to get cluster info: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

// RecordAttempt indexes accepted messages. Other outcomes are ignored.
func (e *ESClient) RecordAttempt(ctx context.Context, attempt models.DeliveryAttempt) error {
	if attempt.Outcome != models.OutcomeSent || attempt.MessageID == "" {
		return nil
	}

	doc := SentEmailDoc{
		MessageID: attempt.MessageID,
		UID:       attempt.UID,
		EID:       attempt.EID,
		JobID:     attempt.JobID,
		ToEmail:   attempt.ToEmail,
		Subject:   attempt.Subject,
		Body:      attempt.Body,
		SentAt:    attempt.AttemptedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}

	res, err := e.IndexDocument(ctx, e.config.Index, attempt.MessageID, doc)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch index error: %s", res.Status())
	}
	return nil
}

// SearchEmails runs a full-text query over one user's sent mail.
func (e *ESClient) SearchEmails(ctx context.Context, uid int64, q string, size int) ([]SentEmailDoc, error) {
	if size <= 0 || size > 100 {
		size = 20
	}

	must := []map[string]interface{}{
		{"term": map[string]interface{}{"uid": uid}},
	}
	if q != "" {
		must = append(must, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  q,
				"fields": []string{"subject^2", "body", "to_email"},
			},
		})
	}
	query := map[string]interface{}{
		"size":  size,
		"query": map[string]interface{}{"bool": map[string]interface{}{"must": must}},
		"sort":  []map[string]interface{}{{"sent_at": map[string]string{"order": "desc"}}},
	}

	res, err := e.Search(ctx, e.config.Index, query)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source SentEmailDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := e.ParseResponse(res, &parsed); err != nil {
		return nil, err
	}

	docs := make([]SentEmailDoc, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		docs = append(docs, h.Source)
	}
	e.logger.Debug("Searched sent emails",
		zap.Int64("uid", uid),
		zap.String("q", q),
		zap.Int("hits", len(docs)))
	return docs, nil
}

func (e *ESClient) Search(ctx context.Context, index string, query map[string]interface{}) (*esapi.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("error encoding query: %w", err)
	}

	res, err := e.Client.Search(
		e.Client.Search.WithContext(ctx),
		e.Client.Search.WithIndex(index),
		e.Client.Search.WithBody(&buf),
		e.Client.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("error executing search: %w", err)
	}

	return res, nil
}

func (e *ESClient) IndexDocument(ctx context.Context, index, id string, document interface{}) (*esapi.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(document); err != nil {
		return nil, fmt.Errorf("error encoding document: %w", err)
	}

	res, err := e.Client.Index(
		index,
		&buf,
		e.Client.Index.WithContext(ctx),
		e.Client.Index.WithDocumentID(id),
	)
	if err != nil {
		return nil, fmt.Errorf("error indexing document: %w", err)
	}

	return res, nil
}

func (e *ESClient) ParseResponse(res *esapi.Response, target interface{}) error {
	defer res.Body.Close()

	if res.IsError() {
		var body map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
			return fmt.Errorf("error parsing error response: %w", err)
		}
		reason := ""
		if errObj, ok := body["error"].(map[string]interface{}); ok {
			reason, _ = errObj["reason"].(string)
		}
		return fmt.Errorf("elasticsearch error: [%s] %s", res.Status(), reason)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("error unmarshaling response: %w", err)
	}

	return nil
}
