// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"persona-research-go/internal/config"
	"persona-research-go/internal/model"
	"persona-research-go/pkg/log"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// SessionDocument 是写入索引的会话文档。
type SessionDocument struct {
	SessionID         string    `json:"session_id"`
	OwnerID           string    `json:"owner_id,omitempty"`
	ResearchQuestion  string    `json:"research_question"`
	TargetDemographic string    `json:"target_demographic"`
	Synthesis         string    `json:"synthesis"`
	PersonaNames      []string  `json:"persona_names"`
	CreatedAt         time.Time `json:"created_at"`
}

// SessionIndex 封装会话索引的读写。
type SessionIndex struct {
	client    *elasticsearch.Client
	indexName string
}

// NewSessionIndex 初始化 Elasticsearch 客户端并确保索引存在。
func NewSessionIndex(esCfg config.ElasticsearchConfig) (*SessionIndex, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	idx := &SessionIndex{client: client, indexName: esCfg.IndexName}
	if err := idx.createIndexIfNotExists(); err != nil {
		return nil, err
	}
	return idx, nil
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func (s *SessionIndex) createIndexIfNotExists() error {
	res, err := s.client.Indices.Exists([]string{s.indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	defer res.Body.Close()
	// 如果 res.StatusCode 是 200，说明索引已存在
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", s.indexName)
		return nil
	}
	// 如果 res.StatusCode 是 404，说明索引不存在，需要创建
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	mapping := `{
		"mappings": {
			"properties": {
				"session_id": { "type": "keyword" },
				"owner_id": { "type": "keyword" },
				"research_question": { "type": "text" },
				"target_demographic": { "type": "text" },
				"synthesis": { "type": "text" },
				"persona_names": { "type": "text" },
				"created_at": { "type": "date" }
			}
		}
	}`

	created, err := s.client.Indices.Create(
		s.indexName,
		s.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", s.indexName, err)
		return err
	}
	defer created.Body.Close()
	if created.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", s.indexName, created.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", s.indexName)
	return nil
}

// newSessionDocument 从会话详情构造索引文档。匿名会话不写 owner_id 字段，访客检索依赖这一点。
func newSessionDocument(detail *model.SessionDetail) SessionDocument {
	doc := SessionDocument{
		SessionID:         detail.Session.SessionID,
		ResearchQuestion:  detail.Session.ResearchQuestion,
		TargetDemographic: detail.Session.TargetDemographic,
		CreatedAt:         detail.Session.CreatedAt,
	}
	if detail.Session.OwnerID != nil {
		doc.OwnerID = *detail.Session.OwnerID
	}
	if detail.Synthesis != nil {
		doc.Synthesis = detail.Synthesis.Text
	}
	for _, p := range detail.Personas {
		doc.PersonaNames = append(doc.PersonaNames, p.Name)
	}
	return doc
}

// IndexSession 把已完成的会话写入索引，文档 ID 即 session_id。
func (s *SessionIndex) IndexSession(ctx context.Context, detail *model.SessionDetail) error {
	doc := newSessionDocument(detail)
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      s.indexName,
		DocumentID: doc.SessionID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("索引会话到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index session")
	}
	return nil
}

// DeleteSession 从索引中移除会话，文档不存在时不报错。
func (s *SessionIndex) DeleteSession(ctx context.Context, sessionID string) error {
	req := esapi.DeleteRequest{
		Index:      s.indexName,
		DocumentID: sessionID,
		Refresh:    "true",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to delete session document: %s", res.String())
	}
	return nil
}

// SearchSessions 在问题、人群、综合分析和画像名上做全文检索。
// ownerID 为 nil 时只返回匿名会话。
func (s *SessionIndex) SearchSessions(ctx context.Context, ownerID *string, query string, size int) ([]model.SearchHit, error) {
	body, err := json.Marshal(buildSearchQuery(ownerID, query, size))
	if err != nil {
		return nil, err
	}
	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.indexName),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search failed: %s", res.String())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Score  float64         `json:"_score"`
				Source SessionDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	hits := make([]model.SearchHit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, model.SearchHit{
			SessionID:         h.Source.SessionID,
			ResearchQuestion:  h.Source.ResearchQuestion,
			TargetDemographic: h.Source.TargetDemographic,
			Score:             h.Score,
			CreatedAt:         h.Source.CreatedAt,
		})
	}
	return hits, nil
}

func buildSearchQuery(ownerID *string, query string, size int) map[string]interface{} {
	var filter []interface{}
	var mustNot []interface{}
	if ownerID != nil {
		filter = append(filter, map[string]interface{}{
			"term": map[string]interface{}{"owner_id": *ownerID},
		})
	} else {
		mustNot = append(mustNot, map[string]interface{}{
			"exists": map[string]interface{}{"field": "owner_id"},
		})
	}
	boolQuery := map[string]interface{}{
		"must": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"research_question^3", "target_demographic^2", "synthesis", "persona_names"},
			},
		},
	}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	if len(mustNot) > 0 {
		boolQuery["must_not"] = mustNot
	}
	return map[string]interface{}{
		"size":  size,
		"query": map[string]interface{}{"bool": boolQuery},
	}
}
