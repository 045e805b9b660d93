// Package metadata searches the Weaviate collections that describe the
// financial data available to the analysis crew.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
)

const metricClass = "FinancialMetric"

type Document struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	DocumentType string  `json:"document_type"`
	Date         string  `json:"date"`
	Summary      string  `json:"summary"`
	Score        float64 `json:"score"`
}

type Metric struct {
	Name        string  `json:"metric_name"`
	Value       float64 `json:"value"`
	Period      string  `json:"period"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Source      string  `json:"source"`
	Score       float64 `json:"score"`
}

// Client runs nearText GraphQL queries against Weaviate.
type Client struct {
	Class string
	Limit int

	wv  *weaviate.Client
	err error
}

// NewClient targets the Weaviate instance at baseURL. An invalid URL is
// reported by the first search.
func NewClient(baseURL, apiKey, class string, limit int) *Client {
	if class == "" {
		class = "FinancialDocument"
	}
	if limit <= 0 {
		limit = 5
	}
	c := &Client{Class: class, Limit: limit}
	c.wv, c.err = newWeaviate(baseURL, apiKey)
	return c
}

func newWeaviate(baseURL, apiKey string) (*weaviate.Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("weaviate: url is not configured")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("weaviate: bad url %q", baseURL)
	}

	cfg := weaviate.Config{
		Host:             u.Host,
		Scheme:           u.Scheme,
		ConnectionClient: &http.Client{Timeout: 30 * time.Second},
	}
	if apiKey != "" {
		cfg.Headers = map[string]string{"Authorization": "Bearer " + apiKey}
	}
	wv, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("weaviate: %w", err)
	}
	return wv, nil
}

type additional struct {
	Additional struct {
		ID    string `json:"id"`
		Score any    `json:"score"`
	} `json:"_additional"`
}

// SearchDocuments returns the documents closest to query, best first.
func (c *Client) SearchDocuments(ctx context.Context, query string) ([]Document, error) {
	rows, err := c.nearText(ctx, c.Class, []string{"title", "content", "document_type", "date", "summary"}, query, c.Limit)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(rows))
	for _, raw := range rows {
		var d Document
		var a additional
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("weaviate: decode document: %w", err)
		}
		_ = json.Unmarshal(raw, &a)
		d.ID = a.Additional.ID
		d.Score = parseScore(a.Additional.Score)
		docs = append(docs, d)
	}
	return docs, nil
}

// SearchMetrics looks up numeric KPIs matching query.
func (c *Client) SearchMetrics(ctx context.Context, query string) ([]Metric, error) {
	rows, err := c.nearText(ctx, metricClass, []string{"metric_name", "value", "period", "category", "description", "source"}, query, 2*c.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]Metric, 0, len(rows))
	for _, raw := range rows {
		var m Metric
		var a additional
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("weaviate: decode metric: %w", err)
		}
		_ = json.Unmarshal(raw, &a)
		m.Score = parseScore(a.Additional.Score)
		out = append(out, m)
	}
	return out, nil
}

func (c *Client) nearText(ctx context.Context, class string, fields []string, query string, limit int) ([]json.RawMessage, error) {
	if c.err != nil {
		return nil, c.err
	}

	selection := make([]graphql.Field, 0, len(fields)+1)
	for _, f := range fields {
		selection = append(selection, graphql.Field{Name: f})
	}
	selection = append(selection, graphql.Field{
		Name:   "_additional",
		Fields: []graphql.Field{{Name: "score"}, {Name: "id"}},
	})

	gql := c.wv.GraphQL()
	resp, err := gql.Get().
		WithClassName(class).
		WithFields(selection...).
		WithNearText(gql.NearTextArgBuilder().WithConcepts([]string{query})).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		var fe *fault.WeaviateClientError
		if errors.As(err, &fe) && fe.StatusCode != 0 {
			return nil, fmt.Errorf("weaviate: status %d: %s", fe.StatusCode, strings.TrimSpace(fe.Msg))
		}
		return nil, fmt.Errorf("weaviate: %w", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, fmt.Errorf("weaviate: %s", strings.Join(msgs, "; "))
	}

	get, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil, nil
	}
	// round-trip so rows decode into the typed structs
	b, err := json.Marshal(get[class])
	if err != nil {
		return nil, fmt.Errorf("weaviate: decode response: %w", err)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, fmt.Errorf("weaviate: decode response: %w", err)
	}
	return rows, nil
}

// Weaviate reports score as a string in some versions.
func parseScore(v any) float64 {
	switch s := v.(type) {
	case float64:
		return s
	case string:
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	return 0
}

// FormatDocuments renders search hits as prompt context.
func FormatDocuments(docs []Document) string {
	if len(docs) == 0 {
		return "No documents found."
	}
	var sb strings.Builder
	for i, d := range docs {
		if i > 0 {
			sb.WriteString("\n---\n")
		}
		content := truncate(d.Content, maxContentRunes)
		fmt.Fprintf(&sb, "Document: %s\nType: %s\nDate: %s\nSummary: %s\nRelevance: %.3f\n\n%s\n",
			orDefault(d.Title, "Untitled"), orDefault(d.DocumentType, "Unknown"),
			orDefault(d.Date, "Unknown"), orDefault(d.Summary, "No summary available"), d.Score, content)
	}
	return sb.String()
}

// FormatMetrics renders metric hits as prompt context.
func FormatMetrics(metrics []Metric) string {
	if len(metrics) == 0 {
		return "No financial metrics found."
	}
	var sb strings.Builder
	for _, m := range metrics {
		fmt.Fprintf(&sb, "- %s = %g (%s, %s) source=%s\n", m.Name, m.Value,
			orDefault(m.Period, "unknown period"), orDefault(m.Category, "uncategorized"), orDefault(m.Source, "unknown"))
	}
	return sb.String()
}

const maxContentRunes = 500

// truncate cuts s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i, count := 0, 0
	for i = range s {
		if count == n {
			break
		}
		count++
	}
	return s[:i] + "..."
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
