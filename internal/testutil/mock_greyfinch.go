// Package testutil provides a fake Greyfinch GraphQL upstream for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Credentials accepted by the mock login.
const (
	MockKey    = "pk_test_key"
	MockSecret = "sk_test_secret"
)

// MockResponse is a canned response served instead of the dataset.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Request records one data (non-login) request received by the mock.
type Request struct {
	Entity        string
	Limit         int
	Offset        int
	Variables     map[string]any
	Authorization string
	At            time.Time
}

// MockGreyfinch is a configurable fake of the upstream GraphQL API. Data
// queries page through per-entity datasets using the limit and offset
// variables; canned responses queued with Enqueue are served first.
type MockGreyfinch struct {
	server *httptest.Server

	mu             sync.Mutex
	datasets       map[string][]map[string]any
	queue          []MockResponse
	loginResponses []MockResponse
	tokenSeq       int
	currentToken   string
	tokenTTL       int
	requests       []Request
	logins         int
	headers        map[string]string

	// OnRequest, when set, runs before a data request is served. It may
	// mutate datasets through the mock's methods.
	OnRequest func(r Request)
}

// NewMockGreyfinch starts a mock upstream.
func NewMockGreyfinch() *MockGreyfinch {
	m := &MockGreyfinch{
		datasets: make(map[string][]map[string]any),
		tokenTTL: 3600,
		headers:  make(map[string]string),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the GraphQL endpoint URL.
func (m *MockGreyfinch) URL() string {
	return m.server.URL + "/v1/graphql"
}

// Close shuts down the mock server.
func (m *MockGreyfinch) Close() {
	m.server.Close()
}

// SetDataset replaces the records served for an entity.
func (m *MockGreyfinch) SetDataset(entity string, records []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[entity] = records
}

// InsertRecord inserts a record at index, shifting later records.
func (m *MockGreyfinch) InsertRecord(entity string, index int, record map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.datasets[entity]
	if index > len(ds) {
		index = len(ds)
	}
	ds = append(ds, nil)
	copy(ds[index+1:], ds[index:])
	ds[index] = record
	m.datasets[entity] = ds
}

// Enqueue queues canned responses for the next data requests.
func (m *MockGreyfinch) Enqueue(resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resps...)
}

// EnqueueLogin queues canned responses for the next login requests.
func (m *MockGreyfinch) EnqueueLogin(resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginResponses = append(m.loginResponses, resps...)
}

// SetTokenTTL sets accessTokenExpiresIn in seconds for subsequent logins.
func (m *MockGreyfinch) SetTokenTTL(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenTTL = seconds
}

// SetHeader adds a header to every dataset response.
func (m *MockGreyfinch) SetHeader(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[key] = value
}

// RevokeToken makes the current token invalid, as if it expired upstream.
func (m *MockGreyfinch) RevokeToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentToken = ""
}

// Requests returns a copy of the recorded data requests.
func (m *MockGreyfinch) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Offsets returns the offsets of recorded data requests for an entity.
func (m *MockGreyfinch) Offsets(entity string) []int {
	var out []int
	for _, r := range m.Requests() {
		if r.Entity == entity {
			out = append(out, r.Offset)
		}
	}
	return out
}

// Logins returns the number of login requests received.
func (m *MockGreyfinch) Logins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logins
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func (m *MockGreyfinch) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req gqlRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if strings.Contains(req.Query, "apiLogin") {
		m.handleLogin(w, req)
		return
	}

	root, err := rootField(req.Query)
	if err != nil {
		writeJSON(w, http.StatusOK, nil, map[string]any{
			"errors": []map[string]any{{"message": err.Error()}},
		})
		return
	}

	rec := Request{
		Entity:        root,
		Limit:         intVar(req.Variables, "limit"),
		Offset:        intVar(req.Variables, "offset"),
		Variables:     req.Variables,
		Authorization: r.Header.Get("Authorization"),
		At:            time.Now(),
	}

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	hook := m.OnRequest
	m.mu.Unlock()

	if hook != nil {
		hook(rec)
	}

	m.mu.Lock()
	if len(m.queue) > 0 {
		canned := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		serveCanned(w, canned)
		return
	}

	if m.currentToken == "" || rec.Authorization != "Bearer "+m.currentToken {
		m.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, nil, map[string]any{
			"errors": []map[string]any{{"message": "invalid token"}},
		})
		return
	}

	ds := m.datasets[root]
	start := rec.Offset
	if start > len(ds) {
		start = len(ds)
	}
	end := start + rec.Limit
	if end > len(ds) {
		end = len(ds)
	}
	page := make([]map[string]any, end-start)
	copy(page, ds[start:end])
	headers := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		headers[k] = v
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, headers, map[string]any{
		"data": map[string]any{root: page},
	})
}

func (m *MockGreyfinch) handleLogin(w http.ResponseWriter, req gqlRequest) {
	m.mu.Lock()
	m.logins++
	if len(m.loginResponses) > 0 {
		canned := m.loginResponses[0]
		m.loginResponses = m.loginResponses[1:]
		m.mu.Unlock()
		serveCanned(w, canned)
		return
	}

	if req.Variables["key"] != MockKey || req.Variables["secret"] != MockSecret {
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, nil, map[string]any{
			"errors": []map[string]any{{"message": "invalid credentials"}},
		})
		return
	}

	m.tokenSeq++
	m.currentToken = fmt.Sprintf("token-%d", m.tokenSeq)
	token, ttl := m.currentToken, m.tokenTTL
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, nil, map[string]any{
		"data": map[string]any{
			"apiLogin": map[string]any{
				"accessToken":          token,
				"accessTokenExpiresIn": ttl,
				"status":               "SUCCESS",
			},
		},
	})
}

func serveCanned(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func writeJSON(w http.ResponseWriter, status int, headers map[string]string, v any) {
	for k, val := range headers {
		w.Header().Set(k, val)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func rootField(query string) (string, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return "", fmt.Errorf("parse query: %v", err)
	}
	if len(doc.Operations) == 0 || len(doc.Operations[0].SelectionSet) == 0 {
		return "", fmt.Errorf("empty query")
	}
	f, ok := doc.Operations[0].SelectionSet[0].(*ast.Field)
	if !ok {
		return "", fmt.Errorf("unsupported selection")
	}
	return f.Name, nil
}

func intVar(vars map[string]any, name string) int {
	if f, ok := vars[name].(float64); ok {
		return int(f)
	}
	return 0
}

// NewRecords builds n records for an entity with ids "<prefix>-<i>" and a
// localStartDate marker spread over consecutive days from 2024-01-01.
func NewRecords(prefix string, n int) []map[string]any {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{
			"id":             fmt.Sprintf("%s-%d", prefix, i+1),
			"localStartDate": base.AddDate(0, 0, i).Format(time.DateOnly),
			"localStartTime": "09:00",
		}
	}
	return out
}

// NewQueryErrorResponse creates a 200 response carrying GraphQL errors.
func NewQueryErrorResponse(message string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       fmt.Sprintf(`{"errors":[{"message":%q}]}`, message),
	}
}

// NewServerErrorResponse creates a 5xx response.
func NewServerErrorResponse(status int) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       `{"error":"upstream unavailable"}`,
	}
}

// NewRateLimitResponse creates a 429 response. An empty retryAfter omits
// the Retry-After header.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":"rate limit exceeded"}`,
		Headers:    map[string]string{},
	}
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewDataResponse creates a 200 response with the given page for entity.
func NewDataResponse(entity string, records []map[string]any) MockResponse {
	body, _ := json.Marshal(map[string]any{"data": map[string]any{entity: records}})
	return MockResponse{StatusCode: http.StatusOK, Body: string(body)}
}
