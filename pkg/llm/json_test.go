package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "plain object",
			input: `{"sql": "SELECT 1"}`,
			want:  `{"sql": "SELECT 1"}`,
		},
		{
			name:  "markdown fenced",
			input: "```json\n{\"sql\": \"SELECT 1\"}\n```",
			want:  `{"sql": "SELECT 1"}`,
		},
		{
			name:  "surrounding prose",
			input: "Here is the query:\n{\"sql\": \"SELECT 1\"}\nLet me know if you need changes.",
			want:  `{"sql": "SELECT 1"}`,
		},
		{
			name:  "think tags stripped",
			input: "<think>reasoning here</think>{\"in_scope\": true}",
			want:  `{"in_scope": true}`,
		},
		{
			name:  "nested object",
			input: `{"intent": {"metric": "net_sales_usd", "filters": [{"column": "region", "value": "West"}]}}`,
			want:  `{"intent": {"metric": "net_sales_usd", "filters": [{"column": "region", "value": "West"}]}}`,
		},
		{
			name:  "braces inside string values",
			input: `{"answer": "use {placeholders} carefully"}`,
			want:  `{"answer": "use {placeholders} carefully"}`,
		},
		{
			name:  "array",
			input: `[{"title": "Top products"}, {"title": "Regional split"}]`,
			want:  `[{"title": "Top products"}, {"title": "Regional split"}]`,
		},
		{
			name:    "no json",
			input:   "I could not produce a query for that.",
			wantErr: true,
		},
		{
			name:    "unbalanced",
			input:   `{"sql": "SELECT 1"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseJSONResponse(t *testing.T) {
	type sqlResponse struct {
		SQL string `json:"sql"`
	}

	resp, err := ParseJSONResponse[sqlResponse]("```json\n{\"sql\": \"SELECT units FROM fact_sales LIMIT 10\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "SELECT units FROM fact_sales LIMIT 10", resp.SQL)

	_, err = ParseJSONResponse[sqlResponse]("not json at all")
	assert.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name          string
		errText       string
		wantType      ErrorType
		wantRetryable bool
	}{
		{"auth", "401 Unauthorized", ErrorTypeAuth, false},
		{"model missing", "model gpt-x not found", ErrorTypeModel, false},
		{"endpoint 404", "404 page not found", ErrorTypeEndpoint, false},
		{"connection refused", "dial tcp: connection refused", ErrorTypeEndpoint, true},
		{"timeout", "context deadline exceeded", ErrorTypeEndpoint, true},
		{"rate limit", "429 Too Many Requests", ErrorTypeUnknown, true},
		{"server error", "502 Bad Gateway", ErrorTypeEndpoint, true},
		{"unknown", "something odd happened", ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := ClassifyError(assertableError(tt.errText))
			require.NotNil(t, classified)
			assert.Equal(t, tt.wantType, classified.Type)
			assert.Equal(t, tt.wantRetryable, classified.Retryable)
		})
	}
}

type assertableError string

func (e assertableError) Error() string { return string(e) }
