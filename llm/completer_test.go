package llm

import (
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
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
		{name: "bare object", input: `{"a":1}`, want: `{"a":1}`},
		{name: "code fence", input: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "prose around", input: `Sure! {"a":{"b":2}} hope this helps`, want: `{"a":{"b":2}}`},
		{name: "no object", input: "nothing here", wantErr: true},
		{name: "unterminated", input: `{"a":1`, wantErr: true},
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

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Category string `json:"category"`
	}
	require.NoError(t, DecodeJSON("result: {\"category\":\"log_food\"}", &v))
	assert.Equal(t, "log_food", v.Category)

	assert.Error(t, DecodeJSON(`{"category":}`, &v))
}

func TestSystemWithSchema(t *testing.T) {
	req := UserPrompt("You classify messages.", "hi")
	assert.Equal(t, "You classify messages.", systemWithSchema(req))

	req.Schema = &jsonschema.Schema{Type: "object", Required: []string{"category"}}
	got := systemWithSchema(req)
	assert.Contains(t, got, "You classify messages.")
	assert.Contains(t, got, "JSON Schema")
	assert.Contains(t, got, `"category"`)
}
