package nutrition

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDoer struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockDoer) Do(req *http.Request) (*http.Response, error) { return m.doFunc(req) }

func respond(status int, body string) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewBufferString(body))}, nil
	}
}

func TestHTTPLookup(t *testing.T) {
	const found = `{"message":"ok","data":{"foods":[
		{"food_name":"Greek Yogurt","brand_name":"Fage","servings":[{
			"serving_description":"1 container","metric_serving_amount":"170.000","metric_serving_unit":"g",
			"calories":"100","protein":"18","carbohydrate":"6","fat":"0","sugar":"6","sodium":"65"
		}]}]}}`

	tests := []struct {
		name    string
		doFunc  func(*http.Request) (*http.Response, error)
		want    Product
		wantErr error
	}{
		{
			name:   "first food with servings",
			doFunc: respond(http.StatusOK, found),
			want: Product{
				Name:        "Fage Greek Yogurt",
				ServingSize: "1 container (170g)",
				Source:      "external",
				Nutrients: Nutrients{
					Calories: 100, ProteinG: 18, CarbsG: 6, FatTotalG: 0,
					SugarG: ptr(6), SodiumMg: ptr(65),
				},
			},
		},
		{name: "no foods", doFunc: respond(http.StatusOK, `{"message":"ok","data":{"foods":[]}}`), wantErr: ErrNotFound},
		{name: "404", doFunc: respond(http.StatusNotFound, ""), wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *http.Request
			l := NewHTTPLookup("https://food.example.com/search", "key-1", &mockDoer{doFunc: func(r *http.Request) (*http.Response, error) {
				seen = r
				return tt.doFunc(r)
			}})
			got, err := l.Lookup(context.Background(), "greek yogurt")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "greek yogurt", seen.URL.Query().Get("food_name"))
			assert.Equal(t, "Bearer key-1", seen.Header.Get("Authorization"))
		})
	}
}

func TestHTTPLookupErrors(t *testing.T) {
	l := NewHTTPLookup("https://food.example.com/search", "", &mockDoer{doFunc: respond(http.StatusBadGateway, "upstream")})
	_, err := l.Lookup(context.Background(), "rice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")

	l = NewHTTPLookup("https://food.example.com/search", "", &mockDoer{doFunc: func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: refused")
	}})
	_, err = l.Lookup(context.Background(), "rice")
	assert.Error(t, err)

	l = NewHTTPLookup("https://food.example.com/search", "", &mockDoer{doFunc: respond(http.StatusOK, "<html>")})
	_, err = l.Lookup(context.Background(), "rice")
	assert.Error(t, err)
}
