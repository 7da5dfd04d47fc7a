package nutrition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrNotFound is returned by a Lookup that has no match for a name.
var ErrNotFound = errors.New("nutrition: no match")

// Lookup is a pluggable external nutrition source.
type Lookup interface {
	Lookup(ctx context.Context, name string) (Product, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, name string) (Product, error)

func (f LookupFunc) Lookup(ctx context.Context, name string) (Product, error) { return f(ctx, name) }

type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPLookup queries a food search API that answers with a
// {"message": ..., "data": {"foods": [...]}} envelope and string-typed numbers.
type HTTPLookup struct {
	baseURL string
	apiKey  string
	client  doer
}

func NewHTTPLookup(baseURL, apiKey string, client doer) *HTTPLookup {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPLookup{baseURL: baseURL, apiKey: apiKey, client: client}
}

type searchServing struct {
	ServingDescription  string `json:"serving_description"`
	MetricServingAmount string `json:"metric_serving_amount"`
	MetricServingUnit   string `json:"metric_serving_unit"`
	Calories            string `json:"calories"`
	Protein             string `json:"protein"`
	Carbohydrate        string `json:"carbohydrate"`
	Fat                 string `json:"fat"`
	Sugar               string `json:"sugar"`
	Fiber               string `json:"fiber"`
	SaturatedFat        string `json:"saturated_fat"`
	Cholesterol         string `json:"cholesterol"`
	Sodium              string `json:"sodium"`
	Potassium           string `json:"potassium"`
}

type searchFood struct {
	FoodName  string          `json:"food_name"`
	BrandName string          `json:"brand_name"`
	Servings  []searchServing `json:"servings"`
}

type searchResponse struct {
	Message string `json:"message"`
	Data    struct {
		Foods []searchFood `json:"foods"`
	} `json:"data"`
}

func (l *HTTPLookup) Lookup(ctx context.Context, name string) (Product, error) {
	reqURL, err := url.Parse(l.baseURL)
	if err != nil {
		return Product{}, fmt.Errorf("failed to parse base URL: %w", err)
	}
	params := reqURL.Query()
	params.Add("food_name", name)
	params.Add("page_number", "0")
	params.Add("max_results", "5")
	reqURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return Product{}, fmt.Errorf("failed to create request: %w", err)
	}
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return Product{}, fmt.Errorf("food search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Product{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return Product{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Product{}, fmt.Errorf("food search failed with status %d: %s", resp.StatusCode, string(body))
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Product{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	for _, f := range sr.Data.Foods {
		if len(f.Servings) == 0 {
			continue
		}
		return productFromSearch(f, f.Servings[0]), nil
	}
	return Product{}, ErrNotFound
}

func productFromSearch(f searchFood, s searchServing) Product {
	serving := strings.TrimSpace(s.ServingDescription)
	if amt := strings.TrimSpace(s.MetricServingAmount); amt != "" {
		metric := trimFloat(amt) + strings.TrimSpace(s.MetricServingUnit)
		if serving == "" {
			serving = metric
		} else {
			serving = fmt.Sprintf("%s (%s)", serving, metric)
		}
	}
	name := f.FoodName
	if f.BrandName != "" {
		name = f.BrandName + " " + f.FoodName
	}
	return Product{
		Name:        name,
		ServingSize: serving,
		Source:      "external",
		Nutrients: Nutrients{
			Calories:      num(s.Calories),
			ProteinG:      num(s.Protein),
			CarbsG:        num(s.Carbohydrate),
			FatTotalG:     num(s.Fat),
			FiberG:        optNum(s.Fiber),
			SugarG:        optNum(s.Sugar),
			SodiumMg:      optNum(s.Sodium),
			SaturatedFatG: optNum(s.SaturatedFat),
			CholesterolMg: optNum(s.Cholesterol),
			PotassiumMg:   optNum(s.Potassium),
		},
	}
}

func num(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func optNum(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func trimFloat(s string) string {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
