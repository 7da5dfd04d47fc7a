package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// RecipeSource loads the raw recipe catalog JSON.
type RecipeSource interface {
	Load(ctx context.Context) ([]byte, error)
}

type RecipeIngredient struct {
	Name string  `json:"name"`
	Qty  float64 `json:"qty"`
	Unit string  `json:"unit"`
}

// Portion renders the ingredient quantity as a portion string, e.g. "200 g".
func (i RecipeIngredient) Portion() string {
	if i.Qty <= 0 {
		return ""
	}
	q := strconv.FormatFloat(i.Qty, 'f', -1, 64)
	if i.Unit == "" || i.Unit == "count" {
		return q
	}
	return q + " " + i.Unit
}

type Recipe struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	MealTypes   []string           `json:"meal_types,omitempty"`
	Servings    int                `json:"servings"`
	Ingredients []RecipeIngredient `json:"ingredients"`
	Steps       []string           `json:"steps,omitempty"`
}

// Matches reports whether every word of query appears in the recipe's name,
// id, meal types or ingredient names.
func (r Recipe) Matches(query string) bool {
	var hay strings.Builder
	hay.WriteString(strings.ToLower(r.ID + " " + r.Name + " " + strings.Join(r.MealTypes, " ")))
	for _, i := range r.Ingredients {
		hay.WriteString(" " + strings.ToLower(i.Name))
	}
	h := hay.String()
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if !strings.Contains(h, w) {
			return false
		}
	}
	return true
}

// LoadRecipes reads and decodes the catalog from src.
func LoadRecipes(ctx context.Context, src RecipeSource) ([]Recipe, error) {
	b, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("read recipes: %w", err)
	}
	var recipes []Recipe
	if err := json.Unmarshal(b, &recipes); err != nil {
		return nil, fmt.Errorf("parse recipes: %w", err)
	}
	return recipes, nil
}

type FileRecipeSource struct {
	FilePath string
}

func NewFileRecipeSource(filePath string) *FileRecipeSource {
	return &FileRecipeSource{FilePath: filePath}
}

func (r *FileRecipeSource) Load(ctx context.Context) ([]byte, error) {
	return os.ReadFile(r.FilePath)
}

// S3GetObjectAPI is the part of the S3 client used to fetch the catalog.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3RecipeSource loads the recipe catalog from an S3 object.
type S3RecipeSource struct {
	bucket string
	key    string
	s3     S3GetObjectAPI
}

func NewS3RecipeSource(s3Client S3GetObjectAPI, bucket, key string) *S3RecipeSource {
	return &S3RecipeSource{
		bucket: bucket,
		key:    key,
		s3:     s3Client,
	}
}

func (s *S3RecipeSource) Load(ctx context.Context) ([]byte, error) {
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get recipe object from S3: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// StaticRecipeSource serves fixed bytes; for tests.
type StaticRecipeSource struct {
	data []byte
	err  error
}

func NewStaticRecipeSource(data []byte) *StaticRecipeSource {
	return &StaticRecipeSource{data: data}
}

func NewStaticRecipeSourceWithError() *StaticRecipeSource {
	return &StaticRecipeSource{err: errors.New("not found")}
}

func (t *StaticRecipeSource) Load(ctx context.Context) ([]byte, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.data, nil
}
