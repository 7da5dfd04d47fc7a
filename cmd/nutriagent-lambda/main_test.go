package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerValidatesParams(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{"no user", Params{Message: "two eggs"}},
		{"no message", Params{UserID: "u1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := handler(nil)(context.Background(), tt.params)
			assert.EqualError(t, err, "user_id and message are required")
		})
	}
}
