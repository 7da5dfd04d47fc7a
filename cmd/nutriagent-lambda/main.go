package main

import (
	"context"
	"errors"
	"log"
	"log/slog"

	"github.com/aws/aws-lambda-go/lambda"

	"nutriagent"
	"nutriagent/analytics"
	"nutriagent/app"
)

type Params struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type Results struct {
	Reply          string `json:"reply"`
	ConversationID string `json:"conversation_id"`
	PendingID      string `json:"pending_proposal_id,omitempty"`
}

func main() {
	ctx := context.Background()

	cfg, err := nutriagent.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %s", err)
	}
	otelShutdown, err := nutriagent.InitOtel(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %s", err)
	}
	defer otelShutdown(ctx) // nolint: errcheck

	// Pending proposals live in the engine, so it is built once per container
	// and shared by warm invocations.
	a, err := app.New(ctx, cfg, nutriagent.NewStdoutCoordinationLogger())
	if err != nil {
		log.Fatalf("Failed to build engine: %s", err)
	}

	lambda.Start(handler(a))
}

func handler(a *app.App) func(context.Context, Params) (Results, error) {
	return func(ctx context.Context, params Params) (Results, error) {
		if params.UserID == "" || params.Message == "" {
			return Results{}, errors.New("user_id and message are required")
		}
		conversation := params.ConversationID
		if conversation == "" {
			conversation = params.UserID
		}

		ctx = analytics.ContextWithUser(ctx, params.UserID)
		reply, err := a.Coordinator.Run(ctx, conversation, params.Message)
		if err != nil {
			slog.Error("RESULT: Error handling message", "conversation", conversation, "error", err)
			return Results{}, err
		}

		res := Results{Reply: reply, ConversationID: conversation}
		if p, ok := a.Workflow.Pending(ctx, conversation); ok {
			res.PendingID = p.ID
		}
		return res, nil
	}
}
