package tools

import (
	"context"

	"nutriagent/analytics"
)

type conversationKey struct{}

// ContextWithSession tags ctx with the user and conversation a tool call
// belongs to.
func ContextWithSession(ctx context.Context, userID, conversationID string) context.Context {
	ctx = analytics.ContextWithUser(ctx, userID)
	return context.WithValue(ctx, conversationKey{}, conversationID)
}

func ConversationFromContext(ctx context.Context) string {
	id, _ := ctx.Value(conversationKey{}).(string)
	return id
}

func userFromContext(ctx context.Context) string { return analytics.UserFromContext(ctx) }
