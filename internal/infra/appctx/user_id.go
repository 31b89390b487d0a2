package appctx

import (
	"context"

	"github.com/hanainplan/consultcall/internal/domain/signaling"
)

type ctxKey string

const userIDKey ctxKey = "userID"

// WithUserID добавляет userID в контекст
func WithUserID(ctx context.Context, id signaling.UserID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID извлекает userID из контекста
func UserID(ctx context.Context) (signaling.UserID, bool) {
	id, ok := ctx.Value(userIDKey).(signaling.UserID)
	return id, ok
}
