package bot

import (
	"context"
	"errors"
)

// ErrNotAuthorized - живая торговля без подтверждённой авторизации
var ErrNotAuthorized = errors.New("live trading requires authorization")

type liveAuthKey struct{}

// WithLiveAuthorization помечает контекст как прошедший проверку торгового секрета.
// Ставится только middleware, проверившим секрет.
func WithLiveAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, liveAuthKey{}, true)
}

// IsLiveAuthorized сообщает, разрешена ли в этом контексте живая торговля
func IsLiveAuthorized(ctx context.Context) bool {
	v, _ := ctx.Value(liveAuthKey{}).(bool)
	return v
}
