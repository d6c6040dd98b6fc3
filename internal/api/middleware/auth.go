package middleware

import (
	"net"
	"net/http"

	"crossarb/internal/bot"
	"crossarb/pkg/crypto"
	"crossarb/pkg/ratelimit"
	"crossarb/pkg/utils"
)

// TradingSecretHeader - заголовок с секретом live-торговли
const TradingSecretHeader = "X-Trading-Secret"

// TradingAuth - middleware разрешения live-торговли
//
// Если запрос несет X-Trading-Secret и секрет совпадает с bcrypt-хешем
// (TRADING_SECRET_HASH), контекст запроса помечается bot.WithLiveAuthorization.
// Запрос без заголовка проходит без пометки: paper-режим и чтение
// доступны всегда, а live-исполнение отклонит сам движок.
//
// Ответы:
// - 401 Unauthorized: секрет не совпал
// - 403 Forbidden: хеш не настроен, live-торговля выключена
// - 429 Too Many Requests: превышен лимит попыток проверки
//
// Проверки bcrypt ограничены token bucket'ом (по умолчанию 1/сек, burst 5).
func TradingAuth(secretHash string, limiter *ratelimit.Limiter, logger *utils.Logger) func(http.Handler) http.Handler {
	log := utils.OrGlobal(logger).WithComponent("auth")
	if limiter == nil {
		limiter = ratelimit.NewLimiter(1, 5)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get(TradingSecretHeader)
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			if secretHash == "" {
				writeAuthError(w, http.StatusForbidden, "live trading is not configured")
				return
			}
			if !limiter.Allow() {
				writeAuthError(w, http.StatusTooManyRequests, "too many authorization attempts")
				return
			}
			if err := crypto.VerifySecret(secret, secretHash); err != nil {
				log.Warn("trading secret rejected",
					utils.String("remote", clientIP(r)),
					utils.String("path", r.URL.Path),
					utils.Err(err))
				writeAuthError(w, http.StatusUnauthorized, "invalid trading secret")
				return
			}

			next.ServeHTTP(w, r.WithContext(bot.WithLiveAuthorization(r.Context())))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `","code":"UNAUTHORIZED"}`))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
