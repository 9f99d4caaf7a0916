package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	stderrors "errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ufaas/payping-ipg/internal/infrastructure/redis"
	"github.com/ufaas/payping-ipg/internal/models"
	"github.com/ufaas/payping-ipg/internal/repository"
)

// Middleware resolves the tenant from the platform-issued bearer token.
// The "business" claim names the tenant; the Business record is loaded
// through the repository and cached in Redis. Optional "user_id" and
// "phone" claims identify the end user behind the request.
func Middleware(businesses repository.BusinessRepository, redisClient redis.RedisClient, jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "authorization header missing", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "invalid token claims", http.StatusUnauthorized)
				return
			}

			businessName, ok := claims["business"].(string)
			if !ok || businessName == "" {
				http.Error(w, "missing business in token", http.StatusUnauthorized)
				return
			}

			business, err := resolveBusiness(r.Context(), businesses, redisClient, businessName)
			if err != nil {
				slog.Error("failed to resolve business", "business", businessName, "error", err)
				http.Error(w, "unknown business", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), "business", business)
			if raw, ok := claims["user_id"].(string); ok {
				if userID, err := uuid.Parse(raw); err == nil {
					ctx = context.WithValue(ctx, "user_id", userID)
				}
			}
			if phone, ok := claims["phone"].(string); ok && phone != "" {
				ctx = context.WithValue(ctx, "phone", phone)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveBusiness(ctx context.Context, businesses repository.BusinessRepository, redisClient redis.RedisClient, name string) (*models.Business, error) {
	cacheKey := fmt.Sprintf("business:%s", name)
	if cached, err := redisClient.Get(ctx, cacheKey); err == nil {
		var business models.Business
		if err := json.Unmarshal([]byte(cached), &business); err == nil {
			return &business, nil
		}
		slog.Warn("failed to unmarshal cached business", "business", name)
	} else if !stderrors.Is(err, redis.ErrKeyNotFound) {
		slog.Warn("failed to read business from Redis", "business", name, "error", err)
	}

	business, err := businesses.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(business); err == nil {
		if err := redisClient.Set(ctx, cacheKey, string(raw), 5*time.Minute); err != nil {
			slog.Warn("failed to cache business", "business", name, "error", err)
		}
	}
	return business, nil
}

// BusinessFromContext returns the tenant resolved by Middleware.
func BusinessFromContext(ctx context.Context) (*models.Business, bool) {
	business, ok := ctx.Value("business").(*models.Business)
	return business, ok
}

// UserIDFromContext returns the end user id claim, when present.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value("user_id").(uuid.UUID)
	return userID, ok
}

// PhoneFromContext returns the end user phone claim, when present.
func PhoneFromContext(ctx context.Context) (string, bool) {
	phone, ok := ctx.Value("phone").(string)
	return phone, ok
}
