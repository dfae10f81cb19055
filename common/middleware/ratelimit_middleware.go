package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/loomflow/loomflow/common/models"
	"github.com/loomflow/loomflow/common/ratelimit"
)

// isInternalRequest checks if the request is from an internal service.
// Internal services set X-Internal-Service to the shared secret to
// bypass rate limits.
func isInternalRequest(c echo.Context) bool {
	internalHeader := c.Request().Header.Get("X-Internal-Service")
	if internalHeader == "" {
		return false
	}

	expectedSecret := os.Getenv("INTERNAL_SERVICE_SECRET")
	if expectedSecret == "" {
		return false
	}
	return internalHeader == expectedSecret
}

// GlobalRateLimit checks the service-wide trigger rate limit. Fails
// open: a Redis error never blocks a request.
func GlobalRateLimit(limiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			result, err := limiter.CheckGlobalLimit(c.Request().Context(), limit)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "global_rate_limit_exceeded",
					"message": "Service is experiencing high load. Please try again later.",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}

// WorkflowRateLimit checks the per-tier trigger rate limit for the
// workflow carried in the request body. The tier comes from the
// workflow's shape, so heavy looping workflows burn a stricter quota
// than simple ones. The body is restored for the handler; requests the
// middleware cannot parse are passed through unchecked.
func WorkflowRateLimit(limiter *ratelimit.RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			body, err := io.ReadAll(c.Request().Body)
			if err != nil {
				return next(c)
			}
			c.Request().Body = io.NopCloser(bytes.NewReader(body))

			var payload struct {
				Workflow *models.Workflow `json:"workflow"`
				Trigger  struct {
					UserID string `json:"userId"`
				} `json:"trigger"`
			}
			if json.Unmarshal(body, &payload) != nil || payload.Workflow == nil {
				return next(c)
			}

			userID := payload.Trigger.UserID
			if userID == "" {
				userID = payload.Workflow.UserID
			}
			if userID == "" {
				return next(c)
			}

			profile := ratelimit.InspectWorkflow(payload.Workflow)
			result, err := limiter.CheckTieredLimit(c.Request().Context(), userID, profile.Tier)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "workflow_rate_limit_exceeded",
					"message": "You have exceeded your quota for this workflow tier. Please wait before trying again.",
					"details": map[string]interface{}{
						"userId":              userID,
						"tier":                profile.Tier.String(),
						"limit":               result.Limit,
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}

// UserRateLimit checks per-user trigger rate limits. The user is taken
// from the X-User-ID header; requests without one are not limited.
func UserRateLimit(limiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			userID := c.Request().Header.Get("X-User-ID")
			if userID == "" {
				return next(c)
			}

			result, err := limiter.CheckUserLimit(c.Request().Context(), userID, limit, 60)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "user_rate_limit_exceeded",
					"message": "You have exceeded your trigger quota. Please wait before trying again.",
					"details": map[string]interface{}{
						"userId":              userID,
						"limit":               result.Limit,
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
