package server

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/MrCodeEU/examguard/pkg/access"
	"github.com/MrCodeEU/examguard/pkg/logging"
)

const authStateKey = "auth_state"

func requestTimeoutMiddleware(timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if timeout <= 0 {
			return c.Next()
		}
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

func errorHandlingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logging.WithFields(logging.Fields{"panic": r, "stack": string(debug.Stack())}).Error("Panic recovered")
				err = &APIError{Code: "INTERNAL_ERROR", Message: "internal server error", HTTPStatus: fiber.StatusInternalServerError}
			}
			if err != nil {
				apiErr := toAPIError(err)
				if apiErr.HTTPStatus >= 500 {
					logging.Component("server").WithError(apiErr).WithField("path", c.Path()).Error("Request failed")
				}
				c.Status(apiErr.HTTPStatus)
				_ = c.JSON(fiber.Map{"error": fiber.Map{
					"code":    apiErr.Code,
					"message": apiErr.Message,
				}})
				err = nil
			}
		}()
		return c.Next()
	}
}

func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		logging.Component("server").WithFields(logging.Fields{
			"method":   c.Method(),
			"path":     c.Path(),
			"status":   c.Response().StatusCode(),
			"duration": time.Since(start).String(),
		}).Debug("Request handled")
		return err
	}
}

// authMiddleware resolves the bearer token into an AuthState. Requests
// without a valid token are unauthenticated, not rejected; handlers decide.
func authMiddleware(tokens *access.TokenManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		state := access.AuthState{Status: access.AuthUnauthenticated}

		header := c.Get(fiber.HeaderAuthorization)
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if claims, err := tokens.ParseToken(parts[1]); err == nil {
				state = access.AuthState{Status: access.AuthAuthenticated, Identity: claims.Identity}
			}
		}

		c.Locals(authStateKey, state)
		return c.Next()
	}
}

// requireAuth rejects unauthenticated callers.
func requireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if authState(c).Status != access.AuthAuthenticated {
			return unauthorized("missing or invalid token")
		}
		return c.Next()
	}
}

func authState(c *fiber.Ctx) access.AuthState {
	if state, ok := c.Locals(authStateKey).(access.AuthState); ok {
		return state
	}
	return access.AuthState{Status: access.AuthUnauthenticated}
}
