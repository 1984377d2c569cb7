package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/splitpay/settlement/internal/auth"
	"github.com/splitpay/settlement/internal/config"
	"github.com/splitpay/settlement/internal/http/dto"
	"github.com/splitpay/settlement/internal/rbac"
	"go.uber.org/zap"
)

const (
	CtxSubject = "subject"
	CtxRole    = "role"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid or expired token"})
		}

		role := claims.Role
		if cfg.IsOperator(claims.Subject) {
			role = rbac.RoleOperator
		}

		c.Locals(CtxSubject, claims.Subject)
		c.Locals(CtxRole, role)

		return c.Next()
	}
}

func GetSubject(c *fiber.Ctx) string {
	s, _ := c.Locals(CtxSubject).(string)
	return s
}

func GetRole(c *fiber.Ctx) string {
	r, _ := c.Locals(CtxRole).(string)
	return r
}

func IsOperator(c *fiber.Ctx) bool {
	return GetRole(c) == rbac.RoleOperator
}

// RequirePermission rejects callers whose role lacks permission.
func RequirePermission(permission string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !rbac.HasPermission(GetRole(c), permission) {
			return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "insufficient permissions"})
		}
		return c.Next()
	}
}
