package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xeroflowhq/receipts_backend/models"
	"github.com/xeroflowhq/receipts_backend/utils"
)

// AuthMiddleware validates an operator bearer token when one is present and
// puts the tenant and actor into the request context. Requests without an
// Authorization header pass through; handlers that need auth check the
// context themselves (or go through RequireTenant).
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		bearer := "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		auth = auth[len(bearer):]

		validated, err := utils.JwtValidate(auth)
		if err != nil || !validated.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		claim, ok := validated.Claims.(*utils.JwtCustomClaim)
		if !ok || claim.TenantId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTenantIdInContext(c.Request.Context(), claim.TenantId)
		ctx = utils.SetActorInContext(ctx, claim.Actor)
		if claim.Role == "admin" {
			ctx = utils.SetIsAdminInContext(ctx, true)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// IngestKeyMiddleware authenticates machine callers (scanner apps, drop
// folders) with the per-tenant ingest key. It only runs the check when the
// headers are present, so operator-token requests fall through untouched.
func IngestKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := c.Request.Header.Get("X-Tenant-Id")
		ingestKey := c.Request.Header.Get("X-Ingest-Key")
		if tenantId == "" || ingestKey == "" {
			c.Next()
			return
		}

		tenant, err := models.VerifyTenantIngestKey(c.Request.Context(), tenantId, ingestKey)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTenantIdInContext(c.Request.Context(), tenant.TenantId)
		ctx = utils.SetActorInContext(ctx, "ingest-key")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireTenant guards routes that must run inside a tenant scope. Either
// AuthMiddleware or IngestKeyMiddleware must have resolved the tenant first.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
		if !ok || tenantId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin guards ops tooling routes.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		isAdmin, ok := utils.GetIsAdminFromContext(c.Request.Context())
		if !ok || !isAdmin {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}
