package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mailqueue/internal/config"
)

// requireAdmin accepts either the configured bearer token or a caller from an
// allowed network.
func (s *Server) requireAdmin(c *gin.Context) bool {
	if token := bearerToken(c.GetHeader("Authorization")); token != "" && s.opts.AdminToken != "" {
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) == 1 {
			return true
		}
		s.log.Warnw("Rejected admin token", "client", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "Token inválido"})
		return false
	}
	if config.NetworkAllowed(net.ParseIP(c.ClientIP()), s.opts.AllowNetworks) {
		return true
	}
	s.log.Warnw("Rejected admin request", "client", c.ClientIP(), "path", c.FullPath())
	c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: "No autorizado"})
	return false
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
