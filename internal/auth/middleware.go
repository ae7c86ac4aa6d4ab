package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding *Claims of an authenticated request.
const ClaimsKey = "auth_claims"

type errorResp struct {
	Error string `json:"error"`
}

// Gin authenticates every request with a Bearer token or HTTP basic
// credentials. Viewers are limited to GET and HEAD.
func (s *Service) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := s.authenticate(c.Request)
		if !ok {
			c.Header("WWW-Authenticate", `Bearer realm="procyard"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResp{Error: "authentication required"})
			return
		}
		if !claims.CanWrite() && c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.AbortWithStatusJSON(http.StatusForbidden, errorResp{Error: "permission denied"})
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

func (s *Service) authenticate(r *http.Request) (*Claims, bool) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		claims, err := s.Verify(strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")))
		return claims, err == nil
	}
	if user, pass, ok := r.BasicAuth(); ok {
		claims, err := s.CheckPassword(user, pass)
		return claims, err == nil
	}
	return nil, false
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginHandler exchanges {"username", "password"} for a Token.
func (s *Service) LoginHandler(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	tok, err := s.Login(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, tok)
}
