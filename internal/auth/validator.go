// Package auth authenticates API callers. A caller presents either a static
// API token mapped to a user id, or an HS256 JWT whose subject is the user id.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rossigee/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

// DevToken is accepted for DevUserID when no credentials are configured and
// development tokens are allowed
const (
	DevToken  = "dev-token-12345"
	DevUserID = "dev-user"
)

// UserIDKey is the gin context key holding the authenticated user id
const UserIDKey = "user_id"

var (
	// ErrMissingToken is returned when the request carries no credentials
	ErrMissingToken = errors.New("missing credentials")
	// ErrInvalidToken is returned when credentials do not verify
	ErrInvalidToken = errors.New("invalid credentials")
)

// Config configures a Validator
type Config struct {
	JWTSecret     string
	JWTIssuer     string
	TokensFile    string
	AllowDevToken bool
	// AllowQueryToken accepts ?access_token= for clients such as EventSource
	// that cannot set headers
	AllowQueryToken bool
}

// Validator handles authentication validation
type Validator struct {
	jwtSecret  []byte
	jwtIssuer  string
	apiTokens  map[string]string // token -> user id
	queryToken bool
	now        func() time.Time
}

// NewValidator creates a validator from cfg. A missing tokens file is not an
// error; with no credentials at all it either registers DevToken or fails.
func NewValidator(cfg Config) (*Validator, error) {
	v := &Validator{
		jwtSecret:  []byte(cfg.JWTSecret),
		jwtIssuer:  cfg.JWTIssuer,
		apiTokens:  make(map[string]string),
		queryToken: cfg.AllowQueryToken,
		now:        time.Now,
	}

	if err := v.loadAPITokens(cfg.TokensFile); err != nil {
		return nil, fmt.Errorf("failed to load API tokens: %w", err)
	}

	if len(v.jwtSecret) == 0 && len(v.apiTokens) == 0 {
		if !cfg.AllowDevToken {
			return nil, errors.New("no JWT secret or API tokens configured")
		}
		v.apiTokens[DevToken] = DevUserID
		logrus.WithField("user_id", DevUserID).Warn("No credentials configured, accepting development token")
	}

	return v, nil
}

// loadAPITokens reads "token user-id" pairs, one per line. Blank lines and
// lines starting with # are skipped.
func (v *Validator) loadAPITokens(path string) error {
	if path == "" {
		return nil
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		logrus.WithField("path", path).Warn("API tokens file not found")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("%s:%d: expected \"token user-id\"", path, lineNo)
		}
		v.apiTokens[fields[0]] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"path":   path,
		"tokens": len(v.apiTokens),
	}).Info("Loaded API tokens")
	return nil
}

// Authenticate resolves a raw token to a user id
func (v *Validator) Authenticate(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	if userID, ok := v.apiTokens[token]; ok {
		return userID, nil
	}
	if len(v.jwtSecret) == 0 {
		return "", ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(v.jwtIssuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return v.jwtSecret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// IssueToken signs an HS256 token for userID valid for ttl
func (v *Validator) IssueToken(userID string, ttl time.Duration) (string, error) {
	if len(v.jwtSecret) == 0 {
		return "", errors.New("no JWT secret configured")
	}

	now := v.now()
	claims := &jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.jwtIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.jwtSecret)
}

// Middleware returns Gin middleware for authentication. Unauthenticated
// requests are rejected with 401 before any handler runs.
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := v.Authenticate(v.extractToken(c))
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"path":   c.FullPath(),
				"client": c.ClientIP(),
			}).WithError(err).Debug("Rejected unauthenticated request")

			c.AbortWithStatusJSON(http.StatusUnauthorized, types.ErrorResponse{
				Error:   "authentication required",
				Message: "provide a valid bearer token or API token",
				Code:    http.StatusUnauthorized,
			})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// extractToken reads the Authorization bearer, X-API-Token, or, when allowed,
// the access_token query parameter
func (v *Validator) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return strings.TrimSpace(token)
	}

	if token := c.GetHeader("X-API-Token"); token != "" {
		return token
	}

	if v.queryToken {
		return c.Query("access_token")
	}
	return ""
}

// UserID returns the authenticated user id set by Middleware
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
