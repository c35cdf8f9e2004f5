// Package web holds the HTTP plumbing shared by every route.
package web

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	ErrWildcardOrigin = errors.New("web.cors.wildcard_origin")
	ErrNoOrigins      = errors.New("web.cors.no_origins")
	ErrInvalidOrigin  = errors.New("web.cors.invalid_origin")
)

// ConfigureCORS allows credentialed requests from the supplied origins. Bearer tokens travel in the
// Authorization header and the refresh token in a cookie, so both must be permitted.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", CorrelationIDHeader},
		ExposeHeaders:    []string{"Content-Type", CorrelationIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

// sanitizeOrigins returns the distinct scheme://host origins in sorted order.
func sanitizeOrigins(logger *zap.Logger, rawOrigins []string) ([]string, error) {
	unique := make(map[string]struct{}, len(rawOrigins))
	for _, rawOrigin := range rawOrigins {
		origin, err := normalizeOrigin(rawOrigin)
		if err != nil {
			return nil, err
		}
		if origin == "" {
			continue
		}
		if strings.HasPrefix(origin, "http://") && !isLocalHost(origin[len("http://"):]) {
			logger.Warn("plain http origin allowed for credentialed requests",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", origin))
		}
		unique[origin] = struct{}{}
	}
	if len(unique) == 0 {
		return nil, ErrNoOrigins
	}
	origins := make([]string, 0, len(unique))
	for origin := range unique {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	return origins, nil
}

// normalizeOrigin returns "" for blank input.
func normalizeOrigin(rawOrigin string) (string, error) {
	candidate := strings.TrimSpace(rawOrigin)
	switch candidate {
	case "":
		return "", nil
	case "*":
		return "", ErrWildcardOrigin
	}
	parsed, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidOrigin, candidate, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme != "http" && scheme != "https":
		return "", fmt.Errorf("%w: %q must use http or https", ErrInvalidOrigin, candidate)
	case parsed.Host == "" || parsed.User != nil:
		return "", fmt.Errorf("%w: %q must name a host", ErrInvalidOrigin, candidate)
	case strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "":
		return "", fmt.Errorf("%w: %q must not carry a path, query or fragment", ErrInvalidOrigin, candidate)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), nil
}

func isLocalHost(hostPort string) bool {
	host := hostPort
	if splitHost, _, err := net.SplitHostPort(hostPort); err == nil {
		host = splitHost
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
