// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS builds the cross-origin policy middleware from the allowed origin
// list. A "*" entry admits every origin; any other entry must match the
// request origin exactly.
//
// The API authenticates with cookies and bearer headers, and the CORS spec
// rejects the literal "*" together with credentials, so wildcard responses
// reflect the caller's Origin instead whenever one is present.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestOrigin := c.Request.Header.Get("Origin")
		if origin, credentials, ok := resolveOrigin(allowedOrigins, requestOrigin); ok {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		// Preflight requests end here.
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// resolveOrigin picks the Access-Control-Allow-Origin value for a request
// origin and reports whether credentials may accompany it.
func resolveOrigin(allowed []string, origin string) (value string, credentials, ok bool) {
	for _, entry := range allowed {
		switch {
		case entry == "*" && origin != "":
			return origin, true, true
		case entry == "*":
			// Same-origin requests, curl, and the scanner hook send no Origin.
			return "*", false, true
		case entry == origin:
			return origin, true, true
		}
	}
	return "", false, false
}
