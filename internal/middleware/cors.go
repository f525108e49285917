package middleware

import (
	"time"

	"liveconsult/internal/config"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS builds the gin-contrib/cors middleware from config. An empty or "*"
// origin list allows every origin without credentials.
func CORS(cc config.CORSConfig) gin.HandlerFunc {
	if !cc.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	methods := cc.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	headers := cc.AllowedHeaders
	if len(headers) == 0 || (len(headers) == 1 && headers[0] == "*") {
		headers = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"}
	}
	c := cors.Config{
		AllowMethods:  methods,
		AllowHeaders:  headers,
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if allowAll(cc.AllowedOrigins) {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cc.AllowedOrigins
		c.AllowCredentials = true
	}
	return cors.New(c)
}

func allowAll(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
