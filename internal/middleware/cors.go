package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS returns the CORS middleware for the widget API, which is embedded on other origins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"https://*", "http://*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", correlationHeader},
		ExposedHeaders:   []string{correlationHeader},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
