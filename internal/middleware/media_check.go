package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/filmforge/backend/internal/models"
)

const ctxMediaKey contextKey = "parsed_media"

// parsedMedia is stored in context so the handler can read the routing
// fields without re-parsing the body.
type parsedMedia struct {
	MediaType string            `json:"media_type"`
	Items     []json.RawMessage `json:"items"`
}

// MediaTypeFromCtx returns the media type parsed by MediaCheck, or "".
func MediaTypeFromCtx(ctx context.Context) models.MediaType {
	if m, ok := ctx.Value(ctxMediaKey).(*parsedMedia); ok {
		return models.MediaType(m.MediaType)
	}
	return ""
}

// MediaCheck validates the media_type and item count of generation requests
// before any provider work starts. Reads the body to peek at the routing
// fields, then replaces r.Body so downstream handlers can re-read it.
func MediaCheck(maxBatchItems int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AccountFromCtx(r.Context()) == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			bodyBytes, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek parsedMedia
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			if !models.MediaType(peek.MediaType).Valid() {
				http.Error(w, fmt.Sprintf(`{"error":"media type %q is not supported"}`, peek.MediaType), http.StatusBadRequest)
				return
			}
			if maxBatchItems > 0 && len(peek.Items) > maxBatchItems {
				http.Error(w, fmt.Sprintf(`{"error":"%d items exceeds batch limit %d"}`, len(peek.Items), maxBatchItems), http.StatusBadRequest)
				return
			}

			ctx := context.WithValue(r.Context(), ctxMediaKey, &peek)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
