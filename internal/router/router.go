package router

import (
	"net/http"

	"github.com/filmforge/backend/internal/auth"
	"github.com/filmforge/backend/internal/handlers"
	"github.com/filmforge/backend/internal/middleware"
	"github.com/filmforge/backend/internal/models"
	"github.com/filmforge/backend/internal/registry"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Auth          *auth.Handler
	Authn         middleware.Authenticator
	Generate      *handlers.GenerateHandler
	Batch         *handlers.BatchHandler
	Regen         *handlers.RegenHandler
	Credits       *handlers.CreditsHandler
	Registry      *registry.Registry
	MaxBatchItems int
}

// New returns the API handler. Public routes: auth and the provider catalog.
// Everything under /v1 requires a bearer token (API key or session JWT).
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	// Public.
	mux.HandleFunc("POST /v1/auth/register", d.Auth.Register)
	mux.HandleFunc("POST /v1/auth/login", d.Auth.Login)
	mux.Handle("GET /v1/providers", handlers.ListProviders(d.Registry))

	bearer := middleware.BearerAuth(d.Authn)
	mediaCheck := middleware.MediaCheck(d.MaxBatchItems)
	approver := middleware.RequireRole(models.RoleApprover)

	// Account.
	mux.Handle("GET /v1/account/me", bearer(http.HandlerFunc(d.Auth.Me)))
	mux.Handle("PUT /v1/account/provider-credentials", bearer(http.HandlerFunc(d.Auth.SetCredential)))
	mux.Handle("DELETE /v1/account/provider-credentials/{mediaType}", bearer(http.HandlerFunc(d.Auth.RemoveCredential)))
	mux.Handle("POST /v1/account/api-keys", bearer(http.HandlerFunc(d.Auth.CreateAPIKey)))

	// Generation.
	mux.Handle("POST /v1/generate", bearer(http.HandlerFunc(d.Generate.Generate)))
	mux.Handle("GET /v1/generations", bearer(http.HandlerFunc(d.Generate.ListGenerations)))
	mux.Handle("GET /v1/generations/{id}", bearer(http.HandlerFunc(d.Generate.GetGeneration)))

	// Batches. Creation goes through the media-type guard.
	mux.Handle("POST /v1/batch", bearer(mediaCheck(http.HandlerFunc(d.Batch.Create))))
	mux.Handle("GET /v1/batch/{id}", bearer(http.HandlerFunc(d.Batch.Get)))
	mux.Handle("DELETE /v1/batch/{id}", bearer(http.HandlerFunc(d.Batch.Cancel)))

	// Regeneration requests.
	mux.Handle("POST /v1/regeneration-requests", bearer(http.HandlerFunc(d.Regen.Submit)))
	mux.Handle("POST /v1/regeneration-requests/review", bearer(approver(http.HandlerFunc(d.Regen.Review))))
	mux.Handle("GET /v1/regeneration-requests", bearer(http.HandlerFunc(d.Regen.ListByBatch)))
	mux.Handle("POST /v1/regeneration-requests/{id}/consume", bearer(http.HandlerFunc(d.Regen.Consume)))

	// Credits.
	mux.Handle("GET /v1/credits", bearer(http.HandlerFunc(d.Credits.Balance)))
	mux.Handle("GET /v1/credits/ledger", bearer(http.HandlerFunc(d.Credits.History)))
	mux.Handle("POST /v1/credits/grant", bearer(approver(http.HandlerFunc(d.Credits.Grant))))
	mux.Handle("POST /v1/credits/refund", bearer(approver(http.HandlerFunc(d.Credits.Refund))))

	return mux
}
