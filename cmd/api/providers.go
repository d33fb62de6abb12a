package main

import (
	"github.com/filmforge/backend/internal/config"
	"github.com/filmforge/backend/internal/models"
	"github.com/filmforge/backend/internal/providers/modalimage"
	"github.com/filmforge/backend/internal/providers/modalvideo"
	"github.com/filmforge/backend/internal/registry"
	"github.com/filmforge/backend/internal/storage"
)

// registerProviders wires every configured adapter into the registry.
// Adapters without an endpoint configured are skipped.
func registerProviders(reg *registry.Registry, cfg config.Config, store *storage.FileStore) {
	if cfg.ModalImageEndpoint != "" {
		reg.Register(modalimage.Descriptor(), modalimage.New(store), models.ProviderConfig{
			Provider:  modalimage.ProviderName,
			MediaType: models.MediaImage,
			Endpoint:  cfg.ModalImageEndpoint,
			APIKey:    cfg.ModalImageAPIKey,
		})
	}
	if cfg.ModalVideoEndpoint != "" {
		reg.Register(modalvideo.Descriptor(), modalvideo.New(), models.ProviderConfig{
			Provider:  modalvideo.ProviderName,
			MediaType: models.MediaVideo,
			Endpoint:  cfg.ModalVideoEndpoint,
			APIKey:    cfg.ModalVideoAPIKey,
		})
	}
}
