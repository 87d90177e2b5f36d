package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rasoibox/api/internal/platform/httpx"
	"github.com/rasoibox/api/internal/services"
)

// CatalogHandlers serve the public, unauthenticated catalog.
type CatalogHandlers struct {
	catalog services.CatalogService
}

func NewCatalogHandlers(catalog services.CatalogService) *CatalogHandlers {
	return &CatalogHandlers{catalog: catalog}
}

func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/catalog", h.listCatalog)
}

type catalogSizePayload struct {
	ServingSize int    `json:"servingSize"`
	Price       string `json:"price"`
	PriceCents  int64  `json:"priceCents"`
}

type catalogItemPayload struct {
	RecipeID    string               `json:"recipeId"`
	RecipeName  string               `json:"recipeName"`
	Description string               `json:"description,omitempty"`
	ImageURL    string               `json:"imageUrl,omitempty"`
	Sizes       []catalogSizePayload `json:"sizes"`
}

func (h *CatalogHandlers) listCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	items, err := h.catalog.ListAvailable(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "failed to load catalog", http.StatusServiceUnavailable))
		return
	}
	payload := make([]catalogItemPayload, 0, len(items))
	for _, item := range items {
		out := catalogItemPayload{
			RecipeID:    item.RecipeID,
			RecipeName:  item.RecipeName,
			Description: item.Description,
			ImageURL:    item.ImageURL,
			Sizes:       make([]catalogSizePayload, 0, len(item.ServingSizes)),
		}
		for i, size := range item.ServingSizes {
			var cents int64
			if i < len(item.PricesCents) {
				cents = item.PricesCents[i]
			}
			out.Sizes = append(out.Sizes, catalogSizePayload{ServingSize: size, Price: centsToDecimal(cents), PriceCents: cents})
		}
		payload = append(payload, out)
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": payload})
}
