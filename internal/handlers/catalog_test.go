package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/rasoibox/api/internal/services"
)

func TestCatalogHandlersListCatalog(t *testing.T) {
	router := chi.NewRouter()
	NewCatalogHandlers(&stubCatalogService{
		listFunc: func(context.Context) ([]services.CatalogItem, error) {
			return []services.CatalogItem{{
				RecipeID:     "dal",
				RecipeName:   "Dal Makhani",
				ServingSizes: []int{2, 4},
				PricesCents:  []int64{1500, 2700},
			}}, nil
		},
	}).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/catalog", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("Cache-Control") == "" {
		t.Fatalf("expected cache headers")
	}
	var resp struct {
		Items []catalogItemPayload `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 || len(resp.Items[0].Sizes) != 2 || resp.Items[0].Sizes[1].Price != "27.00" {
		t.Fatalf("unexpected catalog %+v", resp.Items)
	}
}

func TestCatalogHandlersListCatalogFailure(t *testing.T) {
	router := chi.NewRouter()
	NewCatalogHandlers(&stubCatalogService{
		listFunc: func(context.Context) ([]services.CatalogItem, error) {
			return nil, errors.New("firestore down")
		},
	}).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/catalog", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
