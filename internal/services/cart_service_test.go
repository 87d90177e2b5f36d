package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/rasoibox/api/internal/domain"
)

func newCartFixture(t *testing.T) (*checkoutFixture, CartService) {
	t.Helper()
	f := newCheckoutFixture(t, nil)
	svc, err := NewCartService(CartServiceDeps{
		Carts:     f.store.Carts(),
		Pricing:   f.store.Pricing(),
		Customers: f.store.Customers(),
		Clock:     f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	return f, svc
}

func TestNewCartServiceRequiresRepositories(t *testing.T) {
	if _, err := NewCartService(CartServiceDeps{}); err == nil {
		t.Fatalf("expected error for missing repositories")
	}
}

func TestCartServiceUpdateAndPrice(t *testing.T) {
	_, svc := newCartFixture(t)
	ctx := context.Background()

	cart, err := svc.UpdateItem(ctx, UpdateCartItemCommand{
		CartOwnerQuery: CartOwnerQuery{CustomerID: "cust_1"},
		RecipeID:       "chana",
		ServingSize:    4,
	})
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if cart.Owner != "VC1" || len(cart.Lines) != 1 || cart.SubtotalCents != 2500 {
		t.Fatalf("unexpected cart %+v", cart)
	}
	if cart.Lines[0].RecipeName != "Chana Masala" {
		t.Fatalf("expected recipe name from catalog, got %q", cart.Lines[0].RecipeName)
	}

	cart, err = svc.UpdateItem(ctx, UpdateCartItemCommand{
		CartOwnerQuery: CartOwnerQuery{VerificationCode: "VC1"},
		RecipeID:       "dal",
		ServingSize:    2,
	})
	if err != nil {
		t.Fatalf("UpdateItem by verification code: %v", err)
	}
	if cart.SubtotalCents != 4000 || len(cart.Lines) != 2 {
		t.Fatalf("unexpected cart after second item %+v", cart)
	}

	cart, err = svc.UpdateItem(ctx, UpdateCartItemCommand{
		CartOwnerQuery: CartOwnerQuery{CustomerID: "cust_1"},
		RecipeID:       "chana",
		ServingSize:    0,
	})
	if err != nil {
		t.Fatalf("UpdateItem remove: %v", err)
	}
	if len(cart.Lines) != 1 || cart.Lines[0].RecipeID != "dal" {
		t.Fatalf("expected only dal left, got %+v", cart.Lines)
	}

	got, err := svc.GetCart(ctx, CartOwnerQuery{CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if got.SubtotalCents != 1500 {
		t.Fatalf("expected subtotal 1500, got %d", got.SubtotalCents)
	}
}

func TestCartServiceRemovingMissingItemIsNoop(t *testing.T) {
	_, svc := newCartFixture(t)
	cart, err := svc.UpdateItem(context.Background(), UpdateCartItemCommand{
		CartOwnerQuery: CartOwnerQuery{CustomerID: "cust_1"},
		RecipeID:       "chana",
	})
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if len(cart.Lines) != 0 {
		t.Fatalf("expected empty cart, got %+v", cart.Lines)
	}
}

func TestCartServiceValidation(t *testing.T) {
	f, svc := newCartFixture(t)
	f.seedCustomer(t, domain.Customer{ID: "cust_2", Email: "b@example.com", FirstName: "Ben", VerificationCode: "VC2", Verified: true})
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  UpdateCartItemCommand
		want error
	}{
		{
			name: "no owner",
			cmd:  UpdateCartItemCommand{RecipeID: "chana", ServingSize: 4},
			want: ErrCartInvalidInput,
		},
		{
			name: "unknown code",
			cmd:  UpdateCartItemCommand{CartOwnerQuery: CartOwnerQuery{VerificationCode: "NOPE"}, RecipeID: "chana", ServingSize: 4},
			want: ErrCartNotFound,
		},
		{
			name: "someone else's code",
			cmd:  UpdateCartItemCommand{CartOwnerQuery: CartOwnerQuery{CustomerID: "cust_1", VerificationCode: "VC2"}, RecipeID: "chana", ServingSize: 4},
			want: ErrCartInvalidInput,
		},
		{
			name: "bad serving size",
			cmd:  UpdateCartItemCommand{CartOwnerQuery: CartOwnerQuery{CustomerID: "cust_1"}, RecipeID: "chana", ServingSize: 3},
			want: ErrCartInvalidInput,
		},
		{
			name: "size not offered",
			cmd:  UpdateCartItemCommand{CartOwnerQuery: CartOwnerQuery{CustomerID: "cust_1"}, RecipeID: "chana", ServingSize: 6},
			want: ErrCartNotFound,
		},
		{
			name: "missing recipe",
			cmd:  UpdateCartItemCommand{CartOwnerQuery: CartOwnerQuery{CustomerID: "cust_1"}, ServingSize: 2},
			want: ErrCartInvalidInput,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.UpdateItem(ctx, tc.cmd)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
