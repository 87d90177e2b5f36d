package firestore

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/rasoibox/api/internal/domain"
	pfirestore "github.com/rasoibox/api/internal/platform/firestore"
	"github.com/rasoibox/api/internal/repositories"
)

const customerCollection = "customers"

// CustomerRepository reads customer profiles written by the signup flow. Document IDs are the
// Firebase Auth UIDs.
type CustomerRepository struct {
	base *pfirestore.BaseRepository[customerDocument]
}

var _ repositories.CustomerRepository = (*CustomerRepository)(nil)

func newCustomerRepository(provider *pfirestore.Provider) *CustomerRepository {
	return &CustomerRepository{base: pfirestore.NewBaseRepository[customerDocument](provider, customerCollection)}
}

type customerDocument struct {
	Email            string `firestore:"email"`
	FirstName        string `firestore:"firstName"`
	LastName         string `firestore:"lastName"`
	VerificationCode string `firestore:"verificationCode"`
	Verified         bool   `firestore:"verified"`
}

func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(customerID))
	if err != nil {
		return domain.Customer{}, err
	}
	return decodeCustomer(doc), nil
}

func (r *CustomerRepository) FindByVerificationCode(ctx context.Context, code string) (domain.Customer, error) {
	code = strings.TrimSpace(code)
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("verificationCode", "==", code).Limit(1)
	})
	if err != nil {
		return domain.Customer{}, err
	}
	if len(docs) == 0 {
		return domain.Customer{}, repositories.NewError("customers.find_by_verification_code", repositories.ErrorKindNotFound,
			fmt.Errorf("no customer with verification code %s", code))
	}
	return decodeCustomer(docs[0]), nil
}

func (r *CustomerRepository) FindByEmail(ctx context.Context, email string) (domain.Customer, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("email", "==", email).Limit(1)
	})
	if err != nil {
		return domain.Customer{}, err
	}
	if len(docs) == 0 {
		return domain.Customer{}, repositories.NewError("customers.find_by_email", repositories.ErrorKindNotFound,
			fmt.Errorf("no customer with email %s", email))
	}
	return decodeCustomer(docs[0]), nil
}

// Save writes a customer profile.
func (r *CustomerRepository) Save(ctx context.Context, customer domain.Customer) error {
	return r.base.Set(ctx, customer.ID, customerDocument{
		Email:            customer.Email,
		FirstName:        customer.FirstName,
		LastName:         customer.LastName,
		VerificationCode: customer.VerificationCode,
		Verified:         customer.Verified,
	})
}

func decodeCustomer(doc pfirestore.Document[customerDocument]) domain.Customer {
	return domain.Customer{
		ID:               doc.ID,
		Email:            doc.Data.Email,
		FirstName:        doc.Data.FirstName,
		LastName:         doc.Data.LastName,
		VerificationCode: doc.Data.VerificationCode,
		Verified:         doc.Data.Verified,
	}
}
