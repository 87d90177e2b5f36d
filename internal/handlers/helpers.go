package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/platform/httpx"
)

const defaultMaxBody = 16 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads a bounded JSON body into dst and writes the error response itself when it
// fails. Optional bodies tolerate an empty payload.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, optional bool, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	switch {
	case errors.Is(err, errEmptyBody) && optional:
		return true
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusRequestEntityTooLarge))
		return false
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// centsToDecimal renders minor units as a two decimal string for clients.
func centsToDecimal(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	frac := strconv.FormatInt(cents%100, 10)
	if len(frac) == 1 {
		frac = "0" + frac
	}
	return sign + strconv.FormatInt(cents/100, 10) + "." + frac
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

type addressPayload struct {
	Line1   string `json:"line1"`
	Line2   string `json:"line2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zipcode string `json:"zipcode"`
}

type recipientPayload struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type appliedDiscountPayload struct {
	Name       string   `json:"name"`
	AmountOff  string   `json:"amountOff,omitempty"`
	PercentOff *float64 `json:"percentOff,omitempty"`
}

type orderPayload struct {
	ID            string                   `json:"id"`
	Code          string                   `json:"code"`
	Status        string                   `json:"status"`
	Recipient     recipientPayload         `json:"recipient"`
	Address       addressPayload           `json:"address"`
	Phone         string                   `json:"phone,omitempty"`
	Recipes       map[string]int           `json:"recipes"`
	DiscountCodes []string                 `json:"discountCodes"`
	Items         map[string]string        `json:"items"`
	Discounts     []appliedDiscountPayload `json:"discounts"`
	Total         string                   `json:"total"`
	TotalCents    int64                    `json:"totalCents"`
	Delivered     bool                     `json:"delivered"`
	CreatedAt     string                   `json:"createdAt"`
	UpdatedAt     string                   `json:"updatedAt,omitempty"`
	CompletedAt   string                   `json:"completedAt,omitempty"`
	CanceledAt    string                   `json:"canceledAt,omitempty"`
	DeliveredAt   string                   `json:"deliveredAt,omitempty"`
	CustomerID    string                   `json:"customerId,omitempty"`
}

func newOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:     order.ID,
		Code:   order.Code,
		Status: string(order.Status),
		Recipient: recipientPayload{
			FirstName: order.Recipient.FirstName,
			LastName:  order.Recipient.LastName,
		},
		Address: addressPayload{
			Line1:   order.Address.Line1,
			Line2:   order.Address.Line2,
			City:    order.Address.City,
			State:   order.Address.State,
			Zipcode: order.Address.Zipcode,
		},
		Phone:         order.Phone,
		Recipes:       order.Recipes,
		DiscountCodes: order.DiscountCodes,
		Items:         make(map[string]string, len(order.Breakdown.Items)),
		Discounts:     make([]appliedDiscountPayload, 0, len(order.Breakdown.PromoCodes)),
		Total:         centsToDecimal(order.TotalCents),
		TotalCents:    order.TotalCents,
		Delivered:     order.Delivered,
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
		CompletedAt:   formatTimePtr(order.CompletedAt),
		CanceledAt:    formatTimePtr(order.CanceledAt),
		DeliveredAt:   formatTimePtr(order.DeliveredAt),
	}
	if payload.Recipes == nil {
		payload.Recipes = map[string]int{}
	}
	if payload.DiscountCodes == nil {
		payload.DiscountCodes = []string{}
	}
	for priceRef, cents := range order.Breakdown.Items {
		payload.Items[priceRef] = centsToDecimal(cents)
	}
	for _, applied := range order.Breakdown.PromoCodes {
		out := appliedDiscountPayload{Name: applied.Name, PercentOff: applied.PercentOff}
		if applied.AmountOffCents != nil {
			out.AmountOff = centsToDecimal(*applied.AmountOffCents)
		}
		payload.Discounts = append(payload.Discounts, out)
	}
	if order.CustomerID != nil {
		payload.CustomerID = *order.CustomerID
	}
	return payload
}

type discountPayload struct {
	Name             string   `json:"name"`
	AmountOff        string   `json:"amountOff,omitempty"`
	PercentOff       *float64 `json:"percentOff,omitempty"`
	Redemptions      int64    `json:"redemptions"`
	EligibleIdentity string   `json:"eligibleIdentity,omitempty"`
	ExpiresAt        string   `json:"expiresAt,omitempty"`
	Active           bool     `json:"active"`
}

func newDiscountPayload(code domain.DiscountCode) discountPayload {
	out := discountPayload{
		Name:        code.Name,
		PercentOff:  code.PercentOff,
		Redemptions: code.Redemptions,
		ExpiresAt:   formatTimePtr(code.ExpiresAt),
		Active:      code.Active,
	}
	if code.AmountOffCents != nil {
		out.AmountOff = centsToDecimal(*code.AmountOffCents)
	}
	if code.EligibleIdentity != nil {
		out.EligibleIdentity = *code.EligibleIdentity
	}
	return out
}
