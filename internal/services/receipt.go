package services

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/rasoibox/api/internal/domain"
)

// ReceiptMessage is the outbox payload queued when an order completes.
type ReceiptMessage struct {
	OrderID       string                   `json:"orderId"`
	OrderCode     string                   `json:"orderCode"`
	CustomerID    string                   `json:"customerId"`
	Email         string                   `json:"email"`
	FirstName     string                   `json:"firstName"`
	Recipient     domain.Recipient         `json:"recipient"`
	Address       domain.Address           `json:"address"`
	Lines         []ReceiptLine            `json:"lines"`
	Discounts     []domain.AppliedDiscount `json:"discounts"`
	SubtotalCents int64                    `json:"subtotalCents"`
	TotalCents    int64                    `json:"totalCents"`
	CompletedAt   time.Time                `json:"completedAt"`
}

// ReceiptLine is one recipe on a receipt.
type ReceiptLine struct {
	RecipeID    string `json:"recipeId"`
	RecipeName  string `json:"recipeName"`
	ServingSize int    `json:"servingSize"`
	PriceCents  int64  `json:"priceCents"`
}

// RenderedReceipt is the mail-ready form of a receipt.
type RenderedReceipt struct {
	Subject string
	HTML    string
}

// ReceiptRendererConfig configures receipt rendering.
type ReceiptRendererConfig struct {
	FrontendBaseURL string
	Language        language.Tag
}

// ReceiptRenderer renders receipt HTML from outbox payloads.
type ReceiptRenderer struct {
	tmpl    *template.Template
	baseURL string
	printer *message.Printer
	policy  *bluemonday.Policy
}

// NewReceiptRenderer parses the receipt template.
func NewReceiptRenderer(cfg ReceiptRendererConfig) (*ReceiptRenderer, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.FrontendBaseURL), "/")
	if base == "" {
		return nil, errors.New("receipt renderer: frontend base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("receipt renderer: invalid frontend base url: %w", err)
	}
	tag := cfg.Language
	if tag == language.Und {
		tag = language.AmericanEnglish
	}
	tmpl, err := template.New("receipt").Parse(receiptTemplate)
	if err != nil {
		return nil, fmt.Errorf("receipt renderer: parse template: %w", err)
	}
	return &ReceiptRenderer{
		tmpl:    tmpl,
		baseURL: base,
		printer: message.NewPrinter(tag),
		policy:  bluemonday.StrictPolicy(),
	}, nil
}

type receiptView struct {
	FirstName         string
	OrderCode         string
	OrderURL          string
	RecipientName     string
	AddressLines      []string
	Lines             []receiptLineView
	Discounts         []receiptDiscountView
	Subtotal          string
	Total             string
	EstimatedDelivery string
}

type receiptLineView struct {
	Name  string
	Price string
}

type receiptDiscountView struct {
	Name  string
	Value string
}

// Render produces the receipt email for msg. Customer supplied text is stripped of markup.
func (r *ReceiptRenderer) Render(msg ReceiptMessage) (RenderedReceipt, error) {
	if r == nil || r.tmpl == nil {
		return RenderedReceipt{}, errors.New("receipt renderer: not initialised")
	}
	if strings.TrimSpace(msg.OrderCode) == "" {
		return RenderedReceipt{}, errors.New("receipt renderer: order code is required")
	}

	view := receiptView{
		FirstName:         r.clean(msg.FirstName),
		OrderCode:         msg.OrderCode,
		OrderURL:          r.baseURL + "/order?orderId=" + url.QueryEscape(msg.OrderCode),
		RecipientName:     strings.TrimSpace(r.clean(msg.Recipient.FirstName) + " " + r.clean(msg.Recipient.LastName)),
		Subtotal:          r.money(msg.SubtotalCents),
		Total:             r.money(msg.TotalCents),
		EstimatedDelivery: EstimatedDelivery(msg.CompletedAt).Format("Mon, Jan 02, 2006"),
	}
	for _, line := range []string{msg.Address.Line1, msg.Address.Line2} {
		if cleaned := r.clean(line); cleaned != "" {
			view.AddressLines = append(view.AddressLines, cleaned)
		}
	}
	cityLine := strings.TrimSpace(fmt.Sprintf("%s, %s %s", r.clean(msg.Address.City), r.clean(msg.Address.State), r.clean(msg.Address.Zipcode)))
	if strings.Trim(cityLine, ", ") != "" {
		view.AddressLines = append(view.AddressLines, cityLine)
	}
	for _, line := range msg.Lines {
		view.Lines = append(view.Lines, receiptLineView{
			Name:  fmt.Sprintf("%d servings of %s", line.ServingSize, r.clean(line.RecipeName)),
			Price: r.money(line.PriceCents),
		})
	}
	for _, discount := range msg.Discounts {
		value := ""
		switch {
		case discount.AmountOffCents != nil:
			value = "-" + r.money(*discount.AmountOffCents)
		case discount.PercentOff != nil:
			value = r.printer.Sprintf("-%.0f%%", *discount.PercentOff)
		}
		view.Discounts = append(view.Discounts, receiptDiscountView{Name: discount.Name, Value: value})
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, view); err != nil {
		return RenderedReceipt{}, fmt.Errorf("receipt renderer: execute template: %w", err)
	}
	return RenderedReceipt{
		Subject: fmt.Sprintf("Your Rasoi Box order #%s", msg.OrderCode),
		HTML:    buf.String(),
	}, nil
}

func (r *ReceiptRenderer) clean(s string) string {
	return strings.TrimSpace(r.policy.Sanitize(s))
}

func (r *ReceiptRenderer) money(cents int64) string {
	return r.printer.Sprint(currency.Symbol(currency.USD.Amount(domain.CentsToDollars(cents))))
}

// EstimatedDelivery returns the Sunday deliveries go out for an order placed at t: the coming Sunday
// for orders placed Monday through Wednesday, the Sunday after otherwise.
func EstimatedDelivery(t time.Time) time.Time {
	// Monday = 0 ... Sunday = 6
	dayOfWeek := (int(t.Weekday()) + 6) % 7
	days := 6 - dayOfWeek
	if dayOfWeek >= 3 {
		days += 7
	}
	return t.AddDate(0, 0, days)
}

const receiptTemplate = `<!DOCTYPE html>
<html>
<body>
<p>Hi {{.FirstName}},</p>
<p>Thanks for your order <strong>#{{.OrderCode}}</strong>. Estimated delivery: {{.EstimatedDelivery}}.</p>
<table>
{{range .Lines}}<tr><td>{{.Name}}</td><td>{{.Price}}</td></tr>
{{end}}<tr><td>Subtotal</td><td>{{.Subtotal}}</td></tr>
{{range .Discounts}}<tr><td>Promo {{.Name}}</td><td>{{.Value}}</td></tr>
{{end}}<tr><td><strong>Total</strong></td><td><strong>{{.Total}}</strong></td></tr>
</table>
<p>Delivering to {{.RecipientName}}<br>{{range .AddressLines}}{{.}}<br>{{end}}</p>
<p><a href="{{.OrderURL}}">View your order</a></p>
</body>
</html>
`
