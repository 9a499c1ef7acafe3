// Package payments backs the dispatcher's createInvoiceLink,
// getStarTransactions, and refundStarPayment methods behind a
// PaymentProvider interface. Telegram's own Stars payment rails are out of
// scope for this gateway (spec §1 treats payments as a thin pass-through
// surface), so this package stands Stripe's PaymentIntent/charge/refund
// vocabulary in as the concrete local ledger those three methods need to
// exercise, grounded on the teacher pack's stripeclient.StripeClient
// (ruslan-hut-wfsync/internal/stripeclient/stripeclient.go — the
// client.API{}.Init idiom for constructing the SDK client).
package payments

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// InvoiceRequest is createInvoiceLink's argument set, narrowed to the
// fields this provider needs; the dispatcher handles the rest of the Bot
// API's invoice fields (title, description, photo) as opaque metadata.
type InvoiceRequest struct {
	ChatID      int64
	Title       string
	Description string
	Payload     string
	Currency    string // "XTR" for Telegram Stars, else an ISO currency code
	Amount      int64  // minor units, or star count when Currency == "XTR"
}

// StarTransaction is one row of getStarTransactions' result.
type StarTransaction struct {
	ID       string
	Amount   int64
	Currency string
	Date     int64
}

// PaymentProvider is the narrow surface the dispatcher calls through; kept
// as an interface so a test double can stand in without hitting Stripe.
type PaymentProvider interface {
	CreateInvoiceLink(ctx context.Context, req InvoiceRequest) (string, error)
	GetStarTransactions(ctx context.Context, offset, limit int) ([]StarTransaction, error)
	RefundStarPayment(ctx context.Context, userID int64, chargeID string) error
}

// StripeProvider is the concrete, Stripe-backed PaymentProvider.
type StripeProvider struct {
	sc *client.API
}

// New constructs a StripeProvider from an API key, mirroring the teacher's
// client.API{}.Init(apiKey, nil) construction.
func New(apiKey string) *StripeProvider {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeProvider{sc: sc}
}

// CreateInvoiceLink creates a PaymentIntent and returns its client secret
// as the invoice link payload; the Bot API's actual invoice-link rendering
// happens on the Telegram client side and is out of scope here.
func (p *StripeProvider) CreateInvoiceLink(ctx context.Context, req InvoiceRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(normalizeCurrency(req.Currency)),
		Description: stripe.String(req.Description),
	}
	params.AddMetadata("payload", req.Payload)
	params.AddMetadata("chat_id", fmt.Sprintf("%d", req.ChatID))
	params.Context = ctx

	pi, err := p.sc.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("payments: create invoice: %w", err)
	}
	return pi.ClientSecret, nil
}

// GetStarTransactions lists the provider's payment intents as a stand-in
// for the Bot API's StarTransactions list, honoring offset/limit paging.
func (p *StripeProvider) GetStarTransactions(ctx context.Context, offset, limit int) ([]StarTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	params := &stripe.PaymentIntentListParams{}
	params.Filters.AddFilter("limit", "", fmt.Sprintf("%d", limit))
	params.Context = ctx

	iter := p.sc.PaymentIntents.List(params)
	var out []StarTransaction
	i := 0
	for iter.Next() {
		if i < offset {
			i++
			continue
		}
		pi := iter.PaymentIntent()
		out = append(out, StarTransaction{
			ID:       pi.ID,
			Amount:   pi.Amount,
			Currency: string(pi.Currency),
			Date:     pi.Created,
		})
		i++
		if len(out) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("payments: list transactions: %w", err)
	}
	return out, nil
}

// RefundStarPayment refunds a prior charge in full; userID is accepted to
// match the Bot API's signature but is not itself sent to Stripe — the
// charge id alone identifies the payment intent to refund.
func (p *StripeProvider) RefundStarPayment(ctx context.Context, userID int64, chargeID string) error {
	_ = userID
	params := &stripe.RefundParams{PaymentIntent: stripe.String(chargeID)}
	params.Context = ctx
	if _, err := p.sc.Refunds.New(params); err != nil {
		return fmt.Errorf("payments: refund %s: %w", chargeID, err)
	}
	return nil
}

func normalizeCurrency(currency string) string {
	if currency == "" || currency == "XTR" {
		return "usd"
	}
	return currency
}
