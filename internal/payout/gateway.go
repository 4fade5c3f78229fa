package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"escrowd.org/internal/escrow"
	"escrowd.org/internal/ledger"
	"escrowd.org/internal/obs"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, network errors,
	// gateway overload.
	ErrTransient = errors.New("payout: transient failure")
	// ErrPermanent marks hard rejects such as closed accounts or compliance
	// blocks.
	ErrPermanent = errors.New("payout: permanent failure")
)

// Gateway moves money on the payment rail. Transfer must be idempotent on
// transferID: repeating a confirmed transfer returns nil without moving funds
// again.
type Gateway interface {
	Transfer(ctx context.Context, transferID, account string, amount int64, currency string) error
}

// Classify maps a transfer error onto ErrTransient or ErrPermanent. Only
// errors wrapping ErrPermanent are permanent; timeouts and anything
// unrecognised are retried, which is safe because transfers are idempotent.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPermanent):
		return ErrPermanent
	default:
		return ErrTransient
	}
}

// Transfer is one confirmed movement recorded by FakeGateway.
type Transfer struct {
	ID       string
	Account  string
	Amount   int64
	Currency string
	At       time.Time
}

// FakeGateway is an in-memory rail for tests and demos.
type FakeGateway struct {
	mu        sync.Mutex
	transfers []Transfer
	seen      map[string]struct{}
	calls     int

	// Fail, when set, is consulted before each unconfirmed transfer. A
	// non-nil result fails the call without moving funds.
	Fail func(call int, transferID string) error
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{seen: make(map[string]struct{})}
}

func (g *FakeGateway) Transfer(ctx context.Context, transferID, account string, amount int64, currency string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if _, ok := g.seen[transferID]; ok {
		return nil
	}
	if g.Fail != nil {
		if err := g.Fail(g.calls, transferID); err != nil {
			return err
		}
	}
	g.seen[transferID] = struct{}{}
	g.transfers = append(g.transfers, Transfer{
		ID:       transferID,
		Account:  account,
		Amount:   amount,
		Currency: currency,
		At:       time.Now().UTC(),
	})
	return nil
}

// Transfers returns confirmed transfers in order.
func (g *FakeGateway) Transfers() []Transfer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Transfer(nil), g.transfers...)
}

// Calls returns the number of Transfer invocations, including replays.
func (g *FakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// TotalTo sums confirmed transfers to account.
func (g *FakeGateway) TotalTo(account string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var sum int64
	for _, t := range g.transfers {
		if t.Account == account {
			sum += t.Amount
		}
	}
	return sum
}

// HTTPGateway posts transfers as JSON to a payment service.
type HTTPGateway struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPGateway(baseURL, token string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

type transferRequest struct {
	TransferID string `json:"transfer_id"`
	Account    string `json:"account"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

func (g *HTTPGateway) Transfer(ctx context.Context, transferID, account string, amount int64, currency string) error {
	body, err := json.Marshal(transferRequest{TransferID: transferID, Account: account, Amount: amount, Currency: currency})
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", transferID)
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// already confirmed under this transfer id
		return nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: %s", ErrTransient, resp.Status, strings.TrimSpace(string(msg)))
	default:
		return fmt.Errorf("%w: %s: %s", ErrPermanent, resp.Status, strings.TrimSpace(string(msg)))
	}
}

// LedgerGateway settles payouts on an internal ledger: each transfer moves
// funds from the vault account to the recipient's account.
type LedgerGateway struct {
	Book  ledger.Service
	Vault string
}

func (g *LedgerGateway) Transfer(ctx context.Context, transferID, account string, amount int64, currency string) error {
	_, err := g.Book.Transfer(ctx, g.Vault, account, ledger.Money{Currency: currency, Amount: amount}, transferID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidCurrency),
		errors.Is(err, ledger.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}

// EscrowChanged credits the vault with a funded escrow's amount, so that the
// ledger holds what later payouts draw from. The deposit is keyed by escrow
// id and replays are no-ops.
func (g *LedgerGateway) EscrowChanged(ctx context.Context, c escrow.Change) {
	if c.Event != escrow.EventFund {
		return
	}
	_, err := g.Book.Deposit(ctx, g.Vault, ledger.Money{Currency: c.Escrow.Currency, Amount: c.Escrow.Amount}, "fund/"+c.Escrow.ID)
	if err != nil {
		obs.Component("payout-ledger").WithError(err).WithField("escrow_id", c.Escrow.ID).Error("vault deposit failed")
	}
}
