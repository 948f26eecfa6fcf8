// Package accounting is the resilient façade over the accounting backend.
// Every operation returns a value or a classified *Error, reference data
// is served from a TTL cache, and throttled calls are retried with
// exponential backoff. Other failures are returned immediately.
package accounting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/ristretto"
)

const chartKey = "chart_of_accounts"

// RetryPolicy bounds retries of rate-limited calls.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
}

// Options configures a Gateway.
type Options struct {
	CacheTTL    time.Duration // reference entries
	AccountsTTL time.Duration // chart of accounts as a unit
	Retry       RetryPolicy
	Logger      *slog.Logger
	Now         func() time.Time
}

// Gateway exposes one method per accounting concept. It is safe for
// concurrent use by many conversations.
type Gateway struct {
	backend Backend
	refs    *RefStore
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	accounts *ristretto.Cache

	staleMu sync.Mutex
	stale   []Account
}

// NewGateway wires a backend to the reference cache.
func NewGateway(backend Backend, refs *RefStore, opts Options) (*Gateway, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.AccountsTTL <= 0 {
		opts.AccountsTTL = time.Hour
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry.InitialInterval = 2 * time.Second
	}
	if opts.Retry.MaxInterval <= 0 {
		opts.Retry.MaxInterval = 30 * time.Second
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create accounts cache: %w", err)
	}

	return &Gateway{
		backend:  backend,
		refs:     refs,
		opts:     opts,
		logger:   opts.Logger,
		now:      opts.Now,
		accounts: cache,
	}, nil
}

// Close releases the in-memory caches.
func (g *Gateway) Close() {
	g.accounts.Close()
}

// call runs fn, retrying only KindRateLimit failures with exponential
// backoff up to the policy's MaxRetries.
func call[T any](ctx context.Context, g *Gateway, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.Retry.InitialInterval
	b.MaxInterval = g.opts.Retry.MaxInterval
	b.MaxElapsedTime = 0

	var out T
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		v, err := fn(ctx)
		if err == nil {
			out = v
			return nil
		}
		err = wrapError(op, err)
		if !IsKind(err, KindRateLimit) {
			return backoff.Permanent(err)
		}
		return err
	},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(g.opts.Retry.MaxRetries, 0))), ctx),
		func(err error, wait time.Duration) {
			g.logger.Warn("accounting backend throttled, backing off",
				"op", op, "attempt", attempts, "wait", wait, "error", err)
		},
	)
	if err != nil {
		return out, wrapError(op, err)
	}
	return out, nil
}

func (g *Gateway) remember(ctx context.Context, kind EntityKind, id, name string, v any) {
	attrs, err := json.Marshal(v)
	if err != nil {
		g.logger.Warn("reference cache marshal failed", "kind", kind, "id", id, "error", err)
		return
	}
	err = g.refs.Upsert(ctx, Entry{
		Kind:         kind,
		ExternalID:   id,
		DisplayName:  name,
		Attributes:   attrs,
		LastSyncedAt: g.now(),
	})
	if err != nil {
		g.logger.Warn("reference cache upsert failed", "kind", kind, "id", id, "error", err)
	}
}

func decodeEntry[T any](e *Entry) (T, bool) {
	var v T
	if e == nil || json.Unmarshal(e.Attributes, &v) != nil {
		return v, false
	}
	return v, true
}

// FindCustomers searches active customers by display name, company
// name, or email address. An empty result is a NotFound error so the
// caller can retry with other criteria.
func (g *Gateway) FindCustomers(ctx context.Context, text string) ([]Customer, error) {
	const op = "find customers"
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, newError(KindInvalidData, op, "search text is empty")
	}
	all, err := call(ctx, g, op, func(ctx context.Context) ([]Customer, error) {
		return g.backend.FindCustomers(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	var found []Customer
	for _, c := range all {
		if !c.Active {
			continue
		}
		g.remember(ctx, EntityCustomer, c.ID, c.DisplayName, c)
		found = append(found, c)
	}
	if len(found) == 0 {
		return nil, newError(KindNotFound, op, fmt.Sprintf("no active customers match %q", text))
	}
	return found, nil
}

// GetCustomer returns a customer by id, from the reference cache when a
// fresh entry exists and forceRefresh is false.
func (g *Gateway) GetCustomer(ctx context.Context, id string, forceRefresh bool) (Customer, error) {
	const op = "get customer"
	if id == "" {
		return Customer{}, newError(KindInvalidData, op, "customer id is empty")
	}
	if !forceRefresh {
		if e, err := g.refs.Get(ctx, EntityCustomer, id); err == nil && e.Fresh(g.now(), g.opts.CacheTTL) {
			if c, ok := decodeEntry[Customer](e); ok {
				if !c.Active {
					return Customer{}, newError(KindNotFound, op, fmt.Sprintf("customer %s is inactive", id))
				}
				return c, nil
			}
		}
	}

	c, err := call(ctx, g, op, func(ctx context.Context) (Customer, error) {
		return g.backend.GetCustomer(ctx, id)
	})
	if err != nil {
		return Customer{}, err
	}
	if !c.Active {
		return Customer{}, newError(KindNotFound, op, fmt.Sprintf("customer %s is inactive", id))
	}
	g.remember(ctx, EntityCustomer, c.ID, c.DisplayName, c)
	return c, nil
}

// FindOrCreateCustomer returns the customer whose display name equals
// name (case-insensitive), creating it when the backend has none.
func (g *Gateway) FindOrCreateCustomer(ctx context.Context, name, email string) (Customer, bool, error) {
	const op = "find or create customer"
	name = strings.TrimSpace(name)
	if name == "" {
		return Customer{}, false, newError(KindInvalidData, op, "customer name is empty")
	}

	if e, err := g.refs.FindByName(ctx, EntityCustomer, name); err == nil && e.Fresh(g.now(), g.opts.CacheTTL) {
		if c, ok := decodeEntry[Customer](e); ok && c.Active {
			return c, false, nil
		}
	}

	found, err := call(ctx, g, op, func(ctx context.Context) ([]Customer, error) {
		return g.backend.FindCustomers(ctx, name)
	})
	if err != nil {
		return Customer{}, false, err
	}
	for _, c := range found {
		if c.Active && strings.EqualFold(c.DisplayName, name) {
			g.remember(ctx, EntityCustomer, c.ID, c.DisplayName, c)
			return c, false, nil
		}
	}

	draft := Customer{DisplayName: name}
	if email != "" {
		draft.PrimaryEmailAddr = &EmailAddr{Address: email}
	}
	created, err := call(ctx, g, op, func(ctx context.Context) (Customer, error) {
		return g.backend.CreateCustomer(ctx, draft)
	})
	if err != nil {
		return Customer{}, false, err
	}
	g.logger.Info("customer created", "id", created.ID, "name", created.DisplayName)
	g.remember(ctx, EntityCustomer, created.ID, created.DisplayName, created)
	return created, true, nil
}

// FindOrCreateVendor is FindOrCreateCustomer for vendors.
func (g *Gateway) FindOrCreateVendor(ctx context.Context, name string) (Vendor, bool, error) {
	const op = "find or create vendor"
	name = strings.TrimSpace(name)
	if name == "" {
		return Vendor{}, false, newError(KindInvalidData, op, "vendor name is empty")
	}

	if e, err := g.refs.FindByName(ctx, EntityVendor, name); err == nil && e.Fresh(g.now(), g.opts.CacheTTL) {
		if v, ok := decodeEntry[Vendor](e); ok && v.Active {
			return v, false, nil
		}
	}

	found, err := call(ctx, g, op, func(ctx context.Context) ([]Vendor, error) {
		return g.backend.FindVendors(ctx, name)
	})
	if err != nil {
		return Vendor{}, false, err
	}
	for _, v := range found {
		if v.Active && strings.EqualFold(v.DisplayName, name) {
			g.remember(ctx, EntityVendor, v.ID, v.DisplayName, v)
			return v, false, nil
		}
	}

	created, err := call(ctx, g, op, func(ctx context.Context) (Vendor, error) {
		return g.backend.CreateVendor(ctx, Vendor{DisplayName: name})
	})
	if err != nil {
		return Vendor{}, false, err
	}
	g.logger.Info("vendor created", "id", created.ID, "name", created.DisplayName)
	g.remember(ctx, EntityVendor, created.ID, created.DisplayName, created)
	return created, true, nil
}

// ChartOfAccounts returns the full chart of accounts, cached as a single
// unit for AccountsTTL. When the backend fails and an earlier copy
// exists, the stale copy is returned.
func (g *Gateway) ChartOfAccounts(ctx context.Context, forceRefresh bool) ([]Account, error) {
	const op = "list accounts"
	if !forceRefresh {
		if v, ok := g.accounts.Get(chartKey); ok {
			return v.([]Account), nil
		}
	}

	accts, err := call(ctx, g, op, func(ctx context.Context) ([]Account, error) {
		return g.backend.ListAccounts(ctx)
	})
	if err != nil {
		g.staleMu.Lock()
		stale := g.stale
		g.staleMu.Unlock()
		if stale != nil {
			g.logger.Warn("serving stale chart of accounts", "error", err, "accounts", len(stale))
			return stale, nil
		}
		return nil, err
	}

	g.accounts.SetWithTTL(chartKey, accts, int64(len(accts))+1, g.opts.AccountsTTL)
	g.accounts.Wait()
	g.staleMu.Lock()
	g.stale = accts
	g.staleMu.Unlock()
	for _, a := range accts {
		g.remember(ctx, EntityAccount, a.ID, a.Name, a)
	}
	return accts, nil
}

// FindAccount resolves an account by name or fully qualified name,
// falling back to a unique substring match.
func (g *Gateway) FindAccount(ctx context.Context, name string) (Account, error) {
	const op = "find account"
	accts, err := g.ChartOfAccounts(ctx, false)
	if err != nil {
		return Account{}, err
	}
	for _, a := range accts {
		if strings.EqualFold(a.Name, name) || strings.EqualFold(a.FullyQualifiedName, name) {
			return a, nil
		}
	}

	var partial []Account
	needle := strings.ToLower(name)
	for _, a := range accts {
		if strings.Contains(strings.ToLower(a.FullyQualifiedName), needle) || strings.Contains(strings.ToLower(a.Name), needle) {
			partial = append(partial, a)
		}
	}
	if len(partial) == 1 {
		return partial[0], nil
	}
	if len(partial) > 1 {
		names := make([]string, 0, len(partial))
		for _, a := range partial {
			names = append(names, a.Name)
		}
		return Account{}, newError(KindInvalidData, op, fmt.Sprintf("account %q is ambiguous: %s", name, strings.Join(names, ", ")))
	}
	return Account{}, newError(KindNotFound, op, fmt.Sprintf("no account named %q", name))
}

// FindEstimates lists a customer's estimates, optionally filtered by
// status (Pending, Accepted, Closed, Rejected).
func (g *Gateway) FindEstimates(ctx context.Context, customerID, status string) ([]Estimate, error) {
	const op = "find estimates"
	if customerID == "" {
		return nil, newError(KindInvalidData, op, "customer id is empty")
	}
	ests, err := call(ctx, g, op, func(ctx context.Context) ([]Estimate, error) {
		return g.backend.FindEstimates(ctx, customerID, status)
	})
	if err != nil {
		return nil, err
	}
	if len(ests) == 0 {
		msg := fmt.Sprintf("customer %s has no estimates", customerID)
		if status != "" {
			msg = fmt.Sprintf("customer %s has no %s estimates", customerID, status)
		}
		return nil, newError(KindNotFound, op, msg)
	}
	return ests, nil
}

// GetEstimate returns one estimate.
func (g *Gateway) GetEstimate(ctx context.Context, id string) (Estimate, error) {
	if id == "" {
		return Estimate{}, newError(KindInvalidData, "get estimate", "estimate id is empty")
	}
	return call(ctx, g, "get estimate", func(ctx context.Context) (Estimate, error) {
		return g.backend.GetEstimate(ctx, id)
	})
}

// CreateEstimate creates an estimate for an existing customer.
func (g *Gateway) CreateEstimate(ctx context.Context, req EstimateRequest) (Estimate, error) {
	const op = "create estimate"
	lines, err := salesLines(op, req.CustomerID, req.Lines)
	if err != nil {
		return Estimate{}, err
	}
	est := Estimate{
		CustomerRef: Ref{Value: req.CustomerID},
		Line:        lines,
		DocNumber:   req.DocNumber,
		TxnDate:     formatDate(req.TxnDate),
		PrivateNote: req.Memo,
	}
	if !req.ExpirationDate.IsZero() {
		est.ExpirationDate = formatDate(req.ExpirationDate)
	}
	return call(ctx, g, op, func(ctx context.Context) (Estimate, error) {
		return g.backend.CreateEstimate(ctx, est)
	})
}

// CreateInvoice creates an invoice. Repeated calls create repeated
// invoices unless the backend rejects a duplicate DocNumber.
func (g *Gateway) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	const op = "create invoice"
	lines, err := salesLines(op, req.CustomerID, req.Lines)
	if err != nil {
		return Invoice{}, err
	}
	inv := Invoice{
		CustomerRef: Ref{Value: req.CustomerID},
		Line:        lines,
		DocNumber:   req.DocNumber,
		TxnDate:     formatDate(req.TxnDate),
		PrivateNote: req.Memo,
	}
	if !req.DueDate.IsZero() {
		inv.DueDate = formatDate(req.DueDate)
	}
	if req.BillEmail != "" {
		inv.BillEmail = &EmailAddr{Address: req.BillEmail}
	}

	created, err := call(ctx, g, op, func(ctx context.Context) (Invoice, error) {
		return g.backend.CreateInvoice(ctx, inv)
	})
	if err != nil {
		return Invoice{}, err
	}
	g.logger.Info("invoice created", "id", created.ID, "doc_number", created.DocNumber, "total", created.TotalAmt)
	return created, nil
}

// SendInvoice emails an invoice, to email when given, otherwise to the
// invoice's bill address.
func (g *Gateway) SendInvoice(ctx context.Context, id, email string) (Invoice, error) {
	if id == "" {
		return Invoice{}, newError(KindInvalidData, "send invoice", "invoice id is empty")
	}
	return call(ctx, g, "send invoice", func(ctx context.Context) (Invoice, error) {
		return g.backend.SendInvoice(ctx, id, email)
	})
}

// VoidInvoice voids an invoice, reading its current sync token first.
func (g *Gateway) VoidInvoice(ctx context.Context, id string) (Invoice, error) {
	const op = "void invoice"
	if id == "" {
		return Invoice{}, newError(KindInvalidData, op, "invoice id is empty")
	}
	current, err := call(ctx, g, op, func(ctx context.Context) (Invoice, error) {
		return g.backend.GetInvoice(ctx, id)
	})
	if err != nil {
		return Invoice{}, err
	}
	return call(ctx, g, op, func(ctx context.Context) (Invoice, error) {
		return g.backend.VoidInvoice(ctx, id, current.SyncToken)
	})
}

// RecordPayment records a customer payment, applied to InvoiceID when set.
func (g *Gateway) RecordPayment(ctx context.Context, req PaymentRequest) (Payment, error) {
	const op = "record payment"
	if req.CustomerID == "" {
		return Payment{}, newError(KindInvalidData, op, "customer id is empty")
	}
	if req.Amount <= 0 {
		return Payment{}, newError(KindInvalidData, op, fmt.Sprintf("amount must be positive, got %v", req.Amount))
	}
	p := Payment{
		CustomerRef:   Ref{Value: req.CustomerID},
		TotalAmt:      roundCents(req.Amount),
		TxnDate:       formatDate(req.TxnDate),
		PaymentRefNum: req.RefNum,
		PrivateNote:   req.Memo,
	}
	if req.InvoiceID != "" {
		p.Line = []PaymentLine{{
			Amount:    p.TotalAmt,
			LinkedTxn: []LinkedTxn{{TxnID: req.InvoiceID, TxnType: "Invoice"}},
		}}
	}
	return call(ctx, g, op, func(ctx context.Context) (Payment, error) {
		return g.backend.CreatePayment(ctx, p)
	})
}

// RecordExpense books a purchase from a vendor (created if new) to the
// expense account named by Category, paid from PaymentAccount.
func (g *Gateway) RecordExpense(ctx context.Context, req ExpenseRequest) (Purchase, error) {
	const op = "record expense"
	if req.Amount <= 0 {
		return Purchase{}, newError(KindInvalidData, op, fmt.Sprintf("amount must be positive, got %v", req.Amount))
	}
	if req.Category == "" {
		return Purchase{}, newError(KindInvalidData, op, "expense category is empty")
	}
	if req.PaymentAccount == "" {
		req.PaymentAccount = "Checking"
	}
	if req.PaymentType == "" {
		req.PaymentType = "Cash"
	}

	vendor, _, err := g.FindOrCreateVendor(ctx, req.VendorName)
	if err != nil {
		return Purchase{}, err
	}
	category, err := g.FindAccount(ctx, req.Category)
	if err != nil {
		return Purchase{}, err
	}
	payFrom, err := g.FindAccount(ctx, req.PaymentAccount)
	if err != nil {
		return Purchase{}, err
	}

	p := Purchase{
		PaymentType: req.PaymentType,
		AccountRef:  Ref{Value: payFrom.ID, Name: payFrom.Name},
		EntityRef:   &Ref{Value: vendor.ID, Name: vendor.DisplayName, Type: "Vendor"},
		Line: []Line{{
			Amount:      roundCents(req.Amount),
			Description: req.Description,
			DetailType:  "AccountBasedExpenseLineDetail",
			AccountBasedExpenseLineDetail: &AccountBasedExpenseLineDetail{
				AccountRef: Ref{Value: category.ID, Name: category.Name},
			},
		}},
		TxnDate:   formatDate(req.TxnDate),
		DocNumber: req.DocNumber,
	}
	return call(ctx, g, op, func(ctx context.Context) (Purchase, error) {
		return g.backend.CreatePurchase(ctx, p)
	})
}

// ListCustomerTransactions lists invoices and payments for a customer
// dated within [start, end].
func (g *Gateway) ListCustomerTransactions(ctx context.Context, customerID string, start, end time.Time) ([]Transaction, error) {
	const op = "list customer transactions"
	if customerID == "" {
		return nil, newError(KindInvalidData, op, "customer id is empty")
	}
	if end.Before(start) {
		return nil, newError(KindInvalidData, op, "end date is before start date")
	}
	return call(ctx, g, op, func(ctx context.Context) ([]Transaction, error) {
		return g.backend.CustomerTransactions(ctx, customerID, start, end)
	})
}

// MaxRecentDays bounds the RecentTransactions window.
const MaxRecentDays = 366

// RecentTransactions lists every customer's invoices and payments from
// the last days days, each with its customer's name and email. Customer
// details come from the reference cache where fresh; a customer that is
// gone or inactive leaves its rows without details.
func (g *Gateway) RecentTransactions(ctx context.Context, days int) ([]RecentTransaction, error) {
	const op = "list recent transactions"
	if days < 1 || days > MaxRecentDays {
		return nil, newError(KindInvalidData, op, fmt.Sprintf("days must be between 1 and %d, got %d", MaxRecentDays, days))
	}
	since := g.now().AddDate(0, 0, -days)
	txns, err := call(ctx, g, op, func(ctx context.Context) ([]Transaction, error) {
		return g.backend.RecentTransactions(ctx, since)
	})
	if err != nil {
		return nil, err
	}

	custs := make(map[string]Customer)
	out := make([]RecentTransaction, 0, len(txns))
	for _, t := range txns {
		rt := RecentTransaction{Transaction: t}
		if t.CustomerID != "" {
			c, ok := custs[t.CustomerID]
			if !ok {
				c, err = g.GetCustomer(ctx, t.CustomerID, false)
				switch {
				case IsKind(err, KindNotFound):
					g.logger.Debug("transaction customer unavailable", "customer_id", t.CustomerID, "error", err)
				case err != nil:
					return nil, err
				}
				custs[t.CustomerID] = c
			}
			rt.CustomerName = c.DisplayName
			rt.CompanyName = c.CompanyName
			rt.CustomerEmail = c.Email()
		}
		out = append(out, rt)
	}
	return out, nil
}

func salesLines(op, customerID string, items []LineItem) ([]Line, error) {
	if customerID == "" {
		return nil, newError(KindInvalidData, op, "customer id is empty")
	}
	if len(items) == 0 {
		return nil, newError(KindInvalidData, op, "at least one line item is required")
	}
	lines := make([]Line, 0, len(items))
	for i, it := range items {
		if it.Amount <= 0 {
			return nil, newError(KindInvalidData, op, fmt.Sprintf("line %d: amount must be positive, got %v", i+1, it.Amount))
		}
		detail := &SalesItemLineDetail{Qty: it.Qty}
		if it.ItemID != "" {
			detail.ItemRef = &Ref{Value: it.ItemID}
		}
		if it.Qty > 0 {
			detail.UnitPrice = roundCents(it.Amount / it.Qty)
		}
		lines = append(lines, Line{
			Amount:              roundCents(it.Amount),
			Description:         it.Description,
			DetailType:          "SalesItemLineDetail",
			SalesItemLineDetail: detail,
		})
	}
	return lines, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
