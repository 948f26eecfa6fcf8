package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/nugget/ledger-agent/internal/config"
	"github.com/nugget/ledger-agent/internal/httpkit"
)

// Backend is the set of entity operations the gateway needs from the
// accounting system. Client implements it over the REST API.
type Backend interface {
	FindCustomers(ctx context.Context, text string) ([]Customer, error)
	GetCustomer(ctx context.Context, id string) (Customer, error)
	CreateCustomer(ctx context.Context, c Customer) (Customer, error)
	FindVendors(ctx context.Context, text string) ([]Vendor, error)
	CreateVendor(ctx context.Context, v Vendor) (Vendor, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	FindEstimates(ctx context.Context, customerID, status string) ([]Estimate, error)
	GetEstimate(ctx context.Context, id string) (Estimate, error)
	CreateEstimate(ctx context.Context, e Estimate) (Estimate, error)
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	SendInvoice(ctx context.Context, id, email string) (Invoice, error)
	VoidInvoice(ctx context.Context, id, syncToken string) (Invoice, error)
	CreatePayment(ctx context.Context, p Payment) (Payment, error)
	CreatePurchase(ctx context.Context, p Purchase) (Purchase, error)
	CustomerTransactions(ctx context.Context, customerID string, start, end time.Time) ([]Transaction, error)
	RecentTransactions(ctx context.Context, since time.Time) ([]Transaction, error)
}

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 16 << 10

// Client talks to a QuickBooks-Online-shaped REST API. Requests carry a
// bearer token from an oauth2.TokenSource (refreshed as needed) and are
// paced by a client-side rate limiter.
type Client struct {
	baseURL      string
	realmID      string
	minorVersion string
	http         *http.Client
	limiter      *rate.Limiter
	logger       *slog.Logger
}

var _ Backend = (*Client)(nil)

// NewClient creates a client for the configured company (realm).
func NewClient(cfg config.AccountingConfig, ts oauth2.TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	hc := httpkit.NewClient(httpkit.WithRetry(2, 500*time.Millisecond), httpkit.WithLogger(logger))
	hc.Transport = &oauth2.Transport{Source: ts, Base: hc.Transport}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		realmID:      cfg.RealmID,
		minorVersion: cfg.MinorVersion,
		http:         hc,
		limiter:      rate.NewLimiter(limit, burst),
		logger:       logger,
	}
}

// do issues one request. body, when non-nil, is sent as JSON; out, when
// non-nil, receives the decoded response. Failures are *Error.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindIntegration, Op: op, Err: err}
	}

	if params == nil {
		params = url.Values{}
	}
	if c.minorVersion != "" {
		params.Set("minorversion", c.minorVersion)
	}
	u := fmt.Sprintf("%s/v3/company/%s%s?%s", c.baseURL, url.PathEscape(c.realmID), path, params.Encode())

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindInvalidData, Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		reqBody = bytes.NewReader(data)
		c.logger.Log(ctx, config.LevelTrace, "accounting request", "op", op, "method", method, "path", path, "body", string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return &Error{Kind: KindIntegration, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	} else if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return &Error{Kind: KindAuthentication, Op: op, Message: "token refresh failed", Err: err}
		}
		return &Error{Kind: KindIntegration, Op: op, Err: err}
	}

	c.logger.Debug("accounting call",
		"op", op, "method", method, "status", resp.StatusCode, "elapsed", time.Since(start).Round(time.Millisecond))

	if resp.StatusCode >= 300 {
		return c.responseError(op, resp)
	}
	if out == nil {
		httpkit.DrainAndClose(resp.Body, maxErrorBody)
		return nil
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindIntegration, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) responseError(op string, resp *http.Response) error {
	raw := httpkit.ReadErrorBody(resp.Body, maxErrorBody)
	var f fault
	_ = json.Unmarshal([]byte(raw), &f)

	e := &Error{
		Kind:    classify(resp.StatusCode, f),
		Op:      op,
		Status:  resp.StatusCode,
		Code:    f.code(),
		Message: f.message(),
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(raw))
	}
	if e.Kind == KindRateLimit {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			e.Message += " (retry after " + ra + "s)"
		}
	}
	return e
}

// query runs a backend query and decodes QueryResponse into out.
func (c *Client) query(ctx context.Context, op, q string, out any) error {
	c.logger.Log(ctx, config.LevelTrace, "accounting query", "op", op, "query", q)
	envelope := struct {
		QueryResponse json.RawMessage `json:"QueryResponse"`
	}{}
	if err := c.do(ctx, op, http.MethodGet, "/query", url.Values{"query": {q}}, nil, &envelope); err != nil {
		return err
	}
	if len(envelope.QueryResponse) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.QueryResponse, out); err != nil {
		return &Error{Kind: KindIntegration, Op: op, Err: fmt.Errorf("decode query response: %w", err)}
	}
	return nil
}

// quote renders s as a query string literal.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

// likePattern renders s as a LIKE '%s%' literal.
func likePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'%" + strings.ReplaceAll(s, "'", `\'`) + "%'"
}

// customerSearchFields are matched in turn; the query language has no OR.
var customerSearchFields = []string{"DisplayName", "CompanyName", "PrimaryEmailAddr"}

// FindCustomers matches text against each search field and merges the
// active customers found, first match first.
func (c *Client) FindCustomers(ctx context.Context, text string) ([]Customer, error) {
	var out []Customer
	seen := make(map[string]bool)
	for _, field := range customerSearchFields {
		var r struct{ Customer []Customer }
		q := "SELECT * FROM Customer WHERE Active = true AND " + field + " LIKE " + likePattern(text) + " MAXRESULTS 25"
		if err := c.query(ctx, "find customers", q, &r); err != nil {
			return nil, err
		}
		for _, cust := range r.Customer {
			if !seen[cust.ID] {
				seen[cust.ID] = true
				out = append(out, cust)
			}
		}
	}
	return out, nil
}

func (c *Client) GetCustomer(ctx context.Context, id string) (Customer, error) {
	var r struct{ Customer Customer }
	err := c.do(ctx, "get customer", http.MethodGet, "/customer/"+url.PathEscape(id), nil, nil, &r)
	return r.Customer, err
}

func (c *Client) CreateCustomer(ctx context.Context, cust Customer) (Customer, error) {
	var r struct{ Customer Customer }
	err := c.do(ctx, "create customer", http.MethodPost, "/customer", nil, cust, &r)
	return r.Customer, err
}

func (c *Client) FindVendors(ctx context.Context, text string) ([]Vendor, error) {
	var r struct{ Vendor []Vendor }
	q := "SELECT * FROM Vendor WHERE DisplayName LIKE " + likePattern(text) + " MAXRESULTS 25"
	if err := c.query(ctx, "find vendors", q, &r); err != nil {
		return nil, err
	}
	return r.Vendor, nil
}

func (c *Client) CreateVendor(ctx context.Context, v Vendor) (Vendor, error) {
	var r struct{ Vendor Vendor }
	err := c.do(ctx, "create vendor", http.MethodPost, "/vendor", nil, v, &r)
	return r.Vendor, err
}

func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var r struct{ Account []Account }
	if err := c.query(ctx, "list accounts", "SELECT * FROM Account WHERE Active = true MAXRESULTS 1000", &r); err != nil {
		return nil, err
	}
	return r.Account, nil
}

func (c *Client) FindEstimates(ctx context.Context, customerID, status string) ([]Estimate, error) {
	q := "SELECT * FROM Estimate WHERE CustomerRef = " + quote(customerID)
	if status != "" {
		q += " AND TxnStatus = " + quote(status)
	}
	q += " ORDERBY TxnDate DESC MAXRESULTS 50"

	var r struct{ Estimate []Estimate }
	if err := c.query(ctx, "find estimates", q, &r); err != nil {
		return nil, err
	}
	return r.Estimate, nil
}

func (c *Client) GetEstimate(ctx context.Context, id string) (Estimate, error) {
	var r struct{ Estimate Estimate }
	err := c.do(ctx, "get estimate", http.MethodGet, "/estimate/"+url.PathEscape(id), nil, nil, &r)
	return r.Estimate, err
}

func (c *Client) CreateEstimate(ctx context.Context, e Estimate) (Estimate, error) {
	var r struct{ Estimate Estimate }
	err := c.do(ctx, "create estimate", http.MethodPost, "/estimate", nil, e, &r)
	return r.Estimate, err
}

func (c *Client) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	var r struct{ Invoice Invoice }
	err := c.do(ctx, "get invoice", http.MethodGet, "/invoice/"+url.PathEscape(id), nil, nil, &r)
	return r.Invoice, err
}

func (c *Client) CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	var r struct{ Invoice Invoice }
	err := c.do(ctx, "create invoice", http.MethodPost, "/invoice", nil, inv, &r)
	return r.Invoice, err
}

func (c *Client) SendInvoice(ctx context.Context, id, email string) (Invoice, error) {
	params := url.Values{}
	if email != "" {
		params.Set("sendTo", email)
	}
	var r struct{ Invoice Invoice }
	err := c.do(ctx, "send invoice", http.MethodPost, "/invoice/"+url.PathEscape(id)+"/send", params, nil, &r)
	return r.Invoice, err
}

func (c *Client) VoidInvoice(ctx context.Context, id, syncToken string) (Invoice, error) {
	body := map[string]string{"Id": id, "SyncToken": syncToken}
	var r struct{ Invoice Invoice }
	err := c.do(ctx, "void invoice", http.MethodPost, "/invoice", url.Values{"operation": {"void"}}, body, &r)
	return r.Invoice, err
}

func (c *Client) CreatePayment(ctx context.Context, p Payment) (Payment, error) {
	var r struct{ Payment Payment }
	err := c.do(ctx, "record payment", http.MethodPost, "/payment", nil, p, &r)
	return r.Payment, err
}

func (c *Client) CreatePurchase(ctx context.Context, p Purchase) (Purchase, error) {
	var r struct{ Purchase Purchase }
	err := c.do(ctx, "record expense", http.MethodPost, "/purchase", nil, p, &r)
	return r.Purchase, err
}

// CustomerTransactions merges the customer's invoices and payments dated
// within [start, end], newest first.
func (c *Client) CustomerTransactions(ctx context.Context, customerID string, start, end time.Time) ([]Transaction, error) {
	where := fmt.Sprintf("CustomerRef = %s AND TxnDate >= %s AND TxnDate <= %s",
		quote(customerID), quote(start.Format(DateLayout)), quote(end.Format(DateLayout)))
	return c.transactions(ctx, "list customer transactions", where)
}

// RecentTransactions merges every customer's invoices and payments dated
// on or after since, newest first.
func (c *Client) RecentTransactions(ctx context.Context, since time.Time) ([]Transaction, error) {
	where := "TxnDate >= " + quote(since.Format(DateLayout))
	return c.transactions(ctx, "list recent transactions", where)
}

func (c *Client) transactions(ctx context.Context, op, where string) ([]Transaction, error) {
	var invs struct{ Invoice []Invoice }
	if err := c.query(ctx, op, "SELECT * FROM Invoice WHERE "+where, &invs); err != nil {
		return nil, err
	}
	var pays struct{ Payment []Payment }
	if err := c.query(ctx, op, "SELECT * FROM Payment WHERE "+where, &pays); err != nil {
		return nil, err
	}

	txns := make([]Transaction, 0, len(invs.Invoice)+len(pays.Payment))
	for _, inv := range invs.Invoice {
		txns = append(txns, Transaction{
			Type: "Invoice", ID: inv.ID, DocNumber: inv.DocNumber, CustomerID: inv.CustomerRef.Value,
			Date: inv.TxnDate, Amount: inv.TotalAmt, Balance: inv.Balance,
		})
	}
	for _, p := range pays.Payment {
		txns = append(txns, Transaction{
			Type: "Payment", ID: p.ID, DocNumber: p.PaymentRefNum, CustomerID: p.CustomerRef.Value,
			Date: p.TxnDate, Amount: p.TotalAmt,
		})
	}
	sort.SliceStable(txns, func(i, j int) bool { return txns[i].Date > txns[j].Date })
	return txns, nil
}
