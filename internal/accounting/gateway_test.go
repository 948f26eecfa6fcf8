package accounting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/ledger-agent/internal/database/dbtest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGateway(t *testing.T, backend Backend) (*Gateway, *testClock) {
	t.Helper()
	refs, err := NewRefStore(dbtest.Open(t))
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	g, err := NewGateway(backend, refs, Options{
		CacheTTL:    time.Hour,
		AccountsTTL: time.Hour,
		Retry:       RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxRetries: 3},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:         clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g, clock
}

func throttled() error {
	return &Error{Kind: KindRateLimit, Status: 429, Message: "ThrottleExceeded"}
}

func TestGetCustomer_CacheHitWithinTTL(t *testing.T) {
	fb := newFakeBackend()
	fb.addCustomer(Customer{ID: "42", DisplayName: "Acme Ltd", Active: true})
	g, clock := newTestGateway(t, fb)
	ctx := context.Background()

	c, err := g.GetCustomer(ctx, "42", false)
	require.NoError(t, err)
	assert.Equal(t, "Acme Ltd", c.DisplayName)
	assert.Equal(t, 1, fb.count("GetCustomer"))

	clock.Advance(59 * time.Minute)
	c, err = g.GetCustomer(ctx, "42", false)
	require.NoError(t, err)
	assert.Equal(t, "Acme Ltd", c.DisplayName)
	assert.Equal(t, 1, fb.count("GetCustomer"), "lookup within TTL must not call the backend")

	clock.Advance(2 * time.Minute)
	_, err = g.GetCustomer(ctx, "42", false)
	require.NoError(t, err)
	assert.Equal(t, 2, fb.count("GetCustomer"), "expired entry must be refetched")

	_, err = g.GetCustomer(ctx, "42", true)
	require.NoError(t, err)
	assert.Equal(t, 3, fb.count("GetCustomer"), "force refresh must call the backend")
}

func TestGetCustomer_InactiveIsNotFound(t *testing.T) {
	fb := newFakeBackend()
	fb.addCustomer(Customer{ID: "7", DisplayName: "Gone Inc", Active: false})
	g, _ := newTestGateway(t, fb)

	_, err := g.GetCustomer(context.Background(), "7", false)
	assert.True(t, IsKind(err, KindNotFound), "got %v", err)
}

func TestInactiveCustomerNeverServed(t *testing.T) {
	fb := newFakeBackend()
	fb.addCustomer(Customer{ID: "7", DisplayName: "Gone Co", Active: false})
	fb.addCustomer(Customer{ID: "8", DisplayName: "Gone Fishing", Active: true})
	g, _ := newTestGateway(t, fb)
	ctx := context.Background()

	found, err := g.FindCustomers(ctx, "Gone")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "8", found[0].ID)

	_, err = g.FindCustomers(ctx, "Gone Co")
	assert.True(t, IsKind(err, KindNotFound), "got %v", err)

	// An inactive record already in the reference cache is not served.
	g.remember(ctx, EntityCustomer, "7", "Gone Co", Customer{ID: "7", DisplayName: "Gone Co"})
	_, err = g.GetCustomer(ctx, "7", false)
	assert.True(t, IsKind(err, KindNotFound), "got %v", err)

	c, created, err := g.FindOrCreateCustomer(ctx, "Gone Co", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "7", c.ID)
	assert.True(t, c.Active)
}

func TestFindCustomers_MatchesCompanyAndEmail(t *testing.T) {
	fb := newFakeBackend()
	fb.addCustomer(Customer{ID: "1", DisplayName: "J. Smith", CompanyName: "Smith Roofing", Active: true})
	fb.addCustomer(Customer{ID: "2", DisplayName: "Pat Lee", PrimaryEmailAddr: &EmailAddr{Address: "ap@leeworks.example"}, Active: true})
	g, _ := newTestGateway(t, fb)
	ctx := context.Background()

	found, err := g.FindCustomers(ctx, "roofing")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "1", found[0].ID)

	found, err = g.FindCustomers(ctx, "leeworks")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "2", found[0].ID)
}

func TestRecentTransactions_EnrichedWithCustomer(t *testing.T) {
	fb := newFakeBackend()
	fb.addCustomer(Customer{ID: "42", DisplayName: "Acme Ltd", CompanyName: "Acme Limited",
		PrimaryEmailAddr: &EmailAddr{Address: "billing@acme.example"}, Active: true})
	fb.invoices["500"] = Invoice{ID: "500", CustomerRef: Ref{Value: "42"}, TxnDate: "2026-03-20", TotalAmt: 800, Balance: 800}
	fb.invoices["501"] = Invoice{ID: "501", CustomerRef: Ref{Value: "42"}, TxnDate: "2025-12-01", TotalAmt: 90}
	fb.invoices["502"] = Invoice{ID: "502", CustomerRef: Ref{Value: "99"}, TxnDate: "2026-03-25", TotalAmt: 10}
	fb.payments = append(fb.payments, Payment{ID: "600", CustomerRef: Ref{Value: "42"}, TxnDate: "2026-03-28", TotalAmt: 300})
	g, _ := newTestGateway(t, fb)
	ctx := context.Background()

	txns, err := g.RecentTransactions(ctx, 30)
	require.NoError(t, err)
	require.Len(t, txns, 3)

	assert.Equal(t, "Payment", txns[0].Type, "newest first")
	assert.Equal(t, "Acme Ltd", txns[0].CustomerName)
	assert.Equal(t, "Acme Limited", txns[0].CompanyName)
	assert.Equal(t, "billing@acme.example", txns[0].CustomerEmail)

	assert.Equal(t, "502", txns[1].ID)
	assert.Empty(t, txns[1].CustomerName, "unknown customer leaves no details")

	assert.Equal(t, "500", txns[2].ID)
	assert.Equal(t, "Acme Ltd", txns[2].CustomerName)
	assert.Equal(t, 2, fb.count("GetCustomer"), "each customer is fetched once")

	_, err = g.RecentTransactions(ctx, 0)
	assert.True(t, IsKind(err, KindInvalidData), "got %v", err)
	_, err = g.RecentTransactions(ctx, MaxRecentDays+1)
	assert.True(t, IsKind(err, KindInvalidData), "got %v", err)
}

func TestFindOrCreateCustomer(t *testing.T) {
	fb := newFakeBackend()
	fb.addCustomer(Customer{ID: "1", DisplayName: "Acme Ltd", Active: true})
	fb.addCustomer(Customer{ID: "2", DisplayName: "Acme Ltd Holdings", Active: true})
	g, _ := newTestGateway(t, fb)
	ctx := context.Background()

	c, created, err := g.FindOrCreateCustomer(ctx, "acme ltd", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "1", c.ID)

	// Second lookup by name is served from the cache.
	_, _, err = g.FindOrCreateCustomer(ctx, "Acme Ltd", "")
	require.NoError(t, err)
	assert.Equal(t, 1, fb.count("FindCustomers"))

	n, created, err := g.FindOrCreateCustomer(ctx, "Newco", "ap@newco.example")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ap@newco.example", n.Email())
	assert.Equal(t, 1, fb.count("CreateCustomer"))

	// The created customer is now cached by id as well.
	_, err = g.GetCustomer(ctx, n.ID, false)
	require.NoError(t, err)
	assert.Zero(t, fb.count("GetCustomer"))
}

func TestRateLimit_RetriedThenSucceeds(t *testing.T) {
	fb := newFakeBackend()
	fb.fail("CreateInvoice", throttled(), throttled(), throttled())
	g, _ := newTestGateway(t, fb)

	inv, err := g.CreateInvoice(context.Background(), InvoiceRequest{
		CustomerID: "1",
		Lines:      []LineItem{{Amount: 500, Description: "Consulting services"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 500.0, inv.TotalAmt)
	assert.Equal(t, 4, fb.count("CreateInvoice"))
}

func TestRateLimit_ExhaustedReportsRateLimit(t *testing.T) {
	fb := newFakeBackend()
	fb.fail("FindCustomers", throttled(), throttled(), throttled(), throttled(), throttled())
	g, _ := newTestGateway(t, fb)

	_, err := g.FindCustomers(context.Background(), "Acme")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRateLimit), "got %v", err)
	assert.Equal(t, 4, fb.count("FindCustomers"), "one attempt plus three retries")
}

func TestNonRateLimitErrorsNotRetried(t *testing.T) {
	for _, kind := range []Kind{KindAuthentication, KindInvalidData, KindNotFound, KindIntegration} {
		t.Run(kind.String(), func(t *testing.T) {
			fb := newFakeBackend()
			fb.fail("FindCustomers", &Error{Kind: kind, Message: "boom"})
			g, _ := newTestGateway(t, fb)

			_, err := g.FindCustomers(context.Background(), "Acme")
			assert.True(t, IsKind(err, kind), "got %v", err)
			assert.Equal(t, 1, fb.count("FindCustomers"))
		})
	}
}

func TestUnclassifiedBackendErrorBecomesIntegration(t *testing.T) {
	fb := newFakeBackend()
	cause := errors.New("connection reset")
	fb.fail("GetEstimate", cause)
	g, _ := newTestGateway(t, fb)

	_, err := g.GetEstimate(context.Background(), "9")
	assert.True(t, IsKind(err, KindIntegration))
	assert.ErrorIs(t, err, cause)
}

func TestCreateInvoice_Validation(t *testing.T) {
	fb := newFakeBackend()
	g, _ := newTestGateway(t, fb)
	ctx := context.Background()

	_, err := g.CreateInvoice(ctx, InvoiceRequest{Lines: []LineItem{{Amount: 1}}})
	assert.True(t, IsKind(err, KindInvalidData))
	_, err = g.CreateInvoice(ctx, InvoiceRequest{CustomerID: "1"})
	assert.True(t, IsKind(err, KindInvalidData))
	_, err = g.CreateInvoice(ctx, InvoiceRequest{CustomerID: "1", Lines: []LineItem{{Amount: -5}}})
	assert.ErrorContains(t, err, "line 1")
	assert.Zero(t, fb.count("CreateInvoice"))
}

func TestChartOfAccounts_CachedAndStaleOnError(t *testing.T) {
	fb := newFakeBackend()
	fb.accounts = []Account{
		{ID: "35", Name: "Checking", AccountType: "Bank"},
		{ID: "60", Name: "Office Supplies", FullyQualifiedName: "Expenses:Office Supplies", AccountType: "Expense"},
	}
	g, _ := newTestGateway(t, fb)
	ctx := context.Background()

	accts, err := g.ChartOfAccounts(ctx, false)
	require.NoError(t, err)
	assert.Len(t, accts, 2)

	_, err = g.ChartOfAccounts(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, fb.count("ListAccounts"))

	fb.fail("ListAccounts", &Error{Kind: KindIntegration, Message: "503"})
	accts, err = g.ChartOfAccounts(ctx, true)
	require.NoError(t, err, "stale copy is served when refresh fails")
	assert.Len(t, accts, 2)
	assert.Equal(t, 2, fb.count("ListAccounts"))
}

func TestFindAccount(t *testing.T) {
	fb := newFakeBackend()
	fb.accounts = []Account{
		{ID: "1", Name: "Travel", FullyQualifiedName: "Expenses:Travel"},
		{ID: "2", Name: "Travel Meals", FullyQualifiedName: "Expenses:Travel Meals"},
		{ID: "3", Name: "Utilities", FullyQualifiedName: "Expenses:Utilities"},
	}
	g, _ := newTestGateway(t, fb)
	ctx := context.Background()

	a, err := g.FindAccount(ctx, "travel")
	require.NoError(t, err)
	assert.Equal(t, "1", a.ID)

	a, err = g.FindAccount(ctx, "util")
	require.NoError(t, err)
	assert.Equal(t, "3", a.ID)

	_, err = g.FindAccount(ctx, "trav")
	assert.True(t, IsKind(err, KindInvalidData), "ambiguous match, got %v", err)

	_, err = g.FindAccount(ctx, "Rent")
	assert.True(t, IsKind(err, KindNotFound))
}

func TestRecordExpense(t *testing.T) {
	fb := newFakeBackend()
	fb.accounts = []Account{
		{ID: "35", Name: "Checking", AccountType: "Bank"},
		{ID: "60", Name: "Office Supplies", AccountType: "Expense"},
	}
	g, _ := newTestGateway(t, fb)

	p, err := g.RecordExpense(context.Background(), ExpenseRequest{
		VendorName:  "Staples",
		Amount:      42.499,
		Category:    "office supplies",
		Description: "Printer paper",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fb.count("CreateVendor"))
	assert.Equal(t, "Cash", p.PaymentType)
	assert.Equal(t, "35", p.AccountRef.Value)
	require.NotNil(t, p.EntityRef)
	assert.Equal(t, "Staples", p.EntityRef.Name)
	require.Len(t, p.Line, 1)
	assert.Equal(t, 42.5, p.Line[0].Amount)
	assert.Equal(t, "60", p.Line[0].AccountBasedExpenseLineDetail.AccountRef.Value)
}

func TestVoidInvoice_UsesCurrentSyncToken(t *testing.T) {
	fb := newFakeBackend()
	g, _ := newTestGateway(t, fb)
	ctx := context.Background()

	inv, err := g.CreateInvoice(ctx, InvoiceRequest{CustomerID: "1", Lines: []LineItem{{Amount: 100}}})
	require.NoError(t, err)

	voided, err := g.VoidInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Zero(t, voided.Balance)

	_, err = g.VoidInvoice(ctx, "nope")
	assert.True(t, IsKind(err, KindNotFound))
}

func TestRecordPayment_LinksInvoice(t *testing.T) {
	fb := newFakeBackend()
	g, _ := newTestGateway(t, fb)

	p, err := g.RecordPayment(context.Background(), PaymentRequest{CustomerID: "1", InvoiceID: "77", Amount: 250})
	require.NoError(t, err)
	require.Len(t, p.Line, 1)
	assert.Equal(t, "77", p.Line[0].LinkedTxn[0].TxnID)
	assert.Equal(t, "Invoice", p.Line[0].LinkedTxn[0].TxnType)

	_, err = g.RecordPayment(context.Background(), PaymentRequest{CustomerID: "1", Amount: 0})
	assert.True(t, IsKind(err, KindInvalidData))
}

func TestFindEstimates_EmptyIsNotFound(t *testing.T) {
	fb := newFakeBackend()
	fb.estimates = []Estimate{{ID: "5", CustomerRef: Ref{Value: "1"}, TxnStatus: "Accepted"}}
	g, _ := newTestGateway(t, fb)
	ctx := context.Background()

	ests, err := g.FindEstimates(ctx, "1", "Accepted")
	require.NoError(t, err)
	assert.Len(t, ests, 1)

	_, err = g.FindEstimates(ctx, "1", "Pending")
	assert.True(t, IsKind(err, KindNotFound))
}

func TestConcurrentLookupsShareCache(t *testing.T) {
	fb := newFakeBackend()
	fb.addCustomer(Customer{ID: "42", DisplayName: "Acme Ltd", Active: true})
	g, _ := newTestGateway(t, fb)
	ctx := context.Background()

	_, err := g.GetCustomer(ctx, "42", false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.GetCustomer(ctx, "42", false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fb.count("GetCustomer"))
}
