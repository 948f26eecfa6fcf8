package accounting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeBackend is an in-memory Backend that counts calls per operation.
// failures queues errors returned (in order) before an operation succeeds.
type fakeBackend struct {
	mu        sync.Mutex
	calls     map[string]int
	failures  map[string][]error
	customers map[string]Customer
	vendors   map[string]Vendor
	accounts  []Account
	invoices  map[string]Invoice
	estimates []Estimate
	purchases []Purchase
	payments  []Payment
	nextID    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		calls:     map[string]int{},
		failures:  map[string][]error{},
		customers: map[string]Customer{},
		vendors:   map[string]Vendor{},
		invoices:  map[string]Invoice{},
	}
}

func (f *fakeBackend) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeBackend) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) fail(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *fakeBackend) id() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprint(100 + f.nextID)
}

func (f *fakeBackend) addCustomer(c Customer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[c.ID] = c
}

func (f *fakeBackend) FindCustomers(ctx context.Context, text string) ([]Customer, error) {
	if err := f.hit("FindCustomers"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Customer
	text = strings.ToLower(text)
	for _, c := range f.customers {
		for _, field := range []string{c.DisplayName, c.CompanyName, c.Email()} {
			if strings.Contains(strings.ToLower(field), text) {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeBackend) GetCustomer(ctx context.Context, id string) (Customer, error) {
	if err := f.hit("GetCustomer"); err != nil {
		return Customer{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[id]
	if !ok {
		return Customer{}, &Error{Kind: KindNotFound, Status: 400, Code: "610", Message: "Object Not Found"}
	}
	return c, nil
}

func (f *fakeBackend) CreateCustomer(ctx context.Context, c Customer) (Customer, error) {
	if err := f.hit("CreateCustomer"); err != nil {
		return Customer{}, err
	}
	c.ID = f.id()
	c.Active = true
	f.addCustomer(c)
	return c, nil
}

func (f *fakeBackend) FindVendors(ctx context.Context, text string) ([]Vendor, error) {
	if err := f.hit("FindVendors"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Vendor
	for _, v := range f.vendors {
		if strings.Contains(strings.ToLower(v.DisplayName), strings.ToLower(text)) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeBackend) CreateVendor(ctx context.Context, v Vendor) (Vendor, error) {
	if err := f.hit("CreateVendor"); err != nil {
		return Vendor{}, err
	}
	v.ID = f.id()
	v.Active = true
	f.mu.Lock()
	f.vendors[v.ID] = v
	f.mu.Unlock()
	return v, nil
}

func (f *fakeBackend) ListAccounts(ctx context.Context) ([]Account, error) {
	if err := f.hit("ListAccounts"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Account(nil), f.accounts...), nil
}

func (f *fakeBackend) FindEstimates(ctx context.Context, customerID, status string) ([]Estimate, error) {
	if err := f.hit("FindEstimates"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Estimate
	for _, e := range f.estimates {
		if e.CustomerRef.Value == customerID && (status == "" || e.TxnStatus == status) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeBackend) GetEstimate(ctx context.Context, id string) (Estimate, error) {
	if err := f.hit("GetEstimate"); err != nil {
		return Estimate{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.estimates {
		if e.ID == id {
			return e, nil
		}
	}
	return Estimate{}, &Error{Kind: KindNotFound, Message: "Object Not Found"}
}

func (f *fakeBackend) CreateEstimate(ctx context.Context, e Estimate) (Estimate, error) {
	if err := f.hit("CreateEstimate"); err != nil {
		return Estimate{}, err
	}
	e.ID = f.id()
	e.TxnStatus = "Pending"
	f.mu.Lock()
	f.estimates = append(f.estimates, e)
	f.mu.Unlock()
	return e, nil
}

func (f *fakeBackend) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	if err := f.hit("GetInvoice"); err != nil {
		return Invoice{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok {
		return Invoice{}, &Error{Kind: KindNotFound, Message: "Object Not Found"}
	}
	return inv, nil
}

func (f *fakeBackend) CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	if err := f.hit("CreateInvoice"); err != nil {
		return Invoice{}, err
	}
	inv.ID = f.id()
	inv.SyncToken = "0"
	for _, l := range inv.Line {
		inv.TotalAmt += l.Amount
	}
	inv.Balance = inv.TotalAmt
	f.mu.Lock()
	f.invoices[inv.ID] = inv
	f.mu.Unlock()
	return inv, nil
}

func (f *fakeBackend) SendInvoice(ctx context.Context, id, email string) (Invoice, error) {
	if err := f.hit("SendInvoice"); err != nil {
		return Invoice{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok {
		return Invoice{}, &Error{Kind: KindNotFound, Message: "Object Not Found"}
	}
	inv.EmailStatus = "EmailSent"
	f.invoices[id] = inv
	return inv, nil
}

func (f *fakeBackend) VoidInvoice(ctx context.Context, id, syncToken string) (Invoice, error) {
	if err := f.hit("VoidInvoice"); err != nil {
		return Invoice{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok {
		return Invoice{}, &Error{Kind: KindNotFound, Message: "Object Not Found"}
	}
	if syncToken != inv.SyncToken {
		return Invoice{}, &Error{Kind: KindInvalidData, Message: "stale object"}
	}
	inv.Balance = 0
	inv.SyncToken = "1"
	f.invoices[id] = inv
	return inv, nil
}

func (f *fakeBackend) CreatePayment(ctx context.Context, p Payment) (Payment, error) {
	if err := f.hit("CreatePayment"); err != nil {
		return Payment{}, err
	}
	p.ID = f.id()
	f.mu.Lock()
	f.payments = append(f.payments, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeBackend) CreatePurchase(ctx context.Context, p Purchase) (Purchase, error) {
	if err := f.hit("CreatePurchase"); err != nil {
		return Purchase{}, err
	}
	p.ID = f.id()
	f.mu.Lock()
	f.purchases = append(f.purchases, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeBackend) CustomerTransactions(ctx context.Context, customerID string, start, end time.Time) ([]Transaction, error) {
	if err := f.hit("CustomerTransactions"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Transaction
	for _, inv := range f.invoices {
		if inv.CustomerRef.Value == customerID {
			out = append(out, Transaction{Type: "Invoice", ID: inv.ID, Amount: inv.TotalAmt, Balance: inv.Balance})
		}
	}
	return out, nil
}

func (f *fakeBackend) RecentTransactions(ctx context.Context, since time.Time) ([]Transaction, error) {
	if err := f.hit("RecentTransactions"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := since.Format(DateLayout)
	var out []Transaction
	for _, inv := range f.invoices {
		if inv.TxnDate >= cutoff {
			out = append(out, Transaction{Type: "Invoice", ID: inv.ID, CustomerID: inv.CustomerRef.Value,
				Date: inv.TxnDate, Amount: inv.TotalAmt, Balance: inv.Balance})
		}
	}
	for _, p := range f.payments {
		if p.TxnDate >= cutoff {
			out = append(out, Transaction{Type: "Payment", ID: p.ID, CustomerID: p.CustomerRef.Value,
				Date: p.TxnDate, Amount: p.TotalAmt})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}
