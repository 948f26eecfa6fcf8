package tools

import (
	"context"
	"fmt"
	"math"
	"net/mail"
	"time"

	"github.com/nugget/ledger-agent/internal/accounting"
)

// Accounting is the gateway surface the accounting tools call.
// *accounting.Gateway satisfies it.
type Accounting interface {
	FindCustomers(ctx context.Context, text string) ([]accounting.Customer, error)
	GetCustomer(ctx context.Context, id string, forceRefresh bool) (accounting.Customer, error)
	FindOrCreateCustomer(ctx context.Context, name, email string) (accounting.Customer, bool, error)
	FindOrCreateVendor(ctx context.Context, name string) (accounting.Vendor, bool, error)
	ChartOfAccounts(ctx context.Context, forceRefresh bool) ([]accounting.Account, error)
	FindAccount(ctx context.Context, name string) (accounting.Account, error)
	FindEstimates(ctx context.Context, customerID, status string) ([]accounting.Estimate, error)
	GetEstimate(ctx context.Context, id string) (accounting.Estimate, error)
	CreateEstimate(ctx context.Context, req accounting.EstimateRequest) (accounting.Estimate, error)
	CreateInvoice(ctx context.Context, req accounting.InvoiceRequest) (accounting.Invoice, error)
	SendInvoice(ctx context.Context, id, email string) (accounting.Invoice, error)
	VoidInvoice(ctx context.Context, id string) (accounting.Invoice, error)
	RecordPayment(ctx context.Context, req accounting.PaymentRequest) (accounting.Payment, error)
	RecordExpense(ctx context.Context, req accounting.ExpenseRequest) (accounting.Purchase, error)
	ListCustomerTransactions(ctx context.Context, customerID string, start, end time.Time) ([]accounting.Transaction, error)
	RecentTransactions(ctx context.Context, days int) ([]accounting.RecentTransaction, error)
}

var _ Accounting = (*accounting.Gateway)(nil)

// defaultTransactionWindow is how far back GET_CUSTOMER_TRANSACTIONS
// looks when no start date is given.
const defaultTransactionWindow = 365 * 24 * time.Hour

// defaultRecentDays is the GET_RECENT_TRANSACTIONS window when days is
// not given.
const defaultRecentDays = 30

var lineParams = []Param{
	{Name: "lines", Type: "array", Description: "line items: [{amount, description, qty, item_id}]; or give amount and description instead"},
	{Name: "amount", Type: "number", Description: "total for a single-line document"},
	{Name: "description", Type: "string", Description: "description for a single-line document"},
}

type accountingTools struct {
	acct Accounting
	now  func() time.Time
}

// RegisterAccounting adds every accounting tool backed by acct.
func RegisterAccounting(r *Registry, acct Accounting) {
	a := &accountingTools{acct: acct, now: time.Now}

	r.Register(&Tool{
		Name:        "FIND_CUSTOMERS",
		Description: "Search active customers by display name, company name, or email address.",
		Class:       ClassAccounting,
		Parameters:  []Param{{Name: "query", Type: "string", Description: "name or email fragment", Required: true}},
		Handler:     a.findCustomers,
	})
	r.Register(&Tool{
		Name:        "GET_CUSTOMER",
		Description: "Fetch one customer by id.",
		Class:       ClassAccounting,
		Parameters: []Param{
			{Name: "customer_id", Type: "string", Required: true},
			{Name: "force_refresh", Type: "boolean", Description: "bypass the local cache"},
		},
		Handler: a.getCustomer,
	})
	r.Register(&Tool{
		Name:        "FIND_OR_CREATE_CUSTOMER",
		Description: "Return the customer with this exact display name, creating it when none exists.",
		Class:       ClassAccounting,
		Parameters: []Param{
			{Name: "name", Type: "string", Required: true},
			{Name: "email", Type: "string", Description: "billing email for a new customer"},
		},
		Handler: a.findOrCreateCustomer,
	})
	r.Register(&Tool{
		Name:        "FIND_OR_CREATE_VENDOR",
		Description: "Return the vendor with this exact display name, creating it when none exists.",
		Class:       ClassAccounting,
		Parameters:  []Param{{Name: "name", Type: "string", Required: true}},
		Handler:     a.findOrCreateVendor,
	})
	r.Register(&Tool{
		Name:        "GET_CUSTOMER_TRANSACTIONS",
		Description: "List a customer's invoices and payments between two dates (default: the last year).",
		Class:       ClassAccounting,
		Parameters: []Param{
			{Name: "customer_id", Type: "string", Required: true},
			{Name: "start_date", Type: "string", Description: "YYYY-MM-DD"},
			{Name: "end_date", Type: "string", Description: "YYYY-MM-DD"},
		},
		Handler: a.customerTransactions,
	})
	r.Register(&Tool{
		Name:        "GET_RECENT_TRANSACTIONS",
		Description: "List every customer's invoices and payments from the last days days, with each customer's name and email.",
		Class:       ClassAccounting,
		Parameters:  []Param{{Name: "days", Type: "number", Description: fmt.Sprintf("1 to %d; default %d", accounting.MaxRecentDays, defaultRecentDays)}},
		Check:       checkDays,
		Handler:     a.recentTransactions,
	})
	r.Register(&Tool{
		Name:        "FIND_ESTIMATES",
		Description: "List a customer's estimates, optionally by status (Pending, Accepted, Closed, Rejected).",
		Class:       ClassAccounting,
		Parameters: []Param{
			{Name: "customer_id", Type: "string", Required: true},
			{Name: "status", Type: "string"},
		},
		Handler: a.findEstimates,
	})
	r.Register(&Tool{
		Name:        "GET_ESTIMATE",
		Description: "Fetch one estimate by id.",
		Class:       ClassAccounting,
		Parameters:  []Param{{Name: "estimate_id", Type: "string", Required: true}},
		Handler:     a.getEstimate,
	})
	r.Register(&Tool{
		Name:        "LIST_ACCOUNTS",
		Description: "List the chart of accounts, or resolve one account when name is given.",
		Class:       ClassAccounting,
		Parameters: []Param{
			{Name: "name", Type: "string", Description: "account name to resolve"},
			{Name: "force_refresh", Type: "boolean"},
		},
		Handler: a.listAccounts,
	})

	r.Register(&Tool{
		Name:                 "CREATE_INVOICE",
		Description:          "Create an invoice for an existing customer id.",
		Class:                ClassAccounting,
		RequiresConfirmation: true,
		Parameters: append([]Param{
			{Name: "customer_id", Type: "string", Required: true},
			{Name: "doc_number", Type: "string", Description: "invoice number; the only guard against duplicates"},
			{Name: "txn_date", Type: "string", Description: "YYYY-MM-DD"},
			{Name: "due_date", Type: "string", Description: "YYYY-MM-DD"},
			{Name: "memo", Type: "string"},
			{Name: "bill_email", Type: "string"},
		}, lineParams...),
		Check:   checkInvoice,
		Handler: a.createInvoice,
	})
	r.Register(&Tool{
		Name:                 "SEND_INVOICE",
		Description:          "Email an invoice to the customer, or to email when given.",
		Class:                ClassAccounting,
		RequiresConfirmation: true,
		Parameters: []Param{
			{Name: "invoice_id", Type: "string", Required: true},
			{Name: "email", Type: "string"},
		},
		Check:   checkEmail("email"),
		Handler: a.sendInvoice,
	})
	r.Register(&Tool{
		Name:                 "VOID_INVOICE",
		Description:          "Void an invoice. Amounts become zero; the record is kept.",
		Class:                ClassAccounting,
		RequiresConfirmation: true,
		Parameters:           []Param{{Name: "invoice_id", Type: "string", Required: true}},
		Handler:              a.voidInvoice,
	})
	r.Register(&Tool{
		Name:                 "RECORD_PAYMENT",
		Description:          "Record money received from a customer, optionally applied to an invoice.",
		Class:                ClassAccounting,
		RequiresConfirmation: true,
		Parameters: []Param{
			{Name: "customer_id", Type: "string", Required: true},
			{Name: "amount", Type: "number", Required: true},
			{Name: "invoice_id", Type: "string"},
			{Name: "date", Type: "string", Description: "YYYY-MM-DD"},
			{Name: "reference", Type: "string", Description: "check or transfer reference"},
			{Name: "memo", Type: "string"},
		},
		Check:   checkAmountAndDate,
		Handler: a.recordPayment,
	})
	r.Register(&Tool{
		Name:                 "RECORD_EXPENSE",
		Description:          "Record a purchase from a vendor (created if new) against an expense account.",
		Class:                ClassAccounting,
		RequiresConfirmation: true,
		Parameters: []Param{
			{Name: "vendor", Type: "string", Required: true},
			{Name: "amount", Type: "number", Required: true},
			{Name: "category", Type: "string", Description: "expense account name", Required: true},
			{Name: "payment_account", Type: "string", Description: "default Checking"},
			{Name: "payment_type", Type: "string", Description: "Cash, Check or CreditCard; default Cash"},
			{Name: "description", Type: "string"},
			{Name: "date", Type: "string", Description: "YYYY-MM-DD"},
			{Name: "doc_number", Type: "string"},
		},
		Check:   checkAmountAndDate,
		Handler: a.recordExpense,
	})
	r.Register(&Tool{
		Name:                 "CREATE_ESTIMATE",
		Description:          "Create an estimate for an existing customer id.",
		Class:                ClassAccounting,
		RequiresConfirmation: true,
		Parameters: append([]Param{
			{Name: "customer_id", Type: "string", Required: true},
			{Name: "doc_number", Type: "string"},
			{Name: "txn_date", Type: "string", Description: "YYYY-MM-DD"},
			{Name: "expiration_date", Type: "string", Description: "YYYY-MM-DD"},
			{Name: "memo", Type: "string"},
		}, lineParams...),
		Check:   checkSales("txn_date", "expiration_date"),
		Handler: a.createEstimate,
	})
}

func (a *accountingTools) findCustomers(ctx context.Context, args map[string]any) (string, error) {
	custs, err := a.acct.FindCustomers(ctx, stringArg(args, "query"))
	if err != nil {
		return "", err
	}
	return jsonResult(fmt.Sprintf("%d customer(s) found.", len(custs)), custs)
}

func (a *accountingTools) getCustomer(ctx context.Context, args map[string]any) (string, error) {
	c, err := a.acct.GetCustomer(ctx, stringArg(args, "customer_id"), boolArg(args, "force_refresh"))
	if err != nil {
		return "", err
	}
	return jsonResult("", c)
}

func (a *accountingTools) findOrCreateCustomer(ctx context.Context, args map[string]any) (string, error) {
	c, created, err := a.acct.FindOrCreateCustomer(ctx, stringArg(args, "name"), stringArg(args, "email"))
	if err != nil {
		return "", err
	}
	verb := "Found existing"
	if created {
		verb = "Created new"
	}
	return jsonResult(fmt.Sprintf("%s customer %q (id %s).", verb, c.DisplayName, c.ID), c)
}

func (a *accountingTools) findOrCreateVendor(ctx context.Context, args map[string]any) (string, error) {
	v, created, err := a.acct.FindOrCreateVendor(ctx, stringArg(args, "name"))
	if err != nil {
		return "", err
	}
	verb := "Found existing"
	if created {
		verb = "Created new"
	}
	return jsonResult(fmt.Sprintf("%s vendor %q (id %s).", verb, v.DisplayName, v.ID), v)
}

func (a *accountingTools) customerTransactions(ctx context.Context, args map[string]any) (string, error) {
	start, err := dateArg(args, "start_date")
	if err != nil {
		return "", err
	}
	end, err := dateArg(args, "end_date")
	if err != nil {
		return "", err
	}
	if end.IsZero() {
		end = a.now()
	}
	if start.IsZero() {
		start = end.Add(-defaultTransactionWindow)
	}
	txns, err := a.acct.ListCustomerTransactions(ctx, stringArg(args, "customer_id"), start, end)
	if err != nil {
		return "", err
	}
	return jsonResult(fmt.Sprintf("%d transaction(s) from %s to %s.", len(txns),
		start.Format(accounting.DateLayout), end.Format(accounting.DateLayout)), txns)
}

func (a *accountingTools) recentTransactions(ctx context.Context, args map[string]any) (string, error) {
	days, present, err := numberArg(args, "days")
	if err != nil {
		return "", err
	}
	if !present {
		days = defaultRecentDays
	}
	txns, err := a.acct.RecentTransactions(ctx, int(days))
	if err != nil {
		return "", err
	}
	return jsonResult(fmt.Sprintf("%d transaction(s) in the last %d day(s).", len(txns), int(days)), txns)
}

func (a *accountingTools) findEstimates(ctx context.Context, args map[string]any) (string, error) {
	ests, err := a.acct.FindEstimates(ctx, stringArg(args, "customer_id"), stringArg(args, "status"))
	if err != nil {
		return "", err
	}
	return jsonResult(fmt.Sprintf("%d estimate(s) found.", len(ests)), ests)
}

func (a *accountingTools) getEstimate(ctx context.Context, args map[string]any) (string, error) {
	e, err := a.acct.GetEstimate(ctx, stringArg(args, "estimate_id"))
	if err != nil {
		return "", err
	}
	return jsonResult("", e)
}

func (a *accountingTools) listAccounts(ctx context.Context, args map[string]any) (string, error) {
	if name := stringArg(args, "name"); name != "" {
		acct, err := a.acct.FindAccount(ctx, name)
		if err != nil {
			return "", err
		}
		return jsonResult(fmt.Sprintf("Account %q resolves to id %s.", name, acct.ID), acct)
	}
	accts, err := a.acct.ChartOfAccounts(ctx, boolArg(args, "force_refresh"))
	if err != nil {
		return "", err
	}
	type brief struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	}
	out := make([]brief, 0, len(accts))
	for _, ac := range accts {
		out = append(out, brief{ID: ac.ID, Name: ac.FullyQualifiedName, Type: ac.AccountType})
		if out[len(out)-1].Name == "" {
			out[len(out)-1].Name = ac.Name
		}
	}
	return jsonResult(fmt.Sprintf("%d account(s).", len(out)), out)
}

func (a *accountingTools) createInvoice(ctx context.Context, args map[string]any) (string, error) {
	lines, err := lineItemsArg(args)
	if err != nil {
		return "", err
	}
	txnDate, err := dateArg(args, "txn_date")
	if err != nil {
		return "", err
	}
	due, err := dateArg(args, "due_date")
	if err != nil {
		return "", err
	}
	inv, err := a.acct.CreateInvoice(ctx, accounting.InvoiceRequest{
		CustomerID: stringArg(args, "customer_id"),
		Lines:      lines,
		DocNumber:  stringArg(args, "doc_number"),
		TxnDate:    txnDate,
		DueDate:    due,
		Memo:       stringArg(args, "memo"),
		BillEmail:  stringArg(args, "bill_email"),
	})
	if err != nil {
		return "", err
	}
	return jsonResult(fmt.Sprintf("Created invoice %s (id %s) for $%.2f.", inv.DocNumber, inv.ID, inv.TotalAmt), inv)
}

func (a *accountingTools) sendInvoice(ctx context.Context, args map[string]any) (string, error) {
	inv, err := a.acct.SendInvoice(ctx, stringArg(args, "invoice_id"), stringArg(args, "email"))
	if err != nil {
		return "", err
	}
	return jsonResult(fmt.Sprintf("Sent invoice %s (status %s).", inv.ID, inv.EmailStatus), inv)
}

func (a *accountingTools) voidInvoice(ctx context.Context, args map[string]any) (string, error) {
	inv, err := a.acct.VoidInvoice(ctx, stringArg(args, "invoice_id"))
	if err != nil {
		return "", err
	}
	return jsonResult(fmt.Sprintf("Voided invoice %s.", inv.ID), inv)
}

func (a *accountingTools) recordPayment(ctx context.Context, args map[string]any) (string, error) {
	amount, _, err := numberArg(args, "amount")
	if err != nil {
		return "", err
	}
	date, err := dateArg(args, "date")
	if err != nil {
		return "", err
	}
	p, err := a.acct.RecordPayment(ctx, accounting.PaymentRequest{
		CustomerID: stringArg(args, "customer_id"),
		InvoiceID:  stringArg(args, "invoice_id"),
		Amount:     amount,
		TxnDate:    date,
		RefNum:     stringArg(args, "reference"),
		Memo:       stringArg(args, "memo"),
	})
	if err != nil {
		return "", err
	}
	return jsonResult(fmt.Sprintf("Recorded payment %s of $%.2f.", p.ID, p.TotalAmt), p)
}

func (a *accountingTools) recordExpense(ctx context.Context, args map[string]any) (string, error) {
	amount, _, err := numberArg(args, "amount")
	if err != nil {
		return "", err
	}
	date, err := dateArg(args, "date")
	if err != nil {
		return "", err
	}
	p, err := a.acct.RecordExpense(ctx, accounting.ExpenseRequest{
		VendorName:     stringArg(args, "vendor"),
		Amount:         amount,
		Category:       stringArg(args, "category"),
		PaymentAccount: stringArg(args, "payment_account"),
		PaymentType:    stringArg(args, "payment_type"),
		Description:    stringArg(args, "description"),
		TxnDate:        date,
		DocNumber:      stringArg(args, "doc_number"),
	})
	if err != nil {
		return "", err
	}
	return jsonResult(fmt.Sprintf("Recorded expense %s of $%.2f.", p.ID, p.TotalAmt), p)
}

func (a *accountingTools) createEstimate(ctx context.Context, args map[string]any) (string, error) {
	lines, err := lineItemsArg(args)
	if err != nil {
		return "", err
	}
	txnDate, err := dateArg(args, "txn_date")
	if err != nil {
		return "", err
	}
	exp, err := dateArg(args, "expiration_date")
	if err != nil {
		return "", err
	}
	est, err := a.acct.CreateEstimate(ctx, accounting.EstimateRequest{
		CustomerID:     stringArg(args, "customer_id"),
		Lines:          lines,
		DocNumber:      stringArg(args, "doc_number"),
		TxnDate:        txnDate,
		ExpirationDate: exp,
		Memo:           stringArg(args, "memo"),
	})
	if err != nil {
		return "", err
	}
	return jsonResult(fmt.Sprintf("Created estimate %s (id %s) for $%.2f.", est.DocNumber, est.ID, est.TotalAmt), est)
}

// checkSales validates the line items of an invoice or estimate and the
// named date parameters.
func checkSales(dateKeys ...string) func(map[string]any) error {
	return func(args map[string]any) error {
		lines, err := lineItemsArg(args)
		if err != nil {
			return err
		}
		for i, l := range lines {
			if l.Amount > 0 {
				continue
			}
			param := "amount"
			if args["lines"] != nil {
				param = fmt.Sprintf("lines[%d].amount", i)
			}
			return &ErrInvalidParam{Param: param, Reason: fmt.Sprintf("must be positive, got %v", l.Amount)}
		}
		for _, key := range dateKeys {
			if _, err := dateArg(args, key); err != nil {
				return err
			}
		}
		return nil
	}
}

func checkInvoice(args map[string]any) error {
	if err := checkEmail("bill_email")(args); err != nil {
		return err
	}
	return checkSales("txn_date", "due_date")(args)
}

func checkAmountAndDate(args map[string]any) error {
	amount, _, err := numberArg(args, "amount")
	if err != nil {
		return err
	}
	if amount <= 0 {
		return &ErrInvalidParam{Param: "amount", Reason: fmt.Sprintf("must be positive, got %v", amount)}
	}
	_, err = dateArg(args, "date")
	return err
}

// checkEmail accepts a bare address only.
func checkEmail(key string) func(map[string]any) error {
	return func(args map[string]any) error {
		s := stringArg(args, key)
		if s == "" {
			return nil
		}
		if addr, err := mail.ParseAddress(s); err != nil || addr.Address != s {
			return &ErrInvalidParam{Param: key, Reason: fmt.Sprintf("is not an email address: %q", s)}
		}
		return nil
	}
}

func checkDays(args map[string]any) error {
	days, present, err := numberArg(args, "days")
	if err != nil || !present {
		return err
	}
	if days != math.Trunc(days) || days < 1 || days > accounting.MaxRecentDays {
		return &ErrInvalidParam{Param: "days", Reason: fmt.Sprintf("must be a whole number from 1 to %d, got %v", accounting.MaxRecentDays, days)}
	}
	return nil
}
