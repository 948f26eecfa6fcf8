package accounting

import "time"

// DateLayout is the backend's transaction date format.
const DateLayout = "2006-01-02"

// Ref points at another backend entity.
type Ref struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
}

// EmailAddr is an email address field.
type EmailAddr struct {
	Address string `json:"Address,omitempty"`
}

// Customer is a backend customer record.
type Customer struct {
	ID               string     `json:"Id,omitempty"`
	SyncToken        string     `json:"SyncToken,omitempty"`
	DisplayName      string     `json:"DisplayName"`
	CompanyName      string     `json:"CompanyName,omitempty"`
	PrimaryEmailAddr *EmailAddr `json:"PrimaryEmailAddr,omitempty"`
	Active           bool       `json:"Active,omitempty"`
	Balance          float64    `json:"Balance,omitempty"`
}

// Email returns the customer's primary email address, if any.
func (c Customer) Email() string {
	if c.PrimaryEmailAddr == nil {
		return ""
	}
	return c.PrimaryEmailAddr.Address
}

// Vendor is a backend vendor record.
type Vendor struct {
	ID               string     `json:"Id,omitempty"`
	SyncToken        string     `json:"SyncToken,omitempty"`
	DisplayName      string     `json:"DisplayName"`
	PrimaryEmailAddr *EmailAddr `json:"PrimaryEmailAddr,omitempty"`
	Active           bool       `json:"Active,omitempty"`
}

// Account is one entry of the chart of accounts.
type Account struct {
	ID                 string `json:"Id"`
	Name               string `json:"Name"`
	FullyQualifiedName string `json:"FullyQualifiedName,omitempty"`
	AccountType        string `json:"AccountType,omitempty"`
	AccountSubType     string `json:"AccountSubType,omitempty"`
	Classification     string `json:"Classification,omitempty"`
	Active             bool   `json:"Active,omitempty"`
}

// SalesItemLineDetail describes a sales line on invoices and estimates.
type SalesItemLineDetail struct {
	ItemRef   *Ref    `json:"ItemRef,omitempty"`
	Qty       float64 `json:"Qty,omitempty"`
	UnitPrice float64 `json:"UnitPrice,omitempty"`
}

// AccountBasedExpenseLineDetail books an expense line to an account.
type AccountBasedExpenseLineDetail struct {
	AccountRef Ref `json:"AccountRef"`
}

// Line is a document line.
type Line struct {
	ID                            string                         `json:"Id,omitempty"`
	Amount                        float64                        `json:"Amount"`
	Description                   string                         `json:"Description,omitempty"`
	DetailType                    string                         `json:"DetailType"`
	SalesItemLineDetail           *SalesItemLineDetail           `json:"SalesItemLineDetail,omitempty"`
	AccountBasedExpenseLineDetail *AccountBasedExpenseLineDetail `json:"AccountBasedExpenseLineDetail,omitempty"`
}

// Invoice is a backend invoice.
type Invoice struct {
	ID          string     `json:"Id,omitempty"`
	SyncToken   string     `json:"SyncToken,omitempty"`
	DocNumber   string     `json:"DocNumber,omitempty"`
	CustomerRef Ref        `json:"CustomerRef"`
	Line        []Line     `json:"Line"`
	TxnDate     string     `json:"TxnDate,omitempty"`
	DueDate     string     `json:"DueDate,omitempty"`
	TotalAmt    float64    `json:"TotalAmt,omitempty"`
	Balance     float64    `json:"Balance,omitempty"`
	BillEmail   *EmailAddr `json:"BillEmail,omitempty"`
	EmailStatus string     `json:"EmailStatus,omitempty"`
	PrivateNote string     `json:"PrivateNote,omitempty"`
}

// Estimate is a backend estimate (quote).
type Estimate struct {
	ID             string  `json:"Id,omitempty"`
	SyncToken      string  `json:"SyncToken,omitempty"`
	DocNumber      string  `json:"DocNumber,omitempty"`
	CustomerRef    Ref     `json:"CustomerRef"`
	Line           []Line  `json:"Line"`
	TxnDate        string  `json:"TxnDate,omitempty"`
	ExpirationDate string  `json:"ExpirationDate,omitempty"`
	TotalAmt       float64 `json:"TotalAmt,omitempty"`
	TxnStatus      string  `json:"TxnStatus,omitempty"`
	PrivateNote    string  `json:"PrivateNote,omitempty"`
}

// LinkedTxn ties a payment line to the document it settles.
type LinkedTxn struct {
	TxnID   string `json:"TxnId"`
	TxnType string `json:"TxnType"`
}

// PaymentLine applies part of a payment to linked transactions.
type PaymentLine struct {
	Amount    float64     `json:"Amount"`
	LinkedTxn []LinkedTxn `json:"LinkedTxn"`
}

// Payment is a customer payment.
type Payment struct {
	ID            string        `json:"Id,omitempty"`
	CustomerRef   Ref           `json:"CustomerRef"`
	TotalAmt      float64       `json:"TotalAmt"`
	TxnDate       string        `json:"TxnDate,omitempty"`
	PaymentRefNum string        `json:"PaymentRefNum,omitempty"`
	Line          []PaymentLine `json:"Line,omitempty"`
	PrivateNote   string        `json:"PrivateNote,omitempty"`
}

// Purchase is an expense paid from a bank or card account.
type Purchase struct {
	ID          string  `json:"Id,omitempty"`
	PaymentType string  `json:"PaymentType"`
	AccountRef  Ref     `json:"AccountRef"`
	EntityRef   *Ref    `json:"EntityRef,omitempty"`
	Line        []Line  `json:"Line"`
	TxnDate     string  `json:"TxnDate,omitempty"`
	TotalAmt    float64 `json:"TotalAmt,omitempty"`
	DocNumber   string  `json:"DocNumber,omitempty"`
	PrivateNote string  `json:"PrivateNote,omitempty"`
}

// Transaction is a flattened row of a customer's activity.
type Transaction struct {
	Type       string  `json:"type"`
	ID         string  `json:"id"`
	DocNumber  string  `json:"doc_number,omitempty"`
	CustomerID string  `json:"customer_id,omitempty"`
	Date       string  `json:"date"`
	Amount     float64 `json:"amount"`
	Balance    float64 `json:"balance"`
}

// RecentTransaction is a Transaction with its customer's details.
type RecentTransaction struct {
	Transaction
	CustomerName  string `json:"customer_name,omitempty"`
	CompanyName   string `json:"company_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

// LineItem is the simplified line shape accepted by gateway writes.
type LineItem struct {
	Amount      float64 `json:"amount"`
	Description string  `json:"description,omitempty"`
	ItemID      string  `json:"item_id,omitempty"`
	Qty         float64 `json:"qty,omitempty"`
}

// InvoiceRequest describes an invoice to create. DocNumber is the only
// deduplication hint; the gateway never suppresses repeated creates.
type InvoiceRequest struct {
	CustomerID string
	Lines      []LineItem
	DocNumber  string
	TxnDate    time.Time
	DueDate    time.Time
	Memo       string
	BillEmail  string
}

// EstimateRequest describes an estimate to create.
type EstimateRequest struct {
	CustomerID     string
	Lines          []LineItem
	DocNumber      string
	TxnDate        time.Time
	ExpirationDate time.Time
	Memo           string
}

// PaymentRequest records money received from a customer, optionally
// applied to one invoice.
type PaymentRequest struct {
	CustomerID string
	InvoiceID  string
	Amount     float64
	TxnDate    time.Time
	RefNum     string
	Memo       string
}

// ExpenseRequest records a purchase from a vendor.
type ExpenseRequest struct {
	VendorName     string
	Amount         float64
	Category       string // expense account name
	PaymentAccount string // bank or card account name; defaults to Checking
	PaymentType    string // Cash, Check or CreditCard; defaults to Cash
	Description    string
	TxnDate        time.Time
	DocNumber      string
}
