package procurement

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/storeflow/internal/workflow"
)

var (
	// ErrUnknownWorkflow indicates a workflow name missing from the registry.
	ErrUnknownWorkflow = errors.New("procurement: unknown workflow")
	// ErrRowNotFound indicates the row handle is not present in the sheet.
	ErrRowNotFound = errors.New("procurement: row not found")
	// ErrNotPending indicates the row is no longer waiting on the expected stage.
	ErrNotPending = errors.New("procurement: row is not pending at this stage")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("procurement: validation failed")
	// ErrOverCancel indicates a cancellation larger than the open quantity.
	ErrOverCancel = errors.New("procurement: cancel quantity exceeds open quantity")
)

// Sheet names of the remote store.
const (
	SheetIndent  = "INDENT"
	SheetPO      = "PO"
	SheetTally   = "TALLY"
	SheetPayment = "PAYMENT"
)

// Number prefixes.
const (
	IndentPrefix  = "SI-"
	PaymentPrefix = "PAY-"
	POBase        = "STORE-PO"
	numberWidth   = 4
)

// Column aliases. The first alias is the name written on insert.
var (
	colTimestamp      = []string{"Timestamp", "timestamp"}
	colIndentNumber   = []string{"Indent Number", "indentNumber", "Indent No", "indent_number"}
	colFirm           = []string{"Firm Name", "firmName", "Firm", "firm"}
	colItem           = []string{"Item Name", "itemName", "Product Name", "Item"}
	colQuantity       = []string{"Quantity", "quantity", "Qty"}
	colCancelled      = []string{"Cancelled Quantity", "cancelledQuantity", "Cancel Qty"}
	colUnit           = []string{"UOM", "Unit", "unit"}
	colIndenter       = []string{"Indenter Name", "indenterName", "Indenter"}
	colDepartment     = []string{"Department", "department"}
	colRemarks        = []string{"Remarks", "remarks"}
	colVendor         = []string{"Vendor Name", "vendorName", "Vendor"}
	colRate           = []string{"Rate", "rate"}
	colTerms          = []string{"Payment Terms", "paymentTerms", "Terms"}
	colPONumber       = []string{"PO Number", "poNumber", "PO No"}
	colRevision       = []string{"Revision Number", "revisionNumber"}
	colIndentList     = []string{"Indent Numbers", "indentNumbers"}
	colAmount         = []string{"Amount", "amount", "Total Amount"}
	colPaymentNumber  = []string{"Payment Number", "paymentNumber"}
	colPaymentMode    = []string{"Payment Mode", "paymentMode"}
	colBillNumber     = []string{"Bill Number", "billNumber", "Invoice Number"}
	colBillCopy       = []string{"Bill Copy", "billCopy", "Invoice Copy"}
	colQuotationCopy  = []string{"Quotation Copy", "quotationCopy"}
	colTransporter    = []string{"Transporter Name", "transporterName"}
	colVehicleNumber  = []string{"Vehicle Number", "vehicleNumber", "Truck No"}
	colReceivedQty    = []string{"Received Quantity", "receivedQuantity"}
	colPaymentProof   = []string{"Payment Proof", "paymentProof"}
	colTransactionRef = []string{"Transaction Reference", "transactionReference", "UTR"}
)

// Workflow binds a stage table to the sheet holding its rows.
type Workflow struct {
	Name      string
	Sheet     string
	Table     workflow.Table
	Projector workflow.Projector
	// Attachments lists the display fields that accept uploaded files.
	Attachments []string
}

func (w Workflow) acceptsAttachment(field string) bool {
	for _, name := range w.Attachments {
		if name == field {
			return true
		}
	}
	return false
}

// Registry holds the known workflows by name.
type Registry struct {
	workflows map[string]Workflow
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]Workflow)}
}

// Register validates and adds wf, replacing any workflow of the same name.
func (r *Registry) Register(wf Workflow) error {
	if wf.Name == "" || wf.Sheet == "" {
		return fmt.Errorf("%w: workflow needs a name and a sheet", ErrValidation)
	}
	if err := wf.Table.Validate(); err != nil {
		return err
	}
	wf.Projector.Table = wf.Table
	r.workflows[wf.Name] = wf
	return nil
}

// Get returns the workflow registered under name.
func (r *Registry) Get(name string) (Workflow, error) {
	wf, ok := r.workflows[name]
	if !ok {
		return Workflow{}, fmt.Errorf("%w: %q", ErrUnknownWorkflow, name)
	}
	return wf, nil
}

// Names returns the registered workflow names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sheets returns the distinct sheets read by the registered workflows.
func (r *Registry) Sheets() []string {
	seen := make(map[string]struct{})
	var sheets []string
	for _, name := range r.Names() {
		sheet := r.workflows[name].Sheet
		if _, ok := seen[sheet]; ok {
			continue
		}
		seen[sheet] = struct{}{}
		sheets = append(sheets, sheet)
	}
	return sheets
}

// RegistryOptions customise the projectors of DefaultRegistry.
type RegistryOptions struct {
	Logger  *slog.Logger
	Observe func(table string, res workflow.Result)
	// HistoryOrder overrides the history sort. Nil keeps the
	// lexicographic identifier order.
	HistoryOrder func(a, b workflow.DisplayRecord) bool
}

// DefaultRegistry builds the indent, lift, tally and payment workflows.
func DefaultRegistry(opts RegistryOptions) *Registry {
	projector := func(identifier []string, fields map[string][]string) workflow.Projector {
		return workflow.Projector{
			Identifier: identifier,
			Firm:       colFirm,
			Fields:     fields,
			Less:       opts.HistoryOrder,
			Logger:     opts.Logger,
			Observe:    opts.Observe,
		}
	}
	reg := NewRegistry()
	for _, wf := range []Workflow{
		{
			Name:  workflow.IndentApprovalTable.Name,
			Sheet: SheetIndent,
			Table: workflow.IndentApprovalTable,
			Projector: projector(colIndentNumber, map[string][]string{
				"Item":           colItem,
				"Quantity":       colQuantity,
				"Cancelled":      colCancelled,
				"UOM":            colUnit,
				"Indenter":       colIndenter,
				"Department":     colDepartment,
				"Vendor":         colVendor,
				"Rate":           colRate,
				"Payment Terms":  colTerms,
				"PO Number":      colPONumber,
				"Remarks":        colRemarks,
				"Quotation Copy": colQuotationCopy,
			}),
			Attachments: []string{"Quotation Copy"},
		},
		{
			Name:  workflow.LiftTable.Name,
			Sheet: SheetPO,
			Table: workflow.LiftTable,
			Projector: projector(colPONumber, map[string][]string{
				"Vendor":            colVendor,
				"Indents":           colIndentList,
				"Amount":            colAmount,
				"Revision":          colRevision,
				"Transporter":       colTransporter,
				"Vehicle Number":    colVehicleNumber,
				"Received Quantity": colReceivedQty,
				"Bill Copy":         colBillCopy,
			}),
			Attachments: []string{"Bill Copy"},
		},
		{
			Name:  workflow.TallyEntryTable.Name,
			Sheet: SheetTally,
			Table: workflow.TallyEntryTable,
			Projector: projector(colBillNumber, map[string][]string{
				"PO Number": colPONumber,
				"Vendor":    colVendor,
				"Amount":    colAmount,
				"Bill Copy": colBillCopy,
				"Remarks":   colRemarks,
			}),
			Attachments: []string{"Bill Copy"},
		},
		{
			Name:  workflow.PaymentTable.Name,
			Sheet: SheetPayment,
			Table: workflow.PaymentTable,
			Projector: projector(colPaymentNumber, map[string][]string{
				"PO Number":             colPONumber,
				"Vendor":                colVendor,
				"Amount":                colAmount,
				"Payment Mode":          colPaymentMode,
				"Transaction Reference": colTransactionRef,
				"Payment Proof":         colPaymentProof,
				"Remarks":               colRemarks,
			}),
			Attachments: []string{"Payment Proof"},
		},
	} {
		if err := reg.Register(wf); err != nil {
			panic(err)
		}
	}
	return reg
}

// Indent is a purchase request raised by a store user.
type Indent struct {
	Handle     workflow.RowHandle `json:"rowIndex,omitempty"`
	Number     string             `json:"indentNumber"`
	Firm       string             `json:"firm"`
	Item       string             `json:"item"`
	Quantity   decimal.Decimal    `json:"quantity"`
	Unit       string             `json:"uom,omitempty"`
	Indenter   string             `json:"indenter"`
	Department string             `json:"department,omitempty"`
	Remarks    string             `json:"remarks,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// PurchaseOrder groups approved indents for one vendor.
type PurchaseOrder struct {
	Number    string          `json:"poNumber"`
	Firm      string          `json:"firm"`
	Vendor    string          `json:"vendor"`
	Indents   []string        `json:"indents"`
	Amount    decimal.Decimal `json:"amount"`
	Terms     string          `json:"paymentTerms,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Payment is a vendor payment awaiting approval and release.
type Payment struct {
	Number    string          `json:"paymentNumber"`
	Firm      string          `json:"firm"`
	Vendor    string          `json:"vendor"`
	PONumber  string          `json:"poNumber,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Mode      string          `json:"mode,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Summary counts the records of one workflow.
type Summary struct {
	Workflow string `json:"workflow"`
	Sheet    string `json:"sheet"`
	Pending  int    `json:"pending"`
	History  int    `json:"history"`
}
