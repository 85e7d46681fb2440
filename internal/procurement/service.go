package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/storeflow/internal/sheet"
	"github.com/odyssey-erp/storeflow/internal/shared"
	"github.com/odyssey-erp/storeflow/internal/workflow"
)

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates the workflow views over the sheet store.
type Service struct {
	store       sheet.Store
	registry    *Registry
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	events      EventHandler
	logger      *slog.Logger
	defaultFirm string
	now         func() time.Time
}

// NewService constructs the procurement service. audit and idem may be nil.
func NewService(store sheet.Store, registry *Registry, audit AuditPort, idem *shared.IdempotencyStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = DefaultRegistry(RegistryOptions{Logger: logger})
	}
	return &Service{
		store:       store,
		registry:    registry,
		audit:       audit,
		idempotency: idem,
		events:      noopEvents{},
		logger:      logger,
		defaultFirm: workflow.AllFirms,
		now:         time.Now,
	}
}

// SetEvents installs the receiver of procurement events.
func (s *Service) SetEvents(h EventHandler) {
	if h == nil {
		h = noopEvents{}
	}
	s.events = h
}

// SetDefaultFirm sets the firm used when a request names none.
func (s *Service) SetDefaultFirm(firm string) {
	if strings.TrimSpace(firm) == "" {
		firm = workflow.AllFirms
	}
	s.defaultFirm = firm
}

// Registry exposes the workflows served by s.
func (s *Service) Registry() *Registry {
	return s.registry
}

// CreateIndentInput describes a new indent.
type CreateIndentInput struct {
	Firm       string
	Item       string
	Quantity   decimal.Decimal
	Unit       string
	Indenter   string
	Department string
	Remarks    string
	// RequestID deduplicates retried submissions when set.
	RequestID string
}

// AdvanceInput is the decision submitted for a pending stage.
type AdvanceInput struct {
	// Stage is the stage key the caller saw pending. Empty skips the check.
	Stage   string
	Status  string
	Remarks string
	Hold    bool
	// Fields are display field edits saved together with the stage.
	Fields map[string]string
}

// VendorRateInput carries the negotiated vendor terms of an indent.
type VendorRateInput struct {
	Vendor  string
	Rate    decimal.Decimal
	Terms   string
	Remarks string
}

// GeneratePOInput selects the indents ordered in one purchase order.
type GeneratePOInput struct {
	Firm    string
	Vendor  string
	Terms   string
	Indents []workflow.RowHandle
}

// PaymentInput describes a vendor payment request.
type PaymentInput struct {
	Firm      string
	Vendor    string
	PONumber  string
	Amount    decimal.Decimal
	Mode      string
	Remarks   string
	RequestID string
}

// Queue returns the pending and history records of a workflow.
func (s *Service) Queue(ctx context.Context, name, firm string) (workflow.Projection, error) {
	wf, err := s.registry.Get(name)
	if err != nil {
		return workflow.Projection{}, err
	}
	rows, err := s.fetch(ctx, wf.Sheet)
	if err != nil {
		return workflow.Projection{}, err
	}
	return wf.Projector.Project(rows, s.firm(firm)), nil
}

// Overview loads every workflow concurrently and counts its records.
func (s *Service) Overview(ctx context.Context, firm string) ([]Summary, error) {
	names := s.registry.Names()
	out := make([]Summary, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			wf, err := s.registry.Get(name)
			if err != nil {
				return err
			}
			rows, err := s.fetch(gctx, wf.Sheet)
			if err != nil {
				return err
			}
			projection := wf.Projector.Project(rows, s.firm(firm))
			out[i] = Summary{
				Workflow: wf.Name,
				Sheet:    wf.Sheet,
				Pending:  len(projection.Pending),
				History:  len(projection.History),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateIndent numbers and inserts a new indent with its approval scheduled.
func (s *Service) CreateIndent(ctx context.Context, input CreateIndentInput) (_ Indent, err error) {
	input.Firm = strings.TrimSpace(input.Firm)
	input.Item = strings.TrimSpace(input.Item)
	input.Indenter = strings.TrimSpace(input.Indenter)
	if input.Firm == "" || input.Item == "" || input.Indenter == "" {
		return Indent{}, fmt.Errorf("%w: firm, item and indenter are required", ErrValidation)
	}
	if !input.Quantity.IsPositive() {
		return Indent{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	release, err := s.claim(ctx, "indent", input.RequestID)
	if err != nil {
		return Indent{}, err
	}
	defer func() {
		if err != nil {
			release()
		}
	}()

	wf, err := s.registry.Get(workflow.IndentApprovalTable.Name)
	if err != nil {
		return Indent{}, err
	}
	rows, err := s.fetchCurrent(ctx, wf.Sheet)
	if err != nil {
		return Indent{}, err
	}
	now := s.now()
	stamp := now.Format(workflow.TimestampLayout)
	number := workflow.NextNumber(workflow.Identifiers(rows, colIndentNumber...), IndentPrefix, numberWidth)
	fields := map[string]any{
		colTimestamp[0]:               stamp,
		colIndentNumber[0]:            number,
		colFirm[0]:                    input.Firm,
		colItem[0]:                    input.Item,
		colQuantity[0]:                input.Quantity.String(),
		colUnit[0]:                    input.Unit,
		colIndenter[0]:                input.Indenter,
		colDepartment[0]:              input.Department,
		colRemarks[0]:                 input.Remarks,
		wf.Table.Stages[0].Planned[0]: stamp,
	}
	if err = s.store.Post(ctx, wf.Sheet, sheet.OpInsert, []workflow.Patch{workflow.BuildPatch("", fields)}); err != nil {
		return Indent{}, fmt.Errorf("insert indent %s: %w", number, err)
	}
	s.recordAudit(ctx, "INDENT_CREATE", "indent", number, map[string]any{"firm": input.Firm, "item": input.Item, "quantity": input.Quantity.String()})
	return Indent{
		Number:     number,
		Firm:       input.Firm,
		Item:       input.Item,
		Quantity:   input.Quantity,
		Unit:       input.Unit,
		Indenter:   input.Indenter,
		Department: input.Department,
		Remarks:    input.Remarks,
		CreatedAt:  now,
	}, nil
}

// Advance finishes the pending stage of a row and schedules the next one.
// The row is re-read first; ErrNotPending means it moved on since the
// caller last looked.
func (s *Service) Advance(ctx context.Context, name string, handle workflow.RowHandle, input AdvanceInput) (workflow.Patch, error) {
	wf, err := s.registry.Get(name)
	if err != nil {
		return workflow.Patch{}, err
	}
	if err := checkFields(wf, input.Fields); err != nil {
		return workflow.Patch{}, err
	}
	rows, err := s.fetchCurrent(ctx, wf.Sheet)
	if err != nil {
		return workflow.Patch{}, err
	}
	row, err := findRow(rows, handle)
	if err != nil {
		return workflow.Patch{}, err
	}
	index, err := pendingStage(wf, row, input.Stage)
	if err != nil {
		return workflow.Patch{}, err
	}
	var extra map[string]any
	if len(input.Fields) > 0 {
		extra = wf.Projector.Changes(wf.Projector.Display(row), input.Fields)
	}
	adv := workflow.AdvanceInput{
		Status:  input.Status,
		Remarks: input.Remarks,
		Hold:    input.Hold || strings.EqualFold(strings.TrimSpace(input.Status), workflow.StatusRejected),
		Extra:   extra,
	}
	return s.advance(ctx, wf, row, index, adv)
}

func (s *Service) advance(ctx context.Context, wf Workflow, row workflow.Row, index int, adv workflow.AdvanceInput) (workflow.Patch, error) {
	handle := workflow.HandleOf(row)
	patch, err := workflow.AdvancePatch(handle, wf.Table, index, adv, s.now())
	if err != nil {
		if errors.Is(err, workflow.ErrInvalidStatus) {
			return workflow.Patch{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return workflow.Patch{}, err
	}
	if err := s.store.Post(ctx, wf.Sheet, sheet.OpUpdate, []workflow.Patch{patch}); err != nil {
		return workflow.Patch{}, fmt.Errorf("advance %s row %s: %w", wf.Name, handle, err)
	}
	stage := wf.Table.Stages[index]
	status, _ := stage.CanonicalStatus(adv.Status)
	identifier := workflow.ResolveString(row, wf.Projector.Identifier...)
	s.recordAudit(ctx, "STAGE_ADVANCE", wf.Name, identifierOr(identifier, handle), map[string]any{
		"stage":  stage.Key,
		"status": status,
		"row":    string(handle),
	})
	s.events.HandleStageAdvanced(ctx, StageAdvancedEvent{
		Workflow:   wf.Name,
		Identifier: identifier,
		Stage:      stage.Key,
		Status:     status,
		Remarks:    adv.Remarks,
		Actor:      ActorFromContext(ctx),
		At:         s.now(),
	})
	return patch, nil
}

// Edit saves display field edits of a row. Only fields whose value changed
// are sent; nothing is posted when nothing changed.
func (s *Service) Edit(ctx context.Context, name string, handle workflow.RowHandle, changes map[string]string) (workflow.Patch, error) {
	wf, err := s.registry.Get(name)
	if err != nil {
		return workflow.Patch{}, err
	}
	if err := checkFields(wf, changes); err != nil {
		return workflow.Patch{}, err
	}
	rows, err := s.fetchCurrent(ctx, wf.Sheet)
	if err != nil {
		return workflow.Patch{}, err
	}
	row, err := findRow(rows, handle)
	if err != nil {
		return workflow.Patch{}, err
	}
	rec := wf.Projector.Display(row)
	patch := workflow.BuildPatch(handle, wf.Projector.Changes(rec, changes))
	if patch.Empty() {
		return patch, nil
	}
	if err := s.store.Post(ctx, wf.Sheet, sheet.OpUpdate, []workflow.Patch{patch}); err != nil {
		return workflow.Patch{}, fmt.Errorf("edit %s row %s: %w", wf.Name, handle, err)
	}
	s.recordAudit(ctx, "ROW_EDIT", wf.Name, identifierOr(rec.Identifier, handle), map[string]any{"fields": patch.Fields})
	return patch, nil
}

// CancelQuantity reduces the open quantity of an indent that has not been
// ordered yet and adds qty to its cancelled quantity.
func (s *Service) CancelQuantity(ctx context.Context, handle workflow.RowHandle, qty decimal.Decimal) (workflow.Patch, error) {
	if !qty.IsPositive() {
		return workflow.Patch{}, fmt.Errorf("%w: cancel quantity must be positive", ErrValidation)
	}
	wf, err := s.registry.Get(workflow.IndentApprovalTable.Name)
	if err != nil {
		return workflow.Patch{}, err
	}
	rows, err := s.fetchCurrent(ctx, wf.Sheet)
	if err != nil {
		return workflow.Patch{}, err
	}
	row, err := findRow(rows, handle)
	if err != nil {
		return workflow.Patch{}, err
	}
	if _, err := pendingStage(wf, row, ""); err != nil {
		return workflow.Patch{}, err
	}
	open, ok := workflow.ResolveQuantity(row, colQuantity...)
	if !ok {
		return workflow.Patch{}, fmt.Errorf("%w: indent has no quantity", ErrValidation)
	}
	if qty.GreaterThan(open) {
		return workflow.Patch{}, fmt.Errorf("%w: %s > %s", ErrOverCancel, qty, open)
	}
	cancelled, _ := workflow.ResolveQuantity(row, colCancelled...)
	patch := workflow.BuildPatch(handle, map[string]any{
		columnOf(row, colQuantity):  open.Sub(qty).String(),
		columnOf(row, colCancelled): cancelled.Add(qty).String(),
	})
	if err := s.store.Post(ctx, wf.Sheet, sheet.OpUpdate, []workflow.Patch{patch}); err != nil {
		return workflow.Patch{}, fmt.Errorf("cancel indent row %s: %w", handle, err)
	}
	number := workflow.ResolveString(row, colIndentNumber...)
	s.recordAudit(ctx, "INDENT_CANCEL_QTY", "indent", identifierOr(number, handle), map[string]any{"cancelled": qty.String(), "open": open.Sub(qty).String()})
	return patch, nil
}

// UpdateVendorRate stores the vendor terms of an indent and finishes its
// vendor-rate stage.
func (s *Service) UpdateVendorRate(ctx context.Context, handle workflow.RowHandle, input VendorRateInput) (workflow.Patch, error) {
	input.Vendor = strings.TrimSpace(input.Vendor)
	if input.Vendor == "" || !input.Rate.IsPositive() {
		return workflow.Patch{}, fmt.Errorf("%w: vendor and a positive rate are required", ErrValidation)
	}
	wf, err := s.registry.Get(workflow.IndentApprovalTable.Name)
	if err != nil {
		return workflow.Patch{}, err
	}
	rows, err := s.fetchCurrent(ctx, wf.Sheet)
	if err != nil {
		return workflow.Patch{}, err
	}
	row, err := findRow(rows, handle)
	if err != nil {
		return workflow.Patch{}, err
	}
	index, err := pendingStage(wf, row, "vendor-rate")
	if err != nil {
		return workflow.Patch{}, err
	}
	extra := map[string]any{
		columnOf(row, colVendor): input.Vendor,
		columnOf(row, colRate):   input.Rate.String(),
	}
	if input.Terms != "" {
		extra[columnOf(row, colTerms)] = input.Terms
	}
	return s.advance(ctx, wf, row, index, workflow.AdvanceInput{
		Status:  workflow.StatusDone,
		Remarks: input.Remarks,
		Extra:   extra,
	})
}

// GeneratePO creates a purchase order for indents waiting on PO generation
// and marks them ordered. The PO number restarts every fiscal year.
func (s *Service) GeneratePO(ctx context.Context, input GeneratePOInput) (_ PurchaseOrder, err error) {
	handles := uniqueHandles(input.Indents)
	if len(handles) == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: at least one indent is required", ErrValidation)
	}
	parts := make([]string, len(handles))
	for i, h := range handles {
		parts[i] = string(h)
	}
	release, err := s.claim(ctx, "po", strings.Join(parts, ","))
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer func() {
		if err != nil {
			release()
		}
	}()

	indentWF, err := s.registry.Get(workflow.IndentApprovalTable.Name)
	if err != nil {
		return PurchaseOrder{}, err
	}
	liftWF, err := s.registry.Get(workflow.LiftTable.Name)
	if err != nil {
		return PurchaseOrder{}, err
	}
	rows, err := s.fetchCurrent(ctx, indentWF.Sheet)
	if err != nil {
		return PurchaseOrder{}, err
	}

	po := PurchaseOrder{Firm: strings.TrimSpace(input.Firm), Vendor: strings.TrimSpace(input.Vendor), Terms: input.Terms, Amount: decimal.Zero}
	selected := make([]workflow.Row, 0, len(handles))
	stageIndex := -1
	for _, handle := range handles {
		row, err := findRow(rows, handle)
		if err != nil {
			return PurchaseOrder{}, err
		}
		index, err := pendingStage(indentWF, row, "po-generation")
		if err != nil {
			return PurchaseOrder{}, err
		}
		stageIndex = index
		number := workflow.ResolveString(row, colIndentNumber...)
		vendor := workflow.ResolveString(row, colVendor...)
		if po.Vendor == "" {
			po.Vendor = vendor
		} else if vendor != "" && !strings.EqualFold(vendor, po.Vendor) {
			return PurchaseOrder{}, fmt.Errorf("%w: indent %s is for vendor %q, not %q", ErrValidation, number, vendor, po.Vendor)
		}
		firm := workflow.ResolveString(row, colFirm...)
		if po.Firm == "" {
			po.Firm = firm
		} else if firm != "" && firm != po.Firm {
			return PurchaseOrder{}, fmt.Errorf("%w: indent %s belongs to firm %q", ErrValidation, number, firm)
		}
		if po.Terms == "" {
			po.Terms = workflow.ResolveString(row, colTerms...)
		}
		qty, okQty := workflow.ResolveQuantity(row, colQuantity...)
		rate, okRate := workflow.ResolveQuantity(row, colRate...)
		if !okQty || !okRate {
			return PurchaseOrder{}, fmt.Errorf("%w: indent %s needs quantity and rate", ErrValidation, number)
		}
		po.Amount = po.Amount.Add(qty.Mul(rate))
		po.Indents = append(po.Indents, number)
		selected = append(selected, row)
	}
	if po.Vendor == "" {
		return PurchaseOrder{}, fmt.Errorf("%w: vendor is required", ErrValidation)
	}

	poRows, err := s.fetchCurrent(ctx, liftWF.Sheet)
	if err != nil {
		return PurchaseOrder{}, err
	}
	now := s.now()
	stamp := now.Format(workflow.TimestampLayout)
	po.CreatedAt = now
	if existing := orderCovering(poRows, po.Indents); existing != nil {
		// An earlier attempt inserted the PO but failed before the indents
		// were marked ordered.
		po.Number = workflow.ResolveString(existing, colPONumber...)
		if created, ok := workflow.ParseTimestamp(workflow.ResolveString(existing, colTimestamp...)); ok {
			po.CreatedAt = created
		}
		s.logger.Info("completing purchase order from earlier attempt",
			slog.String("po", po.Number),
			slog.Any("indents", po.Indents))
	} else {
		po.Number = workflow.NextNumber(workflow.Identifiers(poRows, colPONumber...), workflow.FiscalYearPrefix(POBase, now), 0)
		insert := workflow.BuildPatch("", map[string]any{
			colTimestamp[0]:                   stamp,
			colPONumber[0]:                    po.Number,
			colFirm[0]:                        po.Firm,
			colVendor[0]:                      po.Vendor,
			colIndentList[0]:                  strings.Join(po.Indents, ", "),
			colAmount[0]:                      po.Amount.StringFixed(2),
			colTerms[0]:                       po.Terms,
			liftWF.Table.Stages[0].Planned[0]: stamp,
		})
		if err = s.store.Post(ctx, liftWF.Sheet, sheet.OpInsert, []workflow.Patch{insert}); err != nil {
			return PurchaseOrder{}, fmt.Errorf("insert po %s: %w", po.Number, err)
		}
	}

	updates := make([]workflow.Patch, 0, len(selected))
	for _, row := range selected {
		patch, perr := workflow.AdvancePatch(workflow.HandleOf(row), indentWF.Table, stageIndex, workflow.AdvanceInput{
			Status: workflow.StatusDone,
			Extra:  map[string]any{columnOf(row, colPONumber): po.Number},
		}, now)
		if perr != nil {
			return PurchaseOrder{}, perr
		}
		updates = append(updates, patch)
	}
	if err = s.store.Post(ctx, indentWF.Sheet, sheet.OpUpdate, updates); err != nil {
		return PurchaseOrder{}, fmt.Errorf("po %s created but indents not updated: %w", po.Number, err)
	}

	s.recordAudit(ctx, "PO_GENERATE", "po", po.Number, map[string]any{
		"vendor":  po.Vendor,
		"indents": po.Indents,
		"amount":  po.Amount.StringFixed(2),
	})
	s.events.HandlePOGenerated(ctx, POGeneratedEvent{Number: po.Number, Vendor: po.Vendor, Indents: len(po.Indents), At: now})
	return po, nil
}

// orderCovering returns the first PO row whose indent list holds every
// number in indents. The indents are still waiting on PO generation, so
// such a row can only come from an attempt that did not finish.
func orderCovering(rows []workflow.Row, indents []string) workflow.Row {
	for _, row := range rows {
		listed := make(map[string]bool)
		for _, n := range strings.Split(workflow.ResolveString(row, colIndentList...), ",") {
			if n = strings.TrimSpace(n); n != "" {
				listed[n] = true
			}
		}
		covered := len(listed) > 0
		for _, n := range indents {
			if !listed[n] {
				covered = false
				break
			}
		}
		if covered {
			return row
		}
	}
	return nil
}

// RevisePO assigns the next revision number to a purchase order.
func (s *Service) RevisePO(ctx context.Context, number string) (string, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return "", fmt.Errorf("%w: po number is required", ErrValidation)
	}
	wf, err := s.registry.Get(workflow.LiftTable.Name)
	if err != nil {
		return "", err
	}
	rows, err := s.fetchCurrent(ctx, wf.Sheet)
	if err != nil {
		return "", err
	}
	var target workflow.Row
	for _, row := range rows {
		if workflow.ResolveString(row, colPONumber...) == number {
			target = row
			break
		}
	}
	if target == nil {
		return "", fmt.Errorf("%w: po %s", ErrRowNotFound, number)
	}
	existing := append(workflow.Identifiers(rows, colPONumber...), workflow.Identifiers(rows, colRevision...)...)
	revision := workflow.NextNumber(existing, workflow.RevisionPrefix(number), 0)
	patch := workflow.BuildPatch(workflow.HandleOf(target), map[string]any{columnOf(target, colRevision): revision})
	if err := s.store.Post(ctx, wf.Sheet, sheet.OpUpdate, []workflow.Patch{patch}); err != nil {
		return "", fmt.Errorf("revise po %s: %w", number, err)
	}
	s.recordAudit(ctx, "PO_REVISE", "po", number, map[string]any{"revision": revision})
	return revision, nil
}

// RecordPayment numbers and inserts a payment with its approval scheduled.
func (s *Service) RecordPayment(ctx context.Context, input PaymentInput) (_ Payment, err error) {
	input.Firm = strings.TrimSpace(input.Firm)
	input.Vendor = strings.TrimSpace(input.Vendor)
	if input.Firm == "" || input.Vendor == "" {
		return Payment{}, fmt.Errorf("%w: firm and vendor are required", ErrValidation)
	}
	if !input.Amount.IsPositive() {
		return Payment{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	release, err := s.claim(ctx, "payment", input.RequestID)
	if err != nil {
		return Payment{}, err
	}
	defer func() {
		if err != nil {
			release()
		}
	}()

	wf, err := s.registry.Get(workflow.PaymentTable.Name)
	if err != nil {
		return Payment{}, err
	}
	rows, err := s.fetchCurrent(ctx, wf.Sheet)
	if err != nil {
		return Payment{}, err
	}
	now := s.now()
	stamp := now.Format(workflow.TimestampLayout)
	number := workflow.NextNumber(workflow.Identifiers(rows, colPaymentNumber...), PaymentPrefix, numberWidth)
	insert := workflow.BuildPatch("", map[string]any{
		colTimestamp[0]:               stamp,
		colPaymentNumber[0]:           number,
		colFirm[0]:                    input.Firm,
		colVendor[0]:                  input.Vendor,
		colPONumber[0]:                input.PONumber,
		colAmount[0]:                  input.Amount.StringFixed(2),
		colPaymentMode[0]:             input.Mode,
		colRemarks[0]:                 input.Remarks,
		wf.Table.Stages[0].Planned[0]: stamp,
	})
	if err = s.store.Post(ctx, wf.Sheet, sheet.OpInsert, []workflow.Patch{insert}); err != nil {
		return Payment{}, fmt.Errorf("insert payment %s: %w", number, err)
	}
	s.recordAudit(ctx, "PAYMENT_CREATE", "payment", number, map[string]any{"vendor": input.Vendor, "amount": input.Amount.StringFixed(2)})
	return Payment{
		Number:    number,
		Firm:      input.Firm,
		Vendor:    input.Vendor,
		PONumber:  input.PONumber,
		Amount:    input.Amount,
		Mode:      input.Mode,
		CreatedAt: now,
	}, nil
}

// AttachDocument uploads file and stores its URL in field of the row.
func (s *Service) AttachDocument(ctx context.Context, name string, handle workflow.RowHandle, field string, file sheet.File) (string, error) {
	wf, err := s.registry.Get(name)
	if err != nil {
		return "", err
	}
	if !wf.acceptsAttachment(field) {
		return "", fmt.Errorf("%w: %s does not take attachments in %s", ErrValidation, field, wf.Name)
	}
	rows, err := s.fetchCurrent(ctx, wf.Sheet)
	if err != nil {
		return "", err
	}
	row, err := findRow(rows, handle)
	if err != nil {
		return "", err
	}
	if file.Folder == "" {
		file.Folder = wf.Sheet
	}
	url, err := s.store.Upload(ctx, file)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", file.Name, err)
	}
	rec := wf.Projector.Display(row)
	patch := workflow.BuildPatch(handle, wf.Projector.Changes(rec, map[string]string{field: url}))
	if err := s.store.Post(ctx, wf.Sheet, sheet.OpUpdate, []workflow.Patch{patch}); err != nil {
		return "", fmt.Errorf("attach %s to %s row %s: %w", field, wf.Name, handle, err)
	}
	s.recordAudit(ctx, "DOCUMENT_ATTACH", wf.Name, identifierOr(rec.Identifier, handle), map[string]any{"field": field, "url": url})
	return url, nil
}

func (s *Service) fetch(ctx context.Context, sheetName string) ([]workflow.Row, error) {
	rows, err := s.store.Fetch(ctx, sheetName)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", sheetName, err)
	}
	return rows, nil
}

// fetchCurrent reads past any cache. Every path that numbers rows or
// posts to the store uses it.
func (s *Service) fetchCurrent(ctx context.Context, sheetName string) ([]workflow.Row, error) {
	return s.fetch(sheet.Fresh(ctx), sheetName)
}

func (s *Service) firm(firm string) string {
	if strings.TrimSpace(firm) == "" {
		return s.defaultFirm
	}
	return firm
}

// claim reserves requestID for module. The returned func releases it so a
// failed submission can be retried.
func (s *Service) claim(ctx context.Context, module, requestID string) (func(), error) {
	if s.idempotency == nil || strings.TrimSpace(requestID) == "" {
		return func() {}, nil
	}
	key := shared.IdempotencyKey(module, requestID)
	if err := s.idempotency.CheckAndInsert(ctx, key, module); err != nil {
		return nil, err
	}
	return func() {
		if err := s.idempotency.Delete(context.WithoutCancel(ctx), key, module); err != nil {
			s.logger.Warn("release idempotency key", slog.String("module", module), slog.Any("error", err))
		}
	}, nil
}

func (s *Service) recordAudit(ctx context.Context, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    ActorFromContext(ctx),
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.String("entity_id", entityID), slog.Any("error", err))
	}
}

func findRow(rows []workflow.Row, handle workflow.RowHandle) (workflow.Row, error) {
	for _, row := range rows {
		if workflow.HandleOf(row) == handle {
			return row, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRowNotFound, handle)
}

// pendingStage returns the index of the stage row is waiting on. When
// expected is set the pending stage must carry that key.
func pendingStage(wf Workflow, row workflow.Row, expected string) (int, error) {
	res := workflow.Derive(row, wf.Table)
	if res.State != workflow.StatePending {
		return -1, fmt.Errorf("%w: %s row %s is %s", ErrNotPending, wf.Name, workflow.HandleOf(row), res.State)
	}
	if key := wf.Table.Stages[res.Index].Key; expected != "" && key != expected {
		return -1, fmt.Errorf("%w: %s row %s waits on %s, not %s", ErrNotPending, wf.Name, workflow.HandleOf(row), key, expected)
	}
	return res.Index, nil
}

func checkFields(wf Workflow, fields map[string]string) error {
	for name := range fields {
		if _, ok := wf.Projector.Fields[name]; !ok {
			return fmt.Errorf("%w: unknown field %q for %s", ErrValidation, name, wf.Name)
		}
	}
	return nil
}

// columnOf returns the column of row holding one of aliases, preferring a
// filled one, so writes land where the value was read from.
func columnOf(row workflow.Row, aliases []string) string {
	if key, _, ok := workflow.Lookup(row, aliases...); ok {
		return key
	}
	for _, alias := range aliases {
		if _, ok := row[alias]; ok {
			return alias
		}
	}
	return aliases[0]
}

func uniqueHandles(handles []workflow.RowHandle) []workflow.RowHandle {
	seen := make(map[workflow.RowHandle]struct{}, len(handles))
	out := make([]workflow.RowHandle, 0, len(handles))
	for _, h := range handles {
		h = workflow.RowHandle(strings.TrimSpace(string(h)))
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func identifierOr(identifier string, handle workflow.RowHandle) string {
	if identifier != "" {
		return identifier
	}
	return "row:" + string(handle)
}

type actorKey struct{}

// WithActor stores the acting user's name on ctx for audit records.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
