package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/clientdesk/internal/clock"
	"github.com/smallbiznis/clientdesk/internal/config"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	"github.com/smallbiznis/clientdesk/internal/invoice/format"
	obslogger "github.com/smallbiznis/clientdesk/internal/observability/logger"
	"github.com/smallbiznis/clientdesk/internal/orgcontext"
	reconciliationdomain "github.com/smallbiznis/clientdesk/internal/reconciliation/domain"
	pkgdb "github.com/smallbiznis/clientdesk/pkg/db"
	"github.com/smallbiznis/clientdesk/pkg/db/option"
	"github.com/smallbiznis/clientdesk/pkg/db/pagination"
	"github.com/smallbiznis/clientdesk/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       invoicedomain.Repository
	Reconciler reconciliationdomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	numbering   string
	genID       *snowflake.Node
	clock       clock.Clock
	repo        invoicedomain.Repository
	invoicerepo repository.Repository[invoicedomain.Invoice]
	reconciler  reconciliationdomain.Service
}

func NewService(p ServiceParam) invoicedomain.Service {
	numbering := strings.TrimSpace(p.Cfg.InvoiceNumberTemplate)
	if numbering == "" {
		numbering = format.DefaultNumberTemplate
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("invoice.service"),
		numbering: numbering,
		genID:     p.GenID,
		clock:     p.Clock,

		repo:        p.Repo,
		invoicerepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
		reconciler:  p.Reconciler,
	}
}

func (s *Service) Create(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (invoicedomain.Invoice, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	clientID, err := parseID(req.ClientID)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidClient
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidCurrency
	}

	now := s.clock.Now().UTC()
	invoiceID := s.genID.Generate()

	items, itemsTotal, err := s.buildItems(orgID, invoiceID, req.Items, now)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	total, err := resolveTotal(req.Total, items, itemsTotal)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	var dueDate *time.Time
	if req.DueDate != nil {
		if req.DueDate.IsZero() {
			return invoicedomain.Invoice{}, invoicedomain.ErrInvalidDueDate
		}
		due := req.DueDate.UTC()
		dueDate = &due
	}

	number := strings.TrimSpace(req.Number)
	if number == "" {
		number, err = s.nextNumber(ctx, orgID, now)
		if err != nil {
			return invoicedomain.Invoice{}, err
		}
	}

	var metadata datatypes.JSONMap
	if len(req.Metadata) > 0 {
		metadata = datatypes.JSONMap(req.Metadata)
	}

	invoice := invoicedomain.Invoice{
		ID:             invoiceID,
		OrgID:          orgID,
		ClientID:       clientID,
		Number:         number,
		Currency:       currency,
		Total:          total,
		AmountPaid:     decimal.Zero,
		Status:         invoicedomain.InvoiceStatusDraft,
		DocumentStatus: invoicedomain.DocumentStatusDraft,
		DueDate:        dueDate,
		Memo:           strings.TrimSpace(req.Memo),
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
		Items:          items,
	}
	if err := s.repo.Insert(ctx, s.db, &invoice); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return invoicedomain.Invoice{}, invoicedomain.ErrDuplicateNumber
		}
		return invoicedomain.Invoice{}, err
	}

	obslogger.WithContext(ctx, s.log).Info("invoice created",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("number", invoice.Number),
		zap.String("total", invoice.Total.String()),
	)
	return invoice, nil
}

// nextNumber numbers by the organization's invoice count. Two concurrent
// creates can draw the same number; the unique index turns the loser into
// ErrDuplicateNumber.
func (s *Service) nextNumber(ctx context.Context, orgID snowflake.ID, now time.Time) (string, error) {
	count, err := s.invoicerepo.Count(ctx, &invoicedomain.Invoice{OrgID: orgID})
	if err != nil {
		return "", err
	}
	return format.InvoiceNumber(s.numbering, now, count+1)
}

func (s *Service) buildItems(orgID, invoiceID snowflake.ID, in []invoicedomain.CreateInvoiceItem, now time.Time) ([]invoicedomain.InvoiceItem, decimal.Decimal, error) {
	items := make([]invoicedomain.InvoiceItem, 0, len(in))
	total := decimal.Zero
	for _, item := range in {
		description := strings.TrimSpace(item.Description)
		if description == "" || !item.Quantity.IsPositive() || item.UnitPrice.IsNegative() {
			return nil, decimal.Zero, invoicedomain.ErrInvalidItems
		}
		amount := item.Quantity.Mul(item.UnitPrice).Round(4)
		items = append(items, invoicedomain.InvoiceItem{
			ID:          s.genID.Generate(),
			OrgID:       orgID,
			InvoiceID:   invoiceID,
			Description: description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Amount:      amount,
			CreatedAt:   now,
		})
		total = total.Add(amount)
	}
	return items, total, nil
}

// resolveTotal takes the item sum when items exist; an explicit total must then agree with it.
func resolveTotal(requested *decimal.Decimal, items []invoicedomain.InvoiceItem, itemsTotal decimal.Decimal) (decimal.Decimal, error) {
	if len(items) > 0 {
		if requested != nil && !requested.Equal(itemsTotal) {
			return decimal.Zero, invoicedomain.ErrInvalidAmount
		}
		return itemsTotal, nil
	}
	if requested == nil || requested.IsNegative() {
		return decimal.Zero, invoicedomain.ErrInvalidAmount
	}
	return *requested, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}
	return s.load(ctx, orgID, invoiceID)
}

func (s *Service) load(ctx context.Context, orgID, invoiceID snowflake.ID) (invoicedomain.Invoice, error) {
	item, err := s.repo.FindByID(ctx, s.db, orgID, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if item == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	filter := &invoicedomain.Invoice{OrgID: orgID}
	if req.Status != nil {
		if !req.Status.Valid() {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidStatus
		}
		filter.Status = *req.Status
	}
	if req.ClientID != nil {
		filter.ClientID = *req.ClientID
	}

	limit := req.Limit()
	options := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{Default: "id", Desc: true, Allow: map[string]bool{"id": true}}),
		option.WithLimit(limit + 1),
	}
	if req.DueTo != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "due_date",
			Operator: option.LTE,
			Value:    *req.DueTo,
		}))
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidPageToken
		}
		cursorID, err := parseID(cursor.ID)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidPageToken
		}
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "id",
			Operator: option.LT,
			Value:    cursorID,
		}))
	}

	items, err := s.invoicerepo.Find(ctx, filter, options...)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(inv *invoicedomain.Invoice) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: inv.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})

	invoices := make([]invoicedomain.Invoice, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		invoices = append(invoices, *item)
	}

	return invoicedomain.ListInvoiceResponse{PageInfo: pageInfo, Invoices: invoices}, nil
}

// Issue opens a DRAFT invoice for payment. Issuing twice is a no-op.
func (s *Service) Issue(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, "invoice.issued", func(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, now time.Time) error {
		if invoice.VoidedAt != nil || invoice.CanceledAt != nil {
			return invoicedomain.ErrInvalidTransition
		}
		if invoice.IssuedAt != nil {
			return nil
		}
		return s.repo.MarkIssued(ctx, tx, invoice.ID, now)
	})
}

// Void withdraws an issued invoice. Invoices with money applied cannot be voided.
func (s *Service) Void(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, "invoice.voided", func(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, now time.Time) error {
		if invoice.VoidedAt != nil {
			return nil
		}
		if err := checkWithdrawable(invoice); err != nil {
			return err
		}
		return s.repo.MarkVoided(ctx, tx, invoice.ID, now)
	})
}

func (s *Service) Cancel(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, "invoice.canceled", func(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, now time.Time) error {
		if invoice.CanceledAt != nil {
			return nil
		}
		if err := checkWithdrawable(invoice); err != nil {
			return err
		}
		return s.repo.MarkCanceled(ctx, tx, invoice.ID, now)
	})
}

func checkWithdrawable(invoice *invoicedomain.Invoice) error {
	if invoice.VoidedAt != nil || invoice.CanceledAt != nil {
		return invoicedomain.ErrInvalidTransition
	}
	switch invoice.Status {
	case invoicedomain.InvoiceStatusPaid, invoicedomain.InvoiceStatusPartiallyPaid:
		return invoicedomain.ErrInvalidTransition
	}
	return nil
}

// transition locks the invoice, applies fn and reconciles in one transaction
// so the derived status reflects the administrative change.
func (s *Service) transition(
	ctx context.Context,
	id string,
	action string,
	fn func(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, now time.Time) error,
) (invoicedomain.Invoice, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	var result reconciliationdomain.Result
	err = pkgdb.Transaction(ctx, s.db, pkgdb.DefaultRetryPolicy(), func(tx *gorm.DB) error {
		invoice, err := s.lockOwned(ctx, tx, orgID, invoiceID)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, invoice, s.clock.Now().UTC()); err != nil {
			return err
		}
		result, err = s.reconciler.ReconcileTx(ctx, tx, invoiceID)
		return err
	})
	if err != nil {
		if pkgdb.IsSerializationFailure(err) {
			return invoicedomain.Invoice{}, errors.Join(reconciliationdomain.ErrTransactionConflict, err)
		}
		return invoicedomain.Invoice{}, err
	}

	obslogger.WithContext(ctx, s.log).Info(action,
		zap.String("invoice_id", invoiceID.String()),
		zap.String("status", string(result.Status)),
		zap.String("previous_status", string(result.PreviousStatus)),
	)
	return s.load(ctx, orgID, invoiceID)
}

// Delete removes an invoice that has never had a payment recorded against it.
func (s *Service) Delete(ctx context.Context, id string) error {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.ErrInvalidInvoiceID
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockOwned(ctx, tx, orgID, invoiceID); err != nil {
			return err
		}
		count, err := s.repo.CountPayments(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if count > 0 {
			return invoicedomain.ErrInvoiceHasPayments
		}
		return s.repo.Delete(ctx, tx, invoiceID)
	})
}

func (s *Service) MarkSent(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	return s.moveDocument(ctx, id, invoicedomain.DocumentStatusSent)
}

func (s *Service) MarkViewed(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	return s.moveDocument(ctx, id, invoicedomain.DocumentStatusViewed)
}

func (s *Service) RecordSignature(ctx context.Context, id string, signed bool) (invoicedomain.Invoice, error) {
	if signed {
		return s.moveDocument(ctx, id, invoicedomain.DocumentStatusSigned)
	}
	return s.moveDocument(ctx, id, invoicedomain.DocumentStatusDeclined)
}

// moveDocument advances the signature workflow. Payment status is untouched.
func (s *Service) moveDocument(ctx context.Context, id string, to invoicedomain.DocumentStatus) (invoicedomain.Invoice, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.lockOwned(ctx, tx, orgID, invoiceID)
		if err != nil {
			return err
		}
		if !invoice.DocumentStatus.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", invoicedomain.ErrInvalidDocumentStatus, invoice.DocumentStatus, to)
		}
		now := s.clock.Now().UTC()
		var sentAt *time.Time
		if to == invoicedomain.DocumentStatusSent {
			sentAt = &now
		}
		return s.repo.UpdateDocumentStatus(ctx, tx, invoiceID, to, sentAt, now)
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return s.load(ctx, orgID, invoiceID)
}

func (s *Service) lockOwned(ctx context.Context, tx *gorm.DB, orgID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.repo.FindForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil || invoice.OrgID != orgID {
		return nil, invoicedomain.ErrNotFound
	}
	return invoice, nil
}

func (s *Service) orgIDFromContext(ctx context.Context) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, invoicedomain.ErrInvalidOrganization
	}
	return orgID, nil
}

func parseID(value string) (snowflake.ID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, invoicedomain.ErrInvalidInvoiceID
	}
	id, err := snowflake.ParseString(value)
	if err != nil || id == 0 {
		return 0, invoicedomain.ErrInvalidInvoiceID
	}
	return id, nil
}
