package procurement

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/storeflow/internal/dialog"
	"github.com/odyssey-erp/storeflow/internal/platform/httpx"
	"github.com/odyssey-erp/storeflow/internal/sheet"
	"github.com/odyssey-erp/storeflow/internal/shared"
	"github.com/odyssey-erp/storeflow/internal/workflow"
)

const maxUploadBytes = 10 << 20

// ActorHeader names the acting user recorded in audit entries.
const ActorHeader = "X-Actor"

// Handler manages procurement endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	dialogs   *dialog.Registry
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, dialogs *dialog.Registry) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if dialogs == nil {
		dialogs = dialog.NewRegistry()
	}
	return &Handler{logger: logger, service: service, validator: validator.New(), dialogs: dialogs}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.withActor)
	r.Get("/overview", h.overview)
	r.Route("/workflows/{name}", func(r chi.Router) {
		r.Get("/", h.queue)
		r.Patch("/rows/{handle}", h.edit)
		r.Post("/rows/{handle}/advance", h.advance)
		r.Post("/rows/{handle}/attachments", h.attach)
	})
	r.Post("/indents", h.createIndent)
	r.Post("/indents/{handle}/cancel", h.cancelQuantity)
	r.Post("/indents/{handle}/vendor-rate", h.vendorRate)
	r.Post("/pos", h.generatePO)
	r.Post("/pos/{number}/revisions", h.revisePO)
	r.Post("/payments", h.recordPayment)
}

var errorRules = []httpx.ErrorRule{
	httpx.Is(ErrUnknownWorkflow, http.StatusNotFound, "Not Found"),
	httpx.Is(ErrRowNotFound, http.StatusNotFound, "Not Found"),
	httpx.Is(sheet.ErrRowNotFound, http.StatusNotFound, "Not Found"),
	httpx.Is(ErrNotPending, http.StatusConflict, "Conflict"),
	httpx.Is(shared.ErrIdempotencyConflict, http.StatusConflict, "Duplicate Submission"),
	httpx.Is(ErrOverCancel, http.StatusUnprocessableEntity, "Unprocessable Entity"),
	httpx.Is(ErrValidation, http.StatusBadRequest, "Validation Failed"),
	httpx.Is(sheet.ErrUploadUnsupported, http.StatusNotImplemented, "Not Implemented"),
	{
		Match: func(err error) bool {
			var remote *sheet.RemoteError
			return errors.As(err, &remote)
		},
		Status: http.StatusBadGateway,
		Title:  "Bad Gateway",
	},
}

type advanceRequest struct {
	Stage   string            `json:"stage"`
	Status  string            `json:"status" validate:"required"`
	Remarks string            `json:"remarks" validate:"max=1000"`
	Hold    bool              `json:"hold"`
	Fields  map[string]string `json:"fields"`
}

type editRequest struct {
	Fields map[string]string `json:"fields" validate:"required,min=1"`
}

type createIndentRequest struct {
	Firm       string          `json:"firm" validate:"required"`
	Item       string          `json:"item" validate:"required"`
	Quantity   decimal.Decimal `json:"quantity"`
	Unit       string          `json:"uom"`
	Indenter   string          `json:"indenter" validate:"required"`
	Department string          `json:"department"`
	Remarks    string          `json:"remarks" validate:"max=1000"`
	RequestID  string          `json:"requestId"`
}

type cancelRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

type vendorRateRequest struct {
	Vendor  string          `json:"vendor" validate:"required"`
	Rate    decimal.Decimal `json:"rate"`
	Terms   string          `json:"paymentTerms"`
	Remarks string          `json:"remarks" validate:"max=1000"`
}

type generatePORequest struct {
	Firm    string   `json:"firm"`
	Vendor  string   `json:"vendor"`
	Terms   string   `json:"paymentTerms"`
	Indents []string `json:"indents" validate:"required,min=1,dive,required"`
}

type paymentRequest struct {
	Firm      string          `json:"firm" validate:"required"`
	Vendor    string          `json:"vendor" validate:"required"`
	PONumber  string          `json:"poNumber"`
	Amount    decimal.Decimal `json:"amount"`
	Mode      string          `json:"mode"`
	Remarks   string          `json:"remarks" validate:"max=1000"`
	RequestID string          `json:"requestId"`
}

func (h *Handler) queue(w http.ResponseWriter, r *http.Request) {
	projection, err := h.service.Queue(r.Context(), chi.URLParam(r, "name"), r.URL.Query().Get("firm"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, projection)
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.service.Overview(r.Context(), r.URL.Query().Get("firm"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"workflows": summaries})
}

func (h *Handler) advance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "name")
	handle := workflow.RowHandle(chi.URLParam(r, "handle"))
	h.submit(w, r, name+":"+string(handle), func() (int, any, error) {
		patch, err := h.service.Advance(r.Context(), name, handle, AdvanceInput{
			Stage:   req.Stage,
			Status:  req.Status,
			Remarks: req.Remarks,
			Hold:    req.Hold,
			Fields:  req.Fields,
		})
		return http.StatusOK, map[string]any{"patch": patch}, err
	})
}

func (h *Handler) edit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !h.decode(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "name")
	handle := workflow.RowHandle(chi.URLParam(r, "handle"))
	h.submit(w, r, name+":"+string(handle), func() (int, any, error) {
		patch, err := h.service.Edit(r.Context(), name, handle, req.Fields)
		return http.StatusOK, map[string]any{"patch": patch, "changed": !patch.Empty()}, err
	})
}

func (h *Handler) attach(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httpx.ValidationProblem(w, map[string]string{"file": "multipart form with a file is required"})
		return
	}
	field := strings.TrimSpace(r.FormValue("field"))
	file, header, err := r.FormFile("file")
	if err != nil || field == "" {
		httpx.ValidationProblem(w, map[string]string{"file": "file and field are required"})
		return
	}
	defer func() { _ = file.Close() }()

	name := chi.URLParam(r, "name")
	handle := workflow.RowHandle(chi.URLParam(r, "handle"))
	h.submit(w, r, name+":"+string(handle), func() (int, any, error) {
		url, err := h.service.AttachDocument(r.Context(), name, handle, field, sheet.File{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Folder:      r.FormValue("folder"),
			Body:        file,
		})
		return http.StatusCreated, map[string]string{"url": url, "field": field}, err
	})
}

func (h *Handler) createIndent(w http.ResponseWriter, r *http.Request) {
	var req createIndentRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.submit(w, r, "indent:new:"+req.Firm, func() (int, any, error) {
		indent, err := h.service.CreateIndent(r.Context(), CreateIndentInput{
			Firm:       req.Firm,
			Item:       req.Item,
			Quantity:   req.Quantity,
			Unit:       req.Unit,
			Indenter:   req.Indenter,
			Department: req.Department,
			Remarks:    req.Remarks,
			RequestID:  req.RequestID,
		})
		return http.StatusCreated, indent, err
	})
}

func (h *Handler) cancelQuantity(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	handle := workflow.RowHandle(chi.URLParam(r, "handle"))
	h.submit(w, r, "indent:"+string(handle), func() (int, any, error) {
		patch, err := h.service.CancelQuantity(r.Context(), handle, req.Quantity)
		return http.StatusOK, map[string]any{"patch": patch}, err
	})
}

func (h *Handler) vendorRate(w http.ResponseWriter, r *http.Request) {
	var req vendorRateRequest
	if !h.decode(w, r, &req) {
		return
	}
	handle := workflow.RowHandle(chi.URLParam(r, "handle"))
	h.submit(w, r, "indent:"+string(handle), func() (int, any, error) {
		patch, err := h.service.UpdateVendorRate(r.Context(), handle, VendorRateInput{
			Vendor:  req.Vendor,
			Rate:    req.Rate,
			Terms:   req.Terms,
			Remarks: req.Remarks,
		})
		return http.StatusOK, map[string]any{"patch": patch}, err
	})
}

func (h *Handler) generatePO(w http.ResponseWriter, r *http.Request) {
	var req generatePORequest
	if !h.decode(w, r, &req) {
		return
	}
	handles := make([]workflow.RowHandle, len(req.Indents))
	for i, handle := range req.Indents {
		handles[i] = workflow.RowHandle(handle)
	}
	h.submit(w, r, "po:new", func() (int, any, error) {
		po, err := h.service.GeneratePO(r.Context(), GeneratePOInput{
			Firm:    req.Firm,
			Vendor:  req.Vendor,
			Terms:   req.Terms,
			Indents: handles,
		})
		return http.StatusCreated, po, err
	})
}

func (h *Handler) revisePO(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	h.submit(w, r, "po:"+number, func() (int, any, error) {
		revision, err := h.service.RevisePO(r.Context(), number)
		return http.StatusCreated, map[string]string{"poNumber": number, "revision": revision}, err
	})
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.submit(w, r, "payment:new:"+req.Firm, func() (int, any, error) {
		payment, err := h.service.RecordPayment(r.Context(), PaymentInput{
			Firm:      req.Firm,
			Vendor:    req.Vendor,
			PONumber:  req.PONumber,
			Amount:    req.Amount,
			Mode:      req.Mode,
			Remarks:   req.Remarks,
			RequestID: req.RequestID,
		})
		return http.StatusCreated, payment, err
	})
}

// submit runs fn as the only in-flight submission for key. A concurrent
// submission for the same key is answered with 409.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, key string, fn func() (int, any, error)) {
	if err := h.dialogs.Begin(key); err != nil {
		httpx.Problem(w, http.StatusConflict, "Conflict", "a submission for this record is already in progress")
		return
	}
	status, body, err := fn()
	h.dialogs.End(key, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, status, body)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return false
		}
		fields := make(map[string]string, len(fieldErrs))
		for _, fieldErr := range fieldErrs {
			fields[fieldErr.Field()] = fieldErr.Error()
		}
		httpx.ValidationProblem(w, fields)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	level := slog.LevelWarn
	var remote *sheet.RemoteError
	if errors.As(err, &remote) {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "procurement request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	httpx.RespondError(w, err, errorRules...)
}

func (h *Handler) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
			r = r.WithContext(WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}
