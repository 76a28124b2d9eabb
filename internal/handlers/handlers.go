package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Brownie44l1/xray-gradcam/internal/failure"
	"github.com/Brownie44l1/xray-gradcam/internal/inference"
	"github.com/Brownie44l1/xray-gradcam/internal/store"
)

type Options struct {
	// MaxInFlight bounds concurrent explanations; each holds a full
	// recorded forward pass in memory.
	MaxInFlight    int64
	MaxUploadBytes int64
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

type Handler struct {
	service   *inference.Service
	reports   *store.Store
	inFlight  *semaphore.Weighted
	maxUpload int64
	timeout   time.Duration
	logger    *zap.Logger
}

// NewHandler serves explanations from service. reports may be nil, in which
// case the history endpoints answer 404.
func NewHandler(service *inference.Service, reports *store.Store, opts Options) *Handler {
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		service:   service,
		reports:   reports,
		inFlight:  semaphore.NewWeighted(opts.MaxInFlight),
		maxUpload: opts.MaxUploadBytes,
		timeout:   opts.RequestTimeout,
		logger:    opts.Logger,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/predict", h.Predict)
	mux.HandleFunc("/predict/image", h.PredictFromImage)
	mux.HandleFunc("/reports", h.ListReports)
	mux.HandleFunc("/reports/{id}", h.GetReport)
	return mux
}

type predictionRequest struct {
	Image []float32 `json:"image"`
}

type explanationResponse struct {
	*inference.Result
	ReportID string `json:"report_id,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"classes": h.service.Classes(),
	})
}

// Predict classifies a raw, already normalized CHW float array.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req predictionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxUpload)).Decode(&req); err != nil {
		h.writeError(w, failure.Configurationf("handlers.Predict", "invalid JSON: %v", err))
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()
	result, err := h.service.ClassifyTensor(ctx, req.Image)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PredictFromImage classifies an uploaded image and returns the Grad-CAM
// overlay for the predicted class.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.PredictFromImage"
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		h.writeError(w, failure.IOf(op, "failed to parse form: %v", err))
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		h.writeError(w, failure.Configurationf(op, "no image file provided, use 'image' as the form field name"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, failure.Wrap(failure.IO, op, err))
		return
	}
	h.logger.Debug("received file", zap.String("filename", header.Filename), zap.Int64("size", header.Size))

	ctx, cancel := h.requestContext(r)
	defer cancel()
	if err := h.inFlight.Acquire(ctx, 1); err != nil {
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	result, err := h.service.Infer(ctx, data)
	h.inFlight.Release(1)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := explanationResponse{Result: result}
	if h.reports != nil {
		rep, err := h.reports.Save(ctx, header.Filename, result)
		if err != nil {
			// the explanation itself succeeded
			h.logger.Warn("failed to save report", zap.Error(err))
		} else {
			resp.ReportID = rep.ID
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.reports == nil {
		http.Error(w, "Report history is disabled", http.StatusNotFound)
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, failure.Configurationf("handlers.ListReports", "invalid limit %q", s))
			return
		}
		limit = n
	}
	list, err := h.reports.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.reports == nil {
		http.Error(w, "Report history is disabled", http.StatusNotFound)
		return
	}

	rep, err := h.reports.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Report not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("trace", failure.TraceOf(err)))
	} else {
		h.logger.Info("request rejected", zap.Error(err))
	}
	writeJSON(w, status, failure.PayloadFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, failure.ErrConfiguration), errors.Is(err, failure.ErrIO):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
