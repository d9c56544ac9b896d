package requests

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docsupply/platform/pkg/attachment"
	"github.com/docsupply/platform/pkg/common/logger"
	"github.com/docsupply/platform/pkg/common/models"
	"github.com/docsupply/platform/pkg/gateway/middleware"
	"github.com/docsupply/platform/pkg/library"
	"github.com/docsupply/platform/pkg/solicitation"
	"github.com/docsupply/platform/pkg/workflow"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	jsonBodyLimit   = 1 << 20
	multipartMemory = 32 << 20
)

type HTTPHandler struct {
	service       *Service
	intake        *attachment.Intake
	uploadTimeout time.Duration
}

type HandlerOption func(*HTTPHandler)

// WithUploadTimeout sets the deadline for the transition route, which may
// carry a full-size attachment.
func WithUploadTimeout(d time.Duration) HandlerOption {
	return func(h *HTTPHandler) { h.uploadTimeout = d }
}

func NewHTTPHandler(service *Service, intake *attachment.Intake, opts ...HandlerOption) *HTTPHandler {
	h := &HTTPHandler{service: service, intake: intake}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the routes. The router is expected to run Authenticate
// already.
func (h *HTTPHandler) Register(router *mux.Router) {
	admin := middleware.RequireRole(models.RoleAdmin)

	router.HandleFunc("/requests", h.handleSubmit).Methods(http.MethodPost)
	router.Handle("/requests", admin(http.HandlerFunc(h.handleListAll))).Methods(http.MethodGet)
	router.HandleFunc("/me/requests", h.handleListMine).Methods(http.MethodGet)
	router.HandleFunc("/requests/{id}", h.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/requests/{id}", h.handleEdit).Methods(http.MethodPatch, http.MethodPut)
	upload := middleware.ExtendDeadlines(h.uploadTimeout)
	router.Handle("/requests/{id}/transitions", admin(upload(http.HandlerFunc(h.handleTransition)))).Methods(http.MethodPost)
	router.Handle("/requests/{id}/solicitations", admin(http.HandlerFunc(h.handleSolicit))).Methods(http.MethodPost)
	router.HandleFunc("/requests/{id}/attachment", h.handleAttachment).Methods(http.MethodGet)
	router.HandleFunc("/libraries", h.handleListLibraries).Methods(http.MethodGet)
	router.HandleFunc("/libraries/{id}", h.handleGetLibrary).Methods(http.MethodGet)
}

type requestView struct {
	models.DocumentRequest
	HasAttachment bool `json:"hasAttachment"`
}

func viewOf(req models.DocumentRequest) requestView {
	return requestView{DocumentRequest: req, HasAttachment: req.HasAttachment()}
}

type entryView struct {
	models.MirrorEntry
	HasAttachment bool `json:"hasAttachment"`
}

type transitionRequest struct {
	Status       string `json:"status"`
	RejectReason string `json:"rejectReason"`
}

type transitionResponse struct {
	Request              requestView                  `json:"request"`
	Committed            bool                         `json:"committed"`
	MirrorSynced         bool                         `json:"mirrorSynced"`
	Notified             bool                         `json:"notified"`
	NotificationFailures []models.NotificationFailure `json:"notificationFailures,omitempty"`
	Pending              string                       `json:"pending,omitempty"`
}

// editResponse is only used when the ledger edit was kept but the
// requester's copy could not be updated.
type editResponse struct {
	Request      requestView `json:"request"`
	Committed    bool        `json:"committed"`
	MirrorSynced bool        `json:"mirrorSynced"`
	Pending      string      `json:"pending"`
}

const mirrorPending = "change saved; the requester's list will catch up on the next reconciliation"

type solicitResponse struct {
	RequestID            uuid.UUID                    `json:"requestId"`
	Committed            bool                         `json:"committed"`
	Linked               []uuid.UUID                  `json:"linked"`
	Dispatched           []uuid.UUID                  `json:"dispatched"`
	Ignored              []string                     `json:"ignored,omitempty"`
	NotificationFailures []models.NotificationFailure `json:"notificationFailures,omitempty"`
}

func (h *HTTPHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	var body models.SubmitRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	req, err := h.service.Submit(r.Context(), actor, body.Metadata)
	if err != nil {
		writeError(w, err, "failed to submit request")
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(req))
}

func (h *HTTPHandler) handleListAll(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	reqs, err := h.service.ListAll(r.Context(), actor)
	if err != nil {
		writeError(w, err, "failed to list requests")
		return
	}
	views := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, viewOf(req))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *HTTPHandler) handleListMine(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	entries, err := h.service.ListMine(r.Context(), actor)
	if err != nil {
		writeError(w, err, "failed to list own requests")
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{MirrorEntry: e, HasAttachment: e.HasAttachment()})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		writeError(w, err, "failed to fetch request")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

func (h *HTTPHandler) handleEdit(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var md models.Metadata
	if !decodeJSON(w, r, &md) {
		return
	}
	req, err := h.service.Edit(r.Context(), actor, id, md)
	if errors.Is(err, workflow.ErrMirrorSync) {
		writeJSON(w, http.StatusBadGateway, editResponse{
			Request:   viewOf(req),
			Committed: true,
			Pending:   mirrorPending,
		})
		return
	}
	if err != nil {
		writeError(w, err, "failed to edit request")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

// handleTransition accepts either a JSON body or a multipart form carrying
// status, rejectReason and an optional "attachment" file part.
func (h *HTTPHandler) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	in, err := h.readTransition(w, r)
	if err != nil {
		writeError(w, err, "invalid transition payload")
		return
	}

	res, err := h.service.Transition(r.Context(), actor, id, in)
	if err != nil && !res.Committed {
		writeError(w, err, "failed to transition request")
		return
	}
	resp := transitionResponse{
		Request:      viewOf(res.Request),
		Committed:    res.Committed,
		MirrorSynced: res.MirrorSynced,
		Notified:     res.Notified,
	}
	if err != nil {
		// committed, but a secondary write or the email did not go through
		if res.NotifyErr != nil {
			resp.NotificationFailures = []models.NotificationFailure{{
				Recipient: res.Request.RequesterEmail,
				Error:     res.NotifyErr.Error(),
			}}
		}
		if !res.MirrorSynced {
			resp.Pending = mirrorPending
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) readTransition(w http.ResponseWriter, r *http.Request) (workflow.Input, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return workflow.Input{}, models.NewValidationError(fmt.Errorf("invalid multipart body: %w", err))
		}
		defer func() {
			if r.MultipartForm != nil {
				_ = r.MultipartForm.RemoveAll()
			}
		}()
		in := workflow.Input{
			Status:       r.FormValue("status"),
			RejectReason: r.FormValue("rejectReason"),
		}
		file, header, err := r.FormFile("attachment")
		if errors.Is(err, http.ErrMissingFile) {
			return in, nil
		}
		if err != nil {
			return workflow.Input{}, models.NewValidationError(err)
		}
		defer file.Close()
		upload, err := h.intake.Read(file, header.Header.Get("Content-Type"))
		if err != nil {
			return workflow.Input{}, err
		}
		in.Attachment = &upload
		return in, nil
	}

	var body transitionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, jsonBodyLimit)).Decode(&body); err != nil {
		return workflow.Input{}, models.NewValidationError(fmt.Errorf("invalid request body: %w", err))
	}
	return workflow.Input{Status: body.Status, RejectReason: body.RejectReason}, nil
}

func (h *HTTPHandler) handleSolicit(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body models.SolicitRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	out, err := h.service.Solicit(r.Context(), actor, id, body.LibraryIDs)
	if err != nil && !errors.Is(err, solicitation.ErrDispatchFailed) {
		writeError(w, err, "failed to solicit libraries")
		return
	}
	resp := solicitResponse{
		RequestID:            id,
		Committed:            len(out.Linked) > 0,
		Linked:               nonNil(out.Linked),
		Dispatched:           nonNil(out.Dispatched),
		Ignored:              out.Ignored,
		NotificationFailures: out.Failures(),
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	resp.NotificationFailures = nil
	writeJSON(w, http.StatusOK, resp)
}

// handleAttachment streams the file. A client disconnect cancels the request
// context, which ends the copy; the stored blob is never touched.
func (h *HTTPHandler) handleAttachment(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	blob, err := h.service.OpenAttachment(r.Context(), actor, id)
	if err != nil {
		writeError(w, err, "failed to open attachment")
		return
	}
	defer blob.Body.Close()

	w.Header().Set("Content-Type", attachment.MediaTypePDF)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.pdf"`, id))
	if blob.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(blob.Size, 10))
	}
	if blob.SHA256 != "" {
		w.Header().Set("ETag", `"`+blob.SHA256+`"`)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, blob.Body); err != nil {
		logger.ForRequest(id).WithError(err).Debug("Attachment stream ended early")
	}
}

func (h *HTTPHandler) handleListLibraries(w http.ResponseWriter, r *http.Request) {
	libs, err := h.service.ListLibraries(r.Context())
	if err != nil {
		writeError(w, err, "failed to list libraries")
		return
	}
	writeJSON(w, http.StatusOK, libs)
}

func (h *HTTPHandler) handleGetLibrary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	lib, err := h.service.GetLibrary(r.Context(), id)
	if err != nil {
		writeError(w, err, "failed to fetch library")
		return
	}
	writeJSON(w, http.StatusOK, lib)
}

func identity(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	actor, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return actor, ok
}

// pathID parses {id}. Malformed ids are reported as not found.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, jsonBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Log.WithError(err).Warn("invalid request payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case models.IsValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, models.ErrRequestNotFound),
		errors.Is(err, attachment.ErrNotFound),
		errors.Is(err, library.ErrLibraryNotFound),
		errors.Is(err, ErrNoAttachment):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, models.ErrConflict):
		http.Error(w, "request was modified concurrently, retry", http.StatusConflict)
	default:
		logger.Log.WithError(err).Error(msg)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Warn("failed to encode response")
	}
}

func nonNil(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
