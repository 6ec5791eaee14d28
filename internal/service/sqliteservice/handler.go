package sqliteservice

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/banshee-data/crowdloop/internal/httputil"
	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/task"
)

const maxBodyBytes = 16 << 20

// NewHandler serves svc over the JSON API consumed by httpservice.Client,
// plus the worker-facing assignable/submit endpoints.
func NewHandler(svc *Service) http.Handler {
	h := &handler{svc: svc}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/batches/{batch}", h.batchState)
	mux.HandleFunc("POST /v1/batches/{batch}/open", h.openBatch)
	mux.HandleFunc("POST /v1/batches/{batch}/close", h.closeBatch)
	mux.HandleFunc("POST /v1/batches/{batch}/items", h.createItems)
	mux.HandleFunc("GET /v1/batches/{batch}/items", h.listItems)
	mux.HandleFunc("PUT /v1/batches/{batch}/items/{item}/target", h.setTarget)
	mux.HandleFunc("GET /v1/batches/{batch}/submissions", h.listSubmissions)
	mux.HandleFunc("POST /v1/batches/{batch}/submissions", h.submit)
	mux.HandleFunc("GET /v1/batches/{batch}/assignable", h.assignable)
	mux.HandleFunc("PUT /v1/submissions/{id}/status", h.setStatus)
	mux.HandleFunc("POST /v1/restrictions", h.restrict)
	mux.HandleFunc("POST /v1/bonuses", h.grantBonus)
	mux.HandleFunc("GET /v1/operations/{handle}", h.operation)
	return mux
}

type handler struct {
	svc *Service
}

func decode(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	code := service.CodeForError(err)
	switch {
	case errors.Is(err, service.ErrStatusConflict):
		httputil.WriteJSONErrorCode(w, http.StatusUnprocessableEntity, code, err.Error())
	case code != "":
		httputil.WriteJSONErrorCode(w, http.StatusNotFound, code, err.Error())
	case errors.Is(err, ErrBatchClosed), errors.Is(err, ErrWorkerRestricted), errors.Is(err, ErrItemUnavailable):
		httputil.WriteJSONError(w, http.StatusForbidden, err.Error())
	default:
		logService("request failed: %v", err)
		httputil.InternalServerError(w, err.Error())
	}
}

func (h *handler) batchState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("batch")
	st, err := h.svc.BatchState(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, service.BatchResponse{ID: id, State: st})
}

func (h *handler) openBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.OpenBatch(r.Context(), r.PathValue("batch")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) closeBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CloseBatch(r.Context(), r.PathValue("batch")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) createItems(w http.ResponseWriter, r *http.Request) {
	var req service.CreateItemsRequest
	if err := decode(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := h.svc.CreateItems(r.Context(), r.PathValue("batch"), req.Items, req.Exclusions); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListItems(r.Context(), r.PathValue("batch"))
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []service.ItemRecord{}
	}
	httputil.WriteJSONOK(w, items)
}

func (h *handler) setTarget(w http.ResponseWriter, r *http.Request) {
	var req service.TargetRequest
	if err := decode(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Target < 0 {
		httputil.BadRequest(w, "target must be non-negative")
		return
	}
	if err := h.svc.SetReplicationTarget(r.Context(), r.PathValue("batch"), r.PathValue("item"), req.Target); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listSubmissions(w http.ResponseWriter, r *http.Request) {
	var statuses []task.Status
	for _, s := range r.URL.Query()["status"] {
		st := task.Status(s)
		if !st.Valid() {
			httputil.BadRequest(w, fmt.Sprintf("unknown status %q", s))
			return
		}
		statuses = append(statuses, st)
	}
	subs, err := h.svc.ListSubmissions(r.Context(), r.PathValue("batch"), statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	if subs == nil {
		subs = []task.Submission{}
	}
	httputil.WriteJSONOK(w, subs)
}

func (h *handler) setStatus(w http.ResponseWriter, r *http.Request) {
	var req service.StatusRequest
	if err := decode(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Status != task.StatusAccepted && req.Status != task.StatusRejected {
		httputil.BadRequest(w, fmt.Sprintf("cannot set status %q", req.Status))
		return
	}
	if err := h.svc.SetSubmissionStatus(r.Context(), r.PathValue("id"), req.Status, req.Comment); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) restrict(w http.ResponseWriter, r *http.Request) {
	var req service.Restriction
	if err := decode(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Worker == "" {
		httputil.BadRequest(w, "worker is required")
		return
	}
	if err := h.svc.RestrictWorker(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) grantBonus(w http.ResponseWriter, r *http.Request) {
	var req service.Bonus
	if err := decode(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Worker == "" || req.Amount <= 0 {
		httputil.BadRequest(w, "worker and a positive amount are required")
		return
	}
	handle, err := h.svc.GrantBonus(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, service.OperationResponse{Handle: handle})
}

func (h *handler) operation(w http.ResponseWriter, r *http.Request) {
	op, err := h.svc.OperationStatus(r.Context(), service.OperationHandle(r.PathValue("handle")))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, op)
}

func (h *handler) assignable(w http.ResponseWriter, r *http.Request) {
	worker := r.URL.Query().Get("worker")
	if worker == "" {
		httputil.BadRequest(w, "worker is required")
		return
	}
	items, err := h.svc.Assignable(r.Context(), r.PathValue("batch"), worker)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []service.ItemRecord{}
	}
	httputil.WriteJSONOK(w, items)
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if err := decode(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sub, err := h.svc.Submit(r.Context(), r.PathValue("batch"), req.Worker, req.StartedAt, req.Answers)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, sub)
}
