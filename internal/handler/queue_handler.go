package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mailer-service/internal/auth"
	"mailer-service/internal/delivery"
	"mailer-service/internal/service"
	"mailer-service/internal/util"
)

type QueueHandler struct {
	responder
	queue *service.QueueService
}

func NewQueueHandler(queue *service.QueueService, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{responder: responder{logger: logger}, queue: queue}
}

func (h *QueueHandler) RegisterRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Use(auth.Require)
		r.Post("/add-to-queue", h.Enqueue)
		r.Get("/get-queue", h.Pending)
		r.Post("/send-queued-emails", h.SendQueued)
		r.Post("/retry-failed", h.RetryFailed)
		r.Get("/failed", h.Failed)
		r.Get("/dead-letter", h.DeadLetter)
		r.Delete("/{jobID}", h.Remove)
	})
}

func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req service.EmailRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	job, n, err := h.queue.Enqueue(r.Context(), callerID(r), req)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to add email to the queue")
		return
	}
	h.respondOK(w, http.StatusOK, map[string]interface{}{
		"queue_length": n,
		"job_id":       job.JobID,
		"eid":          job.EID,
	}, "Email added to the queue successfully.")
}

func (h *QueueHandler) Pending(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.queue.Pending(r.Context(), callerID(r))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to read queue")
		return
	}
	h.respondOK(w, http.StatusOK, map[string]interface{}{"queue": jobs, "queue_length": len(jobs)}, "")
}

type sendQueuedRequest struct {
	JobIDs []string `json:"job_ids"`
	EIDs   []int64  `json:"eids"`
}

func (h *QueueHandler) SendQueued(w http.ResponseWriter, r *http.Request) {
	var req sendQueuedRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	run, err := h.queue.SendQueued(r.Context(), callerID(r), req.JobIDs, req.EIDs)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to start delivery")
		return
	}
	h.respondAccepted(w, r, run, "Delivery run started.")
}

func (h *QueueHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	run, err := h.queue.RetryFailed(r.Context(), callerID(r))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to start retry pass")
		return
	}
	h.respondAccepted(w, r, run, "Retry pass started.")
}

func (h *QueueHandler) respondAccepted(w http.ResponseWriter, r *http.Request, run delivery.Run, msg string) {
	h.respondOK(w, http.StatusAccepted, map[string]interface{}{"run_id": run.ID, "kind": run.Kind}, msg)
	util.FromContext(r.Context(), h.logger).Info("Run accepted via HTTP",
		util.String("run_id", run.ID),
		util.String("kind", string(run.Kind)),
		zap.Int64("uid", run.UserID))
}

func (h *QueueHandler) Failed(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.queue.Failed(r.Context(), callerID(r))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to read failed queue")
		return
	}
	h.respondOK(w, http.StatusOK, map[string]interface{}{"failed": jobs, "count": len(jobs)}, "")
}

func (h *QueueHandler) DeadLetter(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.queue.DeadLetter(r.Context(), callerID(r))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to read dead-letter queue")
		return
	}
	h.respondOK(w, http.StatusOK, map[string]interface{}{"dead": jobs, "count": len(jobs)}, "")
}

func (h *QueueHandler) Remove(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.queue.Remove(r.Context(), callerID(r), jobID); err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to remove job")
		return
	}
	h.respondOK(w, http.StatusOK, map[string]string{"job_id": jobID}, "Job removed from the queue.")
}
