package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"experiment-deployer/internal/deploy"
	deployerrors "experiment-deployer/internal/errors"
	"experiment-deployer/internal/storage"
)

type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Report, error)
}

type DeploymentHandler struct {
	Deployer Deployer
	Reports  *storage.Cache
}

func NewDeploymentHandler(d Deployer, reports *storage.Cache) *DeploymentHandler {
	return &DeploymentHandler{Deployer: d, Reports: reports}
}

type errorBody struct {
	Error string            `json:"error"`
	Kind  deployerrors.Kind `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Create runs a deployment synchronously and answers with its report.
func (h *DeploymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req deploy.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	report, err := h.Deployer.Deploy(r.Context(), req)
	if err != nil {
		writeJSON(w, errorStatus(err), errorBody{Error: err.Error(), Kind: deployerrors.KindOf(err)})
		return
	}
	h.Reports.Add(report)
	writeJSON(w, reportStatus(report), report)
}

func (h *DeploymentHandler) List(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Reports.Recent())
}

// errorStatus maps a deployment that could not start to a status code.
func errorStatus(err error) int {
	if errors.Is(err, deploy.ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	switch deployerrors.KindOf(err) {
	case deployerrors.KindPrecondition:
		return http.StatusUnprocessableEntity
	case deployerrors.KindHTTP:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// reportStatus is 409 when the guard refused any unit, 502 when any unit
// failed, 200 otherwise.
func reportStatus(r deploy.Report) int {
	switch {
	case r.Aborted():
		return http.StatusConflict
	case r.Failed():
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}
