package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/and161185/p2psync/internal/errs"
	"github.com/and161185/p2psync/internal/model"
)

// GroupLister is the read side the status endpoint needs.
type GroupLister interface {
	PublicInfos() []model.GroupInfo
	PublicInfo(name string) (model.GroupInfo, error)
}

type statusAPI struct {
	groups GroupLister
	log    *zap.Logger
}

// NewHTTPHandler returns the status routes wrapped in otelhttp.
func NewHTTPHandler(groups GroupLister, log *zap.Logger) http.Handler {
	s := &statusAPI{groups: groups, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/groups", s.list).Methods(http.MethodGet)
	r.HandleFunc("/groups/{name}", s.get).Methods(http.MethodGet)
	return otelhttp.NewHandler(r, "p2psync-status")
}

func (s *statusAPI) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *statusAPI) list(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.groups.PublicInfos())
}

func (s *statusAPI) get(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	info, err := s.groups.PublicInfo(name)
	switch {
	case errors.Is(err, errs.ErrGroupNotFound):
		http.Error(w, "group not found", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("group info", zap.String("group", name), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *statusAPI) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response", zap.Error(err))
	}
}
