// Package health — liveness и readiness моста.
package health

import (
	"net/http"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"sprout/internal/models"
)

// AdapterLister — имена зарегистрированных транспортов (bridge).
type AdapterLister interface {
	Names() []string
}

// RegisterRoutes вешает /healthz и /readyz. db == nil — режим без БД,
// readiness отчитывается только транспортами.
func RegisterRoutes(r *mux.Router, db *gorm.DB, adapters AdapterLister) {
	r.HandleFunc("/healthz", liveness).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		out := map[string]any{"status": "ok"}
		if adapters != nil {
			out["adapters"] = adapters.Names()
		}
		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.Ping()
			}
			if err != nil {
				out["status"] = "degraded"
				out["db"] = err.Error()
				models.WriteJSON(w, http.StatusServiceUnavailable, out)
				return
			}
			out["db"] = "ok"
		}
		models.WriteJSON(w, http.StatusOK, out)
	}).Methods(http.MethodGet)
}

func liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
