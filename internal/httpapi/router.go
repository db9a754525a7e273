package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（查询面很小，不引入第三方路由）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 prometheus 导出等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterQueryRoutes 注册查询与健康检查路由
func (r *Router) RegisterQueryRoutes(q *QueryHandler) {
	r.Handle("/health", getOnly(q.Health))
	r.Handle("/api/patients", getOnly(q.Patients))
	r.Handle("/api/dashboard-data", getOnly(q.DashboardData))
	r.Handle("/api/devices", getOnly(q.Devices))
	r.Handle("/api/latency", getOnly(q.Latency))

	// /api/latency/{device_id}
	r.Handle("/api/latency/", getOnly(func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimPrefix(req.URL.Path, "/api/latency/")
		if id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		q.DeviceLatency(w, req, id)
	}))

	// /api/patient/{patient_id}
	r.Handle("/api/patient/", getOnly(func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimPrefix(req.URL.Path, "/api/patient/")
		if id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		q.PatientHistory(w, req, id)
	}))
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}
