package gate

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mackeh/sitelock/internal/config"
)

// StatusHeader carries the configured status phrase on intercepted
// responses.
const StatusHeader = "X-Maintenance-Status"

// Response is what intercepted requests receive.
type Response struct {
	Code    int
	Status  string
	Message string
	// Page, when set, renders the maintenance page. Whatever status it
	// writes is replaced by Code.
	Page http.Handler
}

// ResponseFromConfig builds the intercept response, loading the optional
// page file.
func ResponseFromConfig(cfg config.ResponseConfig) (Response, error) {
	resp := Response{
		Code:    cfg.Code,
		Status:  cfg.Status,
		Message: cfg.ExceptionMessage,
	}
	if resp.Code == 0 {
		resp.Code = config.DefaultStatusCode
	}
	if resp.Status == "" {
		resp.Status = config.DefaultStatus
	}
	if resp.Message == "" {
		resp.Message = config.DefaultExceptionMessage
	}
	if cfg.Page != "" {
		body, err := os.ReadFile(cfg.Page)
		if err != nil {
			return Response{}, fmt.Errorf("failed to read maintenance page: %w", err)
		}
		resp.Page = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.ServeContent(w, r, "maintenance.html", time.Time{}, bytes.NewReader(body))
		})
	}
	return resp, nil
}

// Middleware evaluates every request and either passes it to next or
// answers with resp.
func Middleware(engine *Engine, resp Response, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := engine.Evaluate(r.Context(), FromHTTP(r))
		if res.Decision == Allow {
			next.ServeHTTP(w, r)
			return
		}
		resp.write(w, r)
	})
}

func (resp Response) write(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set(StatusHeader, resp.Status)
	h.Set("Cache-Control", "no-store")

	if resp.Page != nil {
		resp.Page.ServeHTTP(&statusRewriter{ResponseWriter: w, code: resp.Code}, r)
		return
	}

	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(resp.Message)))
	w.WriteHeader(resp.Code)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(resp.Message))
	}
}

// statusRewriter forces its status code onto whatever the wrapped handler
// writes.
type statusRewriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (s *statusRewriter) WriteHeader(int) {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(s.code)
}

func (s *statusRewriter) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(s.code)
	}
	return s.ResponseWriter.Write(b)
}
