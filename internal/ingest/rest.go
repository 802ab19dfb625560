package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"finalarm/internal/config"
	"finalarm/internal/model"
)

type RESTServer struct {
	conv   *Converter
	out    chan<- model.IngestEvent
	logger *slog.Logger
}

func NewRESTServer(conv *Converter, out chan<- model.IngestEvent, logger *slog.Logger) *RESTServer {
	return &RESTServer{conv: conv, out: out, logger: logger}
}

func StartREST(ctx context.Context, cfg *config.Manager, conv *Converter, out chan<- model.IngestEvent, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := NewRESTServer(conv, out, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions", s.handleTransactions)
	mux.HandleFunc("/balance", s.handleBalance)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// handleTransactions takes a single object or an array of objects.
func (s *RESTServer) handleTransactions(w http.ResponseWriter, r *http.Request) {
	objs, ok := readObjects(w, r)
	if !ok {
		return
	}
	accepted := 0
	failed := 0
	for _, obj := range objs {
		rec := ParseJSONMap(obj)
		if rec.Transaction == nil {
			failed++
			continue
		}
		if s.process(rec) {
			accepted++
		} else {
			failed++
		}
	}
	writeCounts(w, accepted, failed)
}

func (s *RESTServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	objs, ok := readObjects(w, r)
	if !ok {
		return
	}
	if len(objs) != 1 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rec := ParseJSONMap(objs[0])
	if rec.Balance == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !s.process(rec) {
		writeCounts(w, 0, 1)
		return
	}
	writeCounts(w, 1, 0)
}

func (s *RESTServer) process(rec *Record) bool {
	ev, err := s.conv.Event(rec, "rest")
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("rest normalize error", "err", err)
		}
		return false
	}
	return SendNonBlocking(context.Background(), s.out, ev, s.logger)
}

func readObjects(w http.ResponseWriter, r *http.Request) ([]map[string]interface{}, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(trim))
	dec.UseNumber()
	if trim[0] == '[' {
		var list []map[string]interface{}
		if err := dec.Decode(&list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return nil, false
		}
		return list, true
	}
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	return []map[string]interface{}{obj}, true
}

func writeCounts(w http.ResponseWriter, accepted, failed int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": accepted,
		"failed":   failed,
	})
}
