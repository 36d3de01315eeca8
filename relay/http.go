package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Team1-2308-Capstone/Umbra/collab"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the relay HTTP API:
//
//	GET /get-token/{doc}    {"clientToken":{"token":..,"room":..,"url":..}}
//	GET /rooms/{room}/text  the current text
//	GET /sync               websocket sync endpoint
//	GET /metrics            prometheus
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Methods(http.MethodGet).Path("/get-token/{doc}").HandlerFunc(s.getToken)
	r.Methods(http.MethodGet).Path("/rooms/{room}/text").HandlerFunc(s.getText)
	r.Path("/sync").Handler(s.net)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, w, req)
		RequestDuration.WithLabelValues(req.Method, strconv.Itoa(m.Code)).Observe(m.Duration.Seconds())
		s.log.Debug("relay: handled", "method", req.Method, "url", req.URL.String(), "duration", m.Duration, "status", m.Code)
	})
}

func (s *Server) getToken(w http.ResponseWriter, req *http.Request) {
	doc := mux.Vars(req)["doc"]
	if doc == "" {
		doc = collab.DefaultDoc
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"clientToken": collab.ClientToken{
			Token: s.tokens.Issue(doc),
			Room:  doc,
			URL:   s.opts.PublicURL,
		},
	})
}

func (s *Server) getText(w http.ResponseWriter, req *http.Request) {
	room, err := s.Room(mux.Vars(req)["room"])
	if errors.Is(err, ErrNoRoom) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(room.Text()))
}
