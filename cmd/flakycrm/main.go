// Package main provides a deliberately flaky fake CRM for exercising the
// governor: it throttles every Nth request, fails at a configurable rate,
// and adds artificial latency. Useful for watching the breaker trip and
// recover without a real upstream.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type store struct {
	mu      sync.Mutex
	nextID  int
	records []map[string]any
}

func (s *store) add(fields map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec := map[string]any{
		"id":     fmt.Sprintf("rec-%04d", s.nextID),
		"fields": fields,
	}
	s.records = append(s.records, rec)
	return rec
}

func (s *store) all() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.records...)
}

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	failRate := flag.Float64("fail-rate", 0.0, "probability of a 500 response")
	throttleEvery := flag.Int("throttle-every", 0, "return 429 on every Nth request (0 disables)")
	latency := flag.Duration("latency", 0, "artificial latency per request")
	flag.Parse()

	db := &store{}
	for i := 1; i <= 5; i++ {
		db.add(map[string]any{"name": fmt.Sprintf("registrant-%d", i), "status": "confirmed"})
	}

	var counter atomic.Int64

	flaky := func(w http.ResponseWriter) bool {
		if *latency > 0 {
			time.Sleep(*latency)
		}
		n := counter.Add(1)
		if *throttleEvery > 0 && n%int64(*throttleEvery) == 0 {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return true
		}
		if *failRate > 0 && rand.Float64() < *failRate {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return true
		}
		return false
	}

	http.HandleFunc("/api/records", func(w http.ResponseWriter, r *http.Request) {
		if flaky(w) {
			return
		}
		switch r.Method {
		case http.MethodGet:
			q := strings.ToLower(r.URL.Query().Get("q"))
			var matched []map[string]any
			for _, rec := range db.all() {
				if q == "" || strings.Contains(strings.ToLower(fmt.Sprint(rec["fields"])), q) {
					matched = append(matched, rec)
				}
			}
			writeJSON(w, http.StatusOK, map[string]any{"records": matched})
		case http.MethodPost:
			var body struct {
				Fields map[string]any `json:"fields"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
				return
			}
			writeJSON(w, http.StatusCreated, db.add(body.Fields))
		default:
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		}
	})

	http.HandleFunc("/api/records/", func(w http.ResponseWriter, r *http.Request) {
		if flaky(w) {
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/records/")
		for _, rec := range db.all() {
			if rec["id"] == id {
				writeJSON(w, http.StatusOK, rec)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("flakycrm listening on %s (fail-rate=%.2f throttle-every=%d latency=%s)",
		addr, *failRate, *throttleEvery, *latency)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
