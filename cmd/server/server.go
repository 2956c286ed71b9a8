package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pauljones0/ml-affiliate-bot/internal/processor"
)

var errRunInProgress = errors.New("offer processing already in progress")

// Server triggers pipeline runs and makes sure at most one is active, since a
// run owns the single browser session.
type Server struct {
	processor processor.Processor
	baseCtx   context.Context
	timeout   time.Duration

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewServer(baseCtx context.Context, p processor.Processor, timeout time.Duration) *Server {
	return &Server{processor: p, baseCtx: baseCtx, timeout: timeout}
}

// Run executes one pipeline pass synchronously.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errRunInProgress
	}
	defer s.running.Store(false)
	return s.run(ctx)
}

// Trigger starts a pass in the background. It returns false when one is
// already running.
func (s *Server) Trigger() bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Panic in ProcessOffers", "panic", r)
			}
		}()
		if err := s.run(s.baseCtx); err != nil {
			slog.Error("Error processing offers", "error", err)
		}
	}()
	return true
}

func (s *Server) run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.processor.ProcessOffers(ctx)
}

// Wait blocks until background runs finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) ProcessOffersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Processing runs asynchronously; scraping and link generation can take
	// far longer than a request timeout.
	if !s.Trigger() {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintln(w, "Offer processing already in progress.")
		return
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "Offer processing started.")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"status":"ok"}`)
}

func newMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.ProcessOffersHandler)
	mux.HandleFunc("/process-offers", s.ProcessOffersHandler)
	mux.HandleFunc("/health", healthHandler)
	return mux
}
