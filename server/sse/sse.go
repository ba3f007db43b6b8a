//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package sse serves run event streams over Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-cogmem-go/bridge"
	"trpc.group/trpc-go/trpc-cogmem-go/log"
)

// Server exposes bridge subscriptions as SSE endpoints.
type Server struct {
	bridge  *bridge.Bridge
	router  *mux.Router
	handler http.Handler
}

// Option configures the server.
type Option func(*options)

type options struct {
	allowedOrigins []string
}

// WithAllowedOrigins restricts CORS origins. Defaults to all origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *options) {
		o.allowedOrigins = origins
	}
}

// New creates an SSE server over a bridge.
func New(b *bridge.Bridge, opt ...Option) *Server {
	opts := options{allowedOrigins: []string{"*"}}
	for _, o := range opt {
		o(&opts)
	}
	s := &Server{
		bridge: b,
		router: mux.NewRouter(),
	}
	s.router.HandleFunc("/runs/{runID}/stream", s.handleStream).Methods(http.MethodGet)
	c := cors.New(cors.Options{
		AllowedOrigins: opts.allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Accept", "Cache-Control", "Last-Event-ID"},
	})
	s.handler = c.Handler(s.router)
	return s
}

// Handler returns the HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleStream streams bridge events for one run until the stream reaches a
// terminal event or the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]
	if runID == "" {
		http.Error(w, "run id is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.bridge.Subscribe(r.Context(), runID)
	for ev := range events {
		if _, err := fmt.Fprint(w, ev.SSE()); err != nil {
			log.Debugf("sse: write to run %s stream failed: %v", runID, err)
			return
		}
		flusher.Flush()
	}
}
