// Copyright The Memkit Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package http provides our HTTP server: a single shared listener and
// request multiplexer which other packages extend with their handlers
// (metrics, health checking, the command interface).
package http

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	logger "github.com/virtmm/memkit/pkg/log"
)

// our logger instance
var log = logger.Get("http")

// ServeMux is our request multiplexer. Unlike the stdlib one it allows
// handlers to be unregistered, which instrumentation reconfiguration
// relies on.
type ServeMux struct {
	sync.RWMutex
	handlers map[string]http.Handler
}

// NewServeMux creates an empty multiplexer.
func NewServeMux() *ServeMux {
	return &ServeMux{
		handlers: map[string]http.Handler{},
	}
}

// Handle registers a handler for the given pattern.
func (m *ServeMux) Handle(pattern string, handler http.Handler) {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.handlers[pattern]; ok {
		log.Warn("replacing handler for %q", pattern)
	}
	m.handlers[pattern] = handler
}

// HandleFunc registers a handler function for the given pattern.
func (m *ServeMux) HandleFunc(pattern string, fn func(http.ResponseWriter, *http.Request)) {
	m.Handle(pattern, http.HandlerFunc(fn))
}

// Unregister removes the handler for the given pattern.
func (m *ServeMux) Unregister(pattern string) {
	m.Lock()
	defer m.Unlock()
	delete(m.handlers, pattern)
}

// ServeHTTP dispatches a request to the handler with the exactly
// matching pattern.
func (m *ServeMux) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m.RLock()
	handler, ok := m.handlers[req.URL.Path]
	m.RUnlock()

	if !ok {
		http.NotFound(w, req)
		return
	}
	handler.ServeHTTP(w, req)
}

// Server is our HTTP server.
type Server struct {
	sync.Mutex
	mux    *ServeMux
	server *http.Server
	ln     net.Listener
}

// NewServer creates a server with an empty multiplexer.
func NewServer() *Server {
	return &Server{
		mux: NewServeMux(),
	}
}

// GetMux returns the server's request multiplexer.
func (s *Server) GetMux() *ServeMux {
	return s.mux
}

// Start starts the server listening on the given address. An empty
// address leaves the server disabled.
func (s *Server) Start(addr string) error {
	s.Lock()
	defer s.Unlock()

	if addr == "" {
		log.Info("no address given, not starting HTTP server")
		return nil
	}
	if s.ln != nil {
		return errors.New("HTTP server already running")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.ln = ln
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("starting HTTP server on %s", ln.Addr())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server exited: %v", err)
		}
	}()

	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()

	if s.server == nil {
		return
	}
	if err := s.server.Close(); err != nil {
		log.Error("failed to close HTTP server: %v", err)
	}
	s.server = nil
	s.ln = nil
}

// Addr returns the address the server is listening on, or nil.
func (s *Server) Addr() net.Addr {
	s.Lock()
	defer s.Unlock()

	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
