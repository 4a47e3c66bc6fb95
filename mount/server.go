// Copyright 2024 urbackup-backend-sub004 authors
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package mount exports an imgengine.Container over a local request/response
// endpoint a host image-mount service can loop-mount as a read-only block
// device (spec §4.8). Every accepted connection owns its own container
// handle, opened when the connection is accepted and closed when it drops.
package mount

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/uroni/urbackup-backend-sub004/imgengine"
)

// HandleFactory opens a fresh, independent container handle for one
// connection. It must be safe to call concurrently from multiple
// connections.
type HandleFactory func() (imgengine.Container, error)

// InfoResponse answers the Info request: virtual size, sector size, and the
// fact that every exported container is read-only.
type InfoResponse struct {
	Size       int64 `json:"size"`
	SectorSize int   `json:"sector_size"`
	ReadOnly   bool  `json:"read_only"`
}

// maxReadLength bounds a single Read request so a malformed or hostile
// request can't force an unbounded allocation.
const maxReadLength = 16 * 1024 * 1024

type connKey struct{}

// Server is the HTTP front-end for one exported container. It listens on a
// loopback address and serves Info and Read(offset,length) per spec §4.8.
type Server struct {
	open HandleFactory

	router *mux.Router
	srv    *http.Server

	mu      sync.Mutex
	handles map[net.Conn]imgengine.Container
}

// NewServer builds a Server that opens a new handle via open for every
// accepted connection. addr is the loopback listen address, e.g.
// "127.0.0.1:0".
func NewServer(addr string, open HandleFactory) *Server {
	s := &Server{
		open:    open,
		router:  mux.NewRouter(),
		handles: make(map[net.Conn]imgengine.Container),
	}

	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/read", s.handleRead).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.router,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, connKey{}, c)
		},
		ConnState: s.trackConnState,
	}
	return s
}

// Addr returns the configured listen address. Callers that need the
// actually-bound port (e.g. when passing ":0") should construct their own
// net.Listener and call Serve instead of ListenAndServe.
func (s *Server) Addr() string { return s.srv.Addr }

// ListenAndServe blocks serving connections until the server is shut down.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve blocks serving connections accepted from l until the server is shut
// down. Use this instead of ListenAndServe when the caller needs to know
// the bound address up front (e.g. listening on ":0" and reading back
// l.Addr()).
func (s *Server) Serve(l net.Listener) error {
	err := s.srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and closes any still-open handles.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)

	s.mu.Lock()
	for conn, h := range s.handles {
		if cerr := h.Close(); cerr != nil {
			log.Warnf("mount: closing handle for %s: %v", conn.RemoteAddr(), cerr)
		}
		delete(s.handles, conn)
	}
	s.mu.Unlock()

	return err
}

func (s *Server) trackConnState(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		h, err := s.open()
		if err != nil {
			log.Errorf("mount: opening handle for %s: %v", conn.RemoteAddr(), err)
			return
		}
		s.mu.Lock()
		s.handles[conn] = h
		s.mu.Unlock()
	case http.StateClosed, http.StateHijacked:
		s.mu.Lock()
		h, ok := s.handles[conn]
		delete(s.handles, conn)
		s.mu.Unlock()
		if ok {
			if err := h.Close(); err != nil {
				log.Warnf("mount: closing handle for %s: %v", conn.RemoteAddr(), err)
			}
		}
	}
}

func (s *Server) handleFor(r *http.Request) (imgengine.Container, bool) {
	conn, _ := r.Context().Value(connKey{}).(net.Conn)
	if conn == nil {
		return nil, false
	}
	s.mu.Lock()
	h, ok := s.handles[conn]
	s.mu.Unlock()
	return h, ok
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handleFor(r)
	if !ok {
		http.Error(w, "no container handle for connection", http.StatusServiceUnavailable)
		return
	}

	resp := InfoResponse{
		Size:       h.VirtualSize(),
		SectorSize: h.SectorSize(),
		ReadOnly:   true,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warnf("mount: encoding info response: %v", err)
	}
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handleFor(r)
	if !ok {
		http.Error(w, "no container handle for connection", http.StatusServiceUnavailable)
		return
	}

	offset, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if err != nil {
		http.Error(w, "bad offset", http.StatusBadRequest)
		return
	}
	length, err := strconv.ParseInt(r.URL.Query().Get("length"), 10, 64)
	if err != nil || length < 0 {
		http.Error(w, "bad length", http.StatusBadRequest)
		return
	}
	if length > maxReadLength {
		http.Error(w, "length exceeds maximum read size", http.StatusRequestEntityTooLarge)
		return
	}

	buf := make([]byte, length)
	n, err := h.ReadAt(buf, offset)
	if err != nil && n == 0 {
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(n))
	if _, err := w.Write(buf[:n]); err != nil {
		log.Warnf("mount: writing read response: %v", err)
	}
}
