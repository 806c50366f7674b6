// Package server wires the authenticated HTTP surface of spec.md §6 over
// the Authenticator, Federation Resolver/Proxy, WoT Service, and Push
// Service components.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cordx56/xrypton-go/internal/auth"
	"github.com/cordx56/xrypton-go/internal/blobstore"
	"github.com/cordx56/xrypton-go/internal/federation"
	"github.com/cordx56/xrypton-go/internal/logutil"
	"github.com/cordx56/xrypton-go/internal/push"
	"github.com/cordx56/xrypton-go/internal/store"
	"github.com/cordx56/xrypton-go/internal/wot"
)

// APIPrefix is the federation HTTP surface prefix (spec §6).
const APIPrefix = "/v1"

// Server wraps the HTTP server and its dependencies.
type Server struct {
	store      store.Driver
	auth       *auth.Authenticator
	resolver   *federation.Resolver
	proxy      *federation.Proxy
	wot        *wot.Service
	push       *push.Service
	blobs      blobstore.Store
	selfHost   string
	listenAddr string
	logger     *slog.Logger
	httpServer *http.Server
}

// Deps bundles every collaborator New needs.
type Deps struct {
	Store      store.Driver
	Auth       *auth.Authenticator
	Resolver   *federation.Resolver
	Proxy      *federation.Proxy
	WoT        *wot.Service
	Push       *push.Service
	Blobs      blobstore.Store
	SelfHost   string
	ListenAddr string
	Logger     *slog.Logger
}

// New builds a Server and its router.
func New(d Deps) *Server {
	s := &Server{
		store:      d.Store,
		auth:       d.Auth,
		resolver:   d.Resolver,
		proxy:      d.Proxy,
		wot:        d.WoT,
		push:       d.Push,
		blobs:      d.Blobs,
		selfHost:   d.SelfHost,
		listenAddr: d.ListenAddr,
		logger:     logutil.NoopIfNil(d.Logger),
	}

	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server. It blocks until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", s.listenAddr, "self_host", s.selfHost)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}
