// Package server runs the http server that serves the hub, and the periodic
// housekeeping of the hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
)

const (
	DefaultSweepInterval = 5 * time.Minute

	shutdownTimeout = 10 * time.Second
)

// IHub provides interfaces of local Hub.
type IHub interface {
	EnforceQuota() int
	Close()
}

type Config struct {
	Addr    string
	Handler http.Handler
	Hub     IHub

	// SweepInterval of the session quota check.
	SweepInterval time.Duration
}

// Server is a standalone server: presence and sessions live in this process.
type Server struct {
	conf       *Config
	httpServer *http.Server
	lis        net.Listener
}

func New(conf *Config) *Server {
	if conf.SweepInterval <= 0 {
		conf.SweepInterval = DefaultSweepInterval
	}
	return &Server{
		conf:       conf,
		httpServer: &http.Server{Handler: conf.Handler},
	}
}

// Listen binds the address, errors here are fatal for the process.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return fmt.Errorf("listen %s error: %v", s.conf.Addr, err)
	}
	s.lis = lis
	return nil
}

// Addr returns the bound address, valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// Run serves until ctx is done, then stops the http server and the hub and
// notifies stopNotifyCh.
func (s *Server) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	glog.Infof("server is starting")

	serveErrC := make(chan error, 1)
	go func() {
		glog.Infof("http server is listening %v", s.lis.Addr())
		if err := s.httpServer.Serve(s.lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			serveErrC <- fmt.Errorf("error serve http mux server: %v", err)
		}
	}()

	// session quota ticker.
	ticker := time.NewTicker(s.conf.SweepInterval)

	defer func() {
		ticker.Stop()

		// hijacked websocket connections are not tracked by Shutdown.
		s.conf.Hub.Close()
		glog.Infof("server: hub stopped")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			glog.Errorf("server: http server shutdown error: %v", err)
		}
		glog.Infof("server: http server shutdown done")
		stopNotifyCh <- struct{}{}
	}()

	for {
		select {
		case <-ctx.Done():
			glog.Infof("server is stopping")
			return
		case err := <-serveErrC:
			glog.Error(err)
			return
		case <-ticker.C:
			if n := s.conf.Hub.EnforceQuota(); n > 0 {
				glog.Infof("session quota sweep: kicked off %d sessions", n)
			}
		}
	}
}
