package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Standalone serves the websocket bridge, object downloads and metrics on
// one address, and periodically deletes resolved complaints.
type Standalone struct {
	sync.Mutex

	conf       *ServerCfg
	httpServer *http.Server
	lis        net.Listener

	wg sync.WaitGroup
}

func NewStandalone(conf *ServerCfg) *Standalone {
	if conf.ResolvedTTL <= 0 {
		conf.ResolvedTTL = defaultResolvedTTL
	}
	if conf.CleanInterval <= 0 {
		conf.CleanInterval = defaultCleanInterval
	}
	// cleartext HTTP/2 for object downloads, websocket upgrades stay on HTTP/1.1.
	handler := h2c.NewHandler(conf.Mux, &http2.Server{})
	return &Standalone{
		conf:       conf,
		httpServer: &http.Server{Handler: handler},
	}
}

// Listen binds the address; Run calls it when not yet listening.
func (s *Standalone) Listen() (net.Addr, error) {
	s.Lock()
	defer s.Unlock()
	if s.lis != nil {
		return s.lis.Addr(), nil
	}
	lis, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s error: %v", s.conf.Addr, err)
	}
	s.lis = lis
	return lis.Addr(), nil
}

func (s *Standalone) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	glog.Infof("standalone server is starting")

	addr, err := s.Listen()
	if err != nil {
		glog.Error(err)
		panic(err)
	}

	go func() {
		glog.Infof("http server is listening %v", addr)
		if err := s.httpServer.Serve(s.lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			err := fmt.Errorf("error serve http mux server: %v", err)
			glog.Error(err)
			panic(err)
		}
	}()

	if s.conf.CleanResolved && s.conf.Cleaner != nil {
		s.wg.Add(1)
		go s.deleteLoop(ctx)
	}

	<-ctx.Done()
	glog.Infof("standalone server is stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("standalone server: http server shutdown: %v", err)
	}
	glog.Infof("standalone server: http server shutdown done")

	// hijacked websocket connections are not tracked by Shutdown.
	if s.conf.Hub != nil {
		s.conf.Hub.Close()
		glog.Infof("standalone server: hub stopped")
	}

	s.wg.Wait()
	glog.Infof("standalone server: stopped")
	stopNotifyCh <- struct{}{}
}

// deleteLoop deletes resolved complaints not updated within ResolvedTTL.
func (s *Standalone) deleteLoop(ctx context.Context) {
	glog.Info("server: delete loop enter")

	ticker := time.NewTicker(s.conf.CleanInterval)
	defer func() {
		ticker.Stop()
		glog.Info("server: delete loop exit")
		s.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := s.conf.Cleaner.DeleteResolvedBefore(ctx, start.Add(-s.conf.ResolvedTTL))
			if err == nil {
				glog.Infof("server: deleted %d resolved complaints, took %s", n, time.Since(start))
			} else if ctx.Err() == nil {
				glog.Errorf("server: delete resolved complaints error: %v ", err)
			}
		}
	}
}
