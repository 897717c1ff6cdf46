package server

import (
	"context"
	"net/http"
	"time"

	"github.com/mqy/minichat/store"
)

const (
	defaultResolvedTTL   = 30 * time.Minute
	defaultCleanInterval = 5 * time.Minute
)

type IServer interface {
	Run(ctx context.Context, stopNotifyCh chan<- struct{})
}

// IHub is the websocket bridge, closed on shutdown after the http server.
type IHub interface {
	http.Handler
	Close()
}

type ServerCfg struct {
	Addr string
	Mux  *http.ServeMux
	Hub  IHub

	// Cleaner deletes resolved complaints; CleanResolved enables it.
	Cleaner       store.IRecordStore
	CleanResolved bool
	ResolvedTTL   time.Duration
	CleanInterval time.Duration
}
