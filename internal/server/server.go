package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cybroslabs/dlms-accesspoint-go/apdu"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/config"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/registry"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/report"
	"go.uber.org/zap"
)

// Controller performs on demand operations on a single meter.
type Controller interface {
	Read(ctx context.Context, meter string, attr apdu.AttributeDescriptor) (apdu.Data, error)
	ServiceConnect(ctx context.Context, meter string, reconnect bool) error
}

type Server struct {
	port     uint
	httpLog  bool
	registry *registry.Registry
	store    *report.Store
	ctl      Controller
	logger   *zap.SugaredLogger
	// requestTimeout bounds on demand meter operations.
	requestTimeout time.Duration
}

func New(cfg config.Config, reg *registry.Registry, store *report.Store, ctl Controller, logger *zap.SugaredLogger) *Server {
	timeout := time.Duration(cfg.Poll.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = 40 * time.Second
	}
	return &Server{
		port:           cfg.Port,
		httpLog:        cfg.HttpLog,
		registry:       reg,
		store:          store,
		ctl:            ctl,
		logger:         logger,
		requestTimeout: timeout,
	}
}

// HTTPServer declares the http.Server serving the routes.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.requestTimeout + 10*time.Second,
	}
}
