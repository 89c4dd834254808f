package common

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// AdminHandlers supplies the data an AdminService exposes over its local
// introspection HTTP surface. syncengine.Engine implements this.
type AdminHandlers interface {
	Status() map[string]interface{}
	Manifest() ([]string, error)
}

// AdminService is a minimal echo-backed HTTP server exposing a peer's
// local state for operators: GET /status and GET /manifest. It follows
// the teacher's BaseService start/stop lifecycle, stripped of the
// Auth/TLS role split this module has no use for.
type AdminService struct {
	running uint32 // atomic
	cfg     *Config
	echo    *echo.Echo
	h       AdminHandlers
}

// NewAdminService builds an AdminService bound to cfg.Net.IP:cfg.Net.AdminPort.
func NewAdminService(cfg *Config, h AdminHandlers) *AdminService {
	e := echo.New()
	e.HideBanner = true
	s := &AdminService{cfg: cfg, echo: e, h: h}
	e.GET("/status", s.handleStatus)
	e.GET("/manifest", s.handleManifest)
	return s
}

func (s *AdminService) handleStatus(c echo.Context) error {
	return c.JSON(200, s.h.Status())
}

func (s *AdminService) handleManifest(c echo.Context) error {
	entries, err := s.h.Manifest()
	if err != nil {
		return c.JSON(500, map[string]string{"error": err.Error()})
	}
	return c.JSON(200, entries)
}

// Start runs the echo server in the background and returns once it has
// either failed fast or stayed up for a short grace period.
func (s *AdminService) Start() error {
	if !atomic.CompareAndSwapUint32(&s.running, 0, 1) {
		return errors.New("admin service already started")
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Net.IP, s.cfg.Net.AdminPort)
	LOG.Infof("starting admin http server %s", addr)

	done := make(chan error, 1)
	go func() { done <- s.echo.Start(addr) }()
	select {
	case err := <-done:
		return err
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

// Stop shuts the echo server down, waiting up to one second for in-flight
// requests to finish.
func (s *AdminService) Stop() bool {
	if !atomic.CompareAndSwapUint32(&s.running, 1, 0) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		LOG.Warnf("shutdown admin http server: %v", err)
	}
	return true
}
