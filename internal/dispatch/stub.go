package dispatch

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Mode selects how the stub answers.
type Mode string

const (
	// ModeAccept assigns a driver on every request.
	ModeAccept Mode = "accept"
	// ModeBusy never finds a driver (404), so pollers keep polling.
	ModeBusy Mode = "busy"
	// ModeFlaky answers 404 for the first BusyPolls requests per order,
	// then accepts.
	ModeFlaky Mode = "flaky"
	// ModeReject refuses the order with 403.
	ModeReject Mode = "reject"
	// ModeError fails with 500.
	ModeError Mode = "error"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAccept, ModeBusy, ModeFlaky, ModeReject, ModeError:
		return m, nil
	default:
		return "", fmt.Errorf("unknown dispatch mode %q (want accept, busy, flaky, reject or error)", s)
	}
}

// StubConfig configures a Stub.
type StubConfig struct {
	Mode Mode

	// Latency is spent "checking" each upstream service before replying.
	Latency time.Duration

	// Services are checked in order; the last one accepts.
	Services []string

	// BusyPolls is how many requests per order ModeFlaky turns away.
	BusyPolls int
}

// DefaultStubConfig checks three services half a second each and accepts.
func DefaultStubConfig() StubConfig {
	return StubConfig{
		Mode:      ModeAccept,
		Latency:   500 * time.Millisecond,
		Services:  []string{"UberEats", "Grubhub", "DoorDash"},
		BusyPolls: 2,
	}
}

// Stub is a stand-in delivery service.
type Stub struct {
	cfg    StubConfig
	logger *slog.Logger

	mu    sync.Mutex
	calls map[string]int
}

// NewStub creates a stub. A nil logger uses slog.Default().
func NewStub(cfg StubConfig, logger *slog.Logger) *Stub {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Services) == 0 {
		cfg.Services = DefaultStubConfig().Services
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAccept
	}
	return &Stub{cfg: cfg, logger: logger, calls: make(map[string]int)}
}

// Handler returns the stub's routes.
func (s *Stub) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	s.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers the stub endpoints on r.
//
//	POST /findExternalDeliveryDriver - Ask for a driver
//	GET  /health                     - Liveness
func (s *Stub) RegisterRoutes(r gin.IRouter) {
	r.POST(FindDriverPath, s.handleFindDriver)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": string(s.cfg.Mode)})
	})
}

// Calls returns how many requests arrived for orderNumber.
func (s *Stub) Calls(orderNumber string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[orderNumber]
}

func (s *Stub) handleFindDriver(c *gin.Context) {
	var req FindDriverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.calls[req.OrderNumber]++
	call := s.calls[req.OrderNumber]
	s.mu.Unlock()

	for _, svc := range s.cfg.Services {
		s.logger.Info("checking delivery service", "service", svc, "order", req.OrderNumber)
		if s.cfg.Latency <= 0 {
			continue
		}
		select {
		case <-time.After(s.cfg.Latency):
		case <-c.Request.Context().Done():
			return
		}
	}

	switch s.cfg.Mode {
	case ModeBusy:
		c.JSON(http.StatusNotFound, gin.H{"error": "no driver available"})
	case ModeReject:
		c.JSON(http.StatusForbidden, gin.H{"error": "order refused"})
	case ModeError:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	case ModeFlaky:
		if call <= s.cfg.BusyPolls {
			c.JSON(http.StatusNotFound, gin.H{"error": "no driver available"})
			return
		}
		s.accept(c)
	default:
		s.accept(c)
	}
}

func (s *Stub) accept(c *gin.Context) {
	service := s.cfg.Services[len(s.cfg.Services)-1]
	s.logger.Info("delivery service responded", "service", service)
	c.JSON(http.StatusOK, FindDriverResponse{Service: service})
}
