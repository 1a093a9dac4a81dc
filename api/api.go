// Package api exposes the email queue to job producers over HTTP.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailqueue/queue"
)

// Queue is the part of queue.Manager the API depends on.
type Queue interface {
	Enqueue(req queue.Request) string
	Status() queue.Status
	Clear() int
}

// Options configures the producer API.
type Options struct {
	Debug bool
	// Transport is reported by the status endpoint.
	Transport string
	// AdminToken, when set, is accepted as a bearer token on admin routes.
	AdminToken string
	// AllowNetworks may call admin routes without a token. Empty means loopback only.
	AllowNetworks []*net.IPNet
	RateLimit     RateLimitConfig
}

type Server struct {
	gin     *gin.Engine
	queue   Queue
	log     *zap.SugaredLogger
	opts    Options
	limiter *IPRateLimiter
	http    *http.Server
}

func NewServer(log *zap.Logger, q Queue, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	// ClientIP must come from the socket; admin access and rate limits key on it.
	_ = engine.SetTrustedProxies(nil)
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
	)

	s := &Server{
		gin:     engine,
		queue:   q,
		log:     log.Sugar().Named("api"),
		opts:    opts,
		limiter: NewIPRateLimiter(opts.RateLimit),
	}

	r := engine.Group("api", s.limiter.Middleware())
	r.POST("emails", s.enqueueEmail)
	r.POST("emails/bulk", s.enqueueBulk)
	r.GET("email-queue-status", s.getQueueStatus)
	r.POST("email-queue-status", s.postQueueStatus)

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "Ruta no encontrada"})
	})

	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Serve runs the API on ln until Shutdown. TLS is used when tlsConf is non-nil.
func (s *Server) Serve(ln net.Listener, tlsConf *tls.Config) error {
	s.http = &http.Server{
		Handler:           s.gin,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsConf,
	}
	s.log.Infow("API listening", "addr", ln.Addr().String(), "tls", tlsConf != nil)

	var err error
	if tlsConf != nil {
		err = s.http.ServeTLS(ln, "", "")
	} else {
		err = s.http.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
