package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/khushaldangi18/conversa/internal/chatlist"
	"github.com/khushaldangi18/conversa/internal/metrics"
	"github.com/khushaldangi18/conversa/internal/presence"
	"github.com/khushaldangi18/conversa/internal/store"
)

// OpsServer serves /metrics and /healthz over HTTP. It is disabled when
// no address is configured.
type OpsServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

func NewOpsServer(p Params, logger *zap.Logger, syncer *chatlist.Syncer, tracker *presence.Tracker, db *store.DB) (*OpsServer, error) {
	o := &OpsServer{logger: logger.Named("ops")}
	addr := p.Config.Ops.HTTPAddr
	if addr == "" {
		return o, nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), metrics.HTTPMetricsMiddleware())
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		state := syncer.State()
		code := http.StatusOK
		if state == chatlist.Failed {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"user_id":         p.Config.UserID,
			"chat_list_state": state.String(),
			"presence_state":  string(tracker.State()),
			"listeners":       db.ActiveListeners(),
		})
	})

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen ops http: %w", err)
	}
	o.listener = lis
	o.srv = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	return o, nil
}

// Addr returns the bound address, or "" when disabled.
func (o *OpsServer) Addr() string {
	if o.listener == nil {
		return ""
	}
	return o.listener.Addr().String()
}

// Start serves until Stop. Blocks.
func (o *OpsServer) Start() error {
	if o.srv == nil {
		return nil
	}
	o.logger.Info("ops http starting", zap.String("addr", o.Addr()))
	if err := o.srv.Serve(o.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (o *OpsServer) Stop(ctx context.Context) error {
	if o.srv == nil {
		return nil
	}
	return o.srv.Shutdown(ctx)
}
