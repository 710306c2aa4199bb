// Package server 提供 WebSocket 接入层：设备上行采集与用户下行实时流。
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rideguard/internal/broadcast"
	"rideguard/internal/consumer"
	"rideguard/internal/models"
)

// Server WebSocket 接入服务
type Server struct {
	addr       string
	dispatcher *consumer.Dispatcher
	hub        *broadcast.Hub
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// New 创建接入服务
func New(addr string, dispatcher *consumer.Dispatcher, hub *broadcast.Hub, logger *zap.Logger) *Server {
	return &Server{
		addr:       addr,
		dispatcher: dispatcher,
		hub:        hub,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 身份校验由外部网关完成，这里不做 Origin 限制
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start 启动 HTTP 服务并阻塞到上下文取消
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws/ingest", s.handleIngest)
	mux.HandleFunc("/ws/stream", s.handleStream)

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("WebSocket server listening",
			zap.String("addr", s.addr),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shut down server", zap.Error(err))
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","queue_depth":%d}`, s.dispatcher.QueueDepth())
}

// handleIngest 设备上行连接：逐条读取 JSON 消息，校验后进队列。
// 畸形消息记日志丢弃，连接保持；队列满时读取循环被背压阻塞。
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade ingest connection", zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Info("Ingest connection opened",
		zap.String("remote", conn.RemoteAddr().String()),
	)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("Ingest connection closed",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(err),
			)
			return
		}

		msg, err := models.ParseMessage(data)
		if err != nil {
			s.logger.Warn("Discarding malformed ingest message",
				zap.Error(err),
			)
			continue
		}

		if err := s.dispatcher.Submit(r.Context(), msg); err != nil {
			s.logger.Error("Failed to submit ingest message", zap.Error(err))
			return
		}
	}
}

// handleStream 用户下行连接：注册到广播注册表，读循环仅用于感知断开
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade stream connection", zap.Error(err))
		return
	}

	client := s.hub.Register(userID, conn)
	defer func() {
		s.hub.Unregister(client)
		conn.Close()
	}()

	s.logger.Info("Stream connection opened",
		zap.String("user_id", userID),
	)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.logger.Info("Stream connection closed",
				zap.String("user_id", userID),
			)
			return
		}
	}
}
