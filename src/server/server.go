package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/log"
	"github.com/tempestgg/tempest/src/shard"
)

// Server exposes the shard health over HTTP for probes and dashboards.
type Server struct {
	router *fiber.App
	coord  *shard.Coordinator
}

func NewServer(coord *shard.Coordinator) *Server {
	return &Server{
		router: fiber.New(),
		coord:  coord,
	}
}

type healthResponse struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
}

func (server *Server) setupRouter() {
	router := fiber.New()
	router.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(healthResponse{
			Status:    "ok",
			LatencyMs: server.coord.Latency().Milliseconds(),
		})
	})
	router.Get("/shards", func(c fiber.Ctx) error {
		return c.JSON(server.coord.Statuses())
	})
	router.Get("/shards/:id", func(c fiber.Ctx) error {
		id, err := strconv.Atoi(c.Params("id"))
		if err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "shard id must be an integer"})
		}
		sh := server.coord.Shard(id)
		if sh == nil {
			return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "unknown shard"})
		}
		return c.JSON(shard.ShardStatus{
			ID:          id,
			Status:      sh.Session().Status(),
			Latency:     sh.Latency().Seconds(),
			Ratelimited: sh.IsRatelimited(),
		})
	})
	server.router = router
}

func (server *Server) StartServer(ctx context.Context, addr string) {
	log.Info(fmt.Sprintf("server start at %s", addr))
	server.setupRouter()
	server.router.Listen(addr, fiber.ListenConfig{
		GracefulContext: ctx,
		OnShutdownSuccess: func() {
			log.Info("server stopped.")
		},
	})
}
