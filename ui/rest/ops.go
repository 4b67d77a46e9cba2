package rest

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/AzielCF/az-gateway/domains/queue"
	pkgError "github.com/AzielCF/az-gateway/pkg/error"
	"github.com/AzielCF/az-gateway/usecase"
)

const llmProbeTimeout = 5 * time.Second

// Pinger is anything with a liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LatencyProber measures round-trip latency to an upstream.
type LatencyProber interface {
	TestConnection(ctx context.Context) (time.Duration, error)
}

// Fleet exposes the manager's view of the worker pool.
type Fleet interface {
	WorkerCount() int
	HealthRecords() []usecase.WorkerHealth
}

// OpsDeps wires the operational surface into the running core.
type OpsDeps struct {
	Store   queue.MessageStore
	DB      Pinger
	LLM     LatencyProber
	Fleet   Fleet
	Version string
}

type Ops struct {
	deps OpsDeps
}

func InitRestOps(app fiber.Router, deps OpsDeps) Ops {
	handler := Ops{deps: deps}
	app.Get("/health", handler.GetHealth)
	app.Get("/stats", handler.GetStats)
	return handler
}

// InitRestFallback must be registered after every other route; the recovery
// middleware turns the panic into a structured 404 envelope.
func InitRestFallback(app fiber.Router) {
	app.Use(func(c *fiber.Ctx) error {
		panic(pkgError.NotFoundError("resource " + c.Path() + " not found"))
	})
}

func (h *Ops) GetHealth(c *fiber.Ctx) error {
	ctx := c.UserContext()
	healthy := true

	components := fiber.Map{}

	if err := h.deps.Store.Ping(ctx); err != nil {
		healthy = false
		components["store"] = fiber.Map{"ok": false, "error": err.Error()}
	} else {
		components["store"] = fiber.Map{"ok": true}
	}

	if err := h.deps.DB.Ping(ctx); err != nil {
		healthy = false
		components["database"] = fiber.Map{"ok": false, "error": err.Error()}
	} else {
		components["database"] = fiber.Map{"ok": true}
	}

	if h.deps.LLM != nil {
		probeCtx, cancel := context.WithTimeout(ctx, llmProbeTimeout)
		latency, err := h.deps.LLM.TestConnection(probeCtx)
		cancel()
		if err != nil {
			healthy = false
			components["llm"] = fiber.Map{"ok": false, "error": err.Error()}
		} else {
			components["llm"] = fiber.Map{"ok": true, "latency_ms": latency.Milliseconds()}
		}
	}

	status := 200
	code := "SUCCESS"
	message := "All components healthy"
	if !healthy {
		status = fiber.StatusServiceUnavailable
		code = "DEGRADED"
		message = "One or more components are unhealthy"
	}

	return c.Status(status).JSON(ResponseData{
		Status:  status,
		Code:    code,
		Message: message,
		Results: fiber.Map{
			"version":    h.deps.Version,
			"components": components,
		},
	})
}

func (h *Ops) GetStats(c *fiber.Ctx) error {
	stats, err := h.deps.Store.Stats(c.UserContext())
	if err != nil {
		return c.Status(500).JSON(ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}

	results := fiber.Map{"queue": stats}
	if h.deps.Fleet != nil {
		results["workers"] = fiber.Map{
			"count":  h.deps.Fleet.WorkerCount(),
			"health": h.deps.Fleet.HealthRecords(),
		}
	}

	return c.JSON(ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Stats retrieved",
		Results: results,
	})
}
