package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/fetalscan/fetalscan/internal/logger"
)

const healthCheckTimeout = 3 * time.Second

// HealthCheck handles GET /api/health. It reports 503 when the database is unreachable.
func (c *Controller) HealthCheck(ctx echo.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx.Request().Context(), healthCheckTimeout)
	defer cancel()

	uptime := time.Since(c.startTime)
	response := map[string]any{
		"status":         "healthy",
		"version":        c.Settings.Version,
		"build_date":     c.Settings.BuildDate,
		"timestamp":      c.now().UTC().Format(time.RFC3339),
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": uptime.Seconds(),
	}
	code := http.StatusOK

	database := map[string]any{"status": "connected", "type": c.Settings.Datastore.Type}
	if err := c.DS.Ping(checkCtx); err != nil {
		database["status"] = "disconnected"
		database["error"] = err.Error()
		response["status"] = "degraded"
		code = http.StatusServiceUnavailable
		c.log.Warn("health check: database unreachable", logger.Error(err))
	}
	response["database"] = database

	if c.images != nil {
		response["storage"] = c.storageUsage(checkCtx)
	}

	return ctx.JSON(code, response)
}

// storageUsage reports disk usage of the volume holding the image store
func (c *Controller) storageUsage(ctx context.Context) map[string]any {
	root := c.images.Root()
	usage, err := disk.UsageWithContext(ctx, root)
	if err != nil {
		return map[string]any{"path": root, "error": err.Error()}
	}
	return map[string]any{
		"path":         root,
		"total_bytes":  usage.Total,
		"free_bytes":   usage.Free,
		"used_percent": usage.UsedPercent,
	}
}
