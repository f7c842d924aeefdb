package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/storypeak/storypeak/app/controllers"
	"github.com/storypeak/storypeak/internal/pkg/cache"
	"github.com/storypeak/storypeak/internal/pkg/database"
	"github.com/storypeak/storypeak/internal/pkg/env"
	"github.com/storypeak/storypeak/internal/pkg/middleware"
)

type ApiRouter struct {
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	db := database.GetDB()
	webhooks := controllers.NewWebhookControllerFromDB(db)
	usageAPI := controllers.NewUsageControllerFromDB(db)

	v1 := app.Group("/api/v1")

	v1.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
	})

	// Webhook deliveries authenticate by signature, not by API key. The
	// limiter keeps a misbehaving provider or replay script from hammering
	// the ledger; counters live in redis so all instances share one budget.
	billing := v1.Group("/billing")
	billing.Post("/webhook", webhookLimiter(), webhooks.HandleStripeWebhook)

	internal := middleware.InternalKeyAuthMiddleware()
	billing.Get("/events/:id", internal, webhooks.HandleGetWebhookEvent)

	usage := v1.Group("/usage", internal)
	usage.Post("/check", usageAPI.HandleUsageCheck)
	usage.Get("/", usageAPI.HandleGetUsage)
	usage.Get("/breakdown", usageAPI.HandleGetUsageBreakdown)

	reservations := v1.Group("/reservations", internal)
	reservations.Post("/", usageAPI.HandleReserve)
	reservations.Get("/:id", usageAPI.HandleGetReservation)
	reservations.Post("/:id/commit", usageAPI.HandleCommitReservation)
	reservations.Post("/:id/release", usageAPI.HandleReleaseReservation)
}

func webhookLimiter() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        env.GetEnvInt("WEBHOOK_RATE_LIMIT", 120),
		Expiration: time.Minute,
		Storage:    newLimiterStorage(),
		KeyGenerator: func(c *fiber.Ctx) string {
			return "webhook:" + c.IP()
		},
	})
}

// newLimiterStorage reuses the cache connection settings so the limiter
// counters land next to the snapshot cache, in a separate database.
func newLimiterStorage() *redisstorage.Storage {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if client := cache.GetClient(); client != nil {
		addr := client.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := client.Options().Password; p != "" {
			password = p
		}
	}

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}
