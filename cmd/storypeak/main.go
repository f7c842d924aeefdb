package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/storypeak/storypeak/internal/pkg/billing"
	"github.com/storypeak/storypeak/internal/pkg/cache"
	"github.com/storypeak/storypeak/internal/pkg/database"
	"github.com/storypeak/storypeak/internal/pkg/env"
	"github.com/storypeak/storypeak/internal/pkg/reservation"
	"github.com/storypeak/storypeak/internal/pkg/router"
	"github.com/storypeak/storypeak/internal/pkg/usage"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	// Find the project root so the OpenAPI file resolves no matter where the
	// binary starts from.
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/storypeak to project root
		"../../../", // Fallback
	}
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}
	if basePath == "" {
		panic("Could not find project root directory")
	}

	app := fiber.New(fiber.Config{
		AppName:      "storypeak-metering",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	// Background sweep for reservations whose caller never came back.
	db := database.GetDB()
	ledger := usage.NewLedgerFromDB(db, billing.NewServiceFromDB(db))
	manager := reservation.NewManagerFromDB(db, ledger)
	manager.StartSweeper(context.Background(), reservation.DefaultSweepInterval)

	return app
}
