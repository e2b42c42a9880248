package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"quiz-duel-service/config"
	"quiz-duel-service/handlers"
	"quiz-duel-service/middleware"
	"quiz-duel-service/models"
	"quiz-duel-service/services"
	"quiz-duel-service/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("❌ config: ", err)
	}

	// TranslateError surfaces unique-index violations as gorm.ErrDuplicatedKey,
	// which the services map to business errors.
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.PlayerUser{},
		&models.Subject{},
		&models.Question{},
		&models.QuestionChoice{},
		&models.Duel{},
		&models.DuelOpener{},
		&models.DuelRound{},
		&models.DuelRoundQuestion{},
		&models.DuelAnswer{},
		&models.DuelJoker{},
		&models.Notification{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	catalogService := services.NewCatalogService(db)
	notifyService := services.NewNotificationService(db)
	roundService := services.NewRoundService(db, cfg, catalogService, notifyService)
	duelService := services.NewDuelService(db, cfg, catalogService, notifyService)
	openerService := services.NewOpenerService(db, cfg, catalogService, notifyService, roundService)
	jokerService := services.NewJokerService(db, cfg, notifyService)

	sweeper := workers.NewTurnExpiryWorker(db, cfg, roundService)
	dispatcher := workers.NewNotificationDispatchWorker(db, cfg)
	playerSync := workers.NewPlayerSyncWorker(db, cfg)

	app := fiber.New(fiber.Config{
		AppName: "quiz-duel-service",
	})

	// 🔐 Only Gateway requests allowed — no exceptions.
	app.Use(middleware.GatewayAuthMiddleware(cfg.ServiceToken))

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-Service-Token, X-User-ID",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.SetupDuelRoutes(app, duelService, openerService, roundService, jokerService, sweeper)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper.Start()
	defer sweeper.Stop()
	dispatcher.Start(ctx)
	playerSync.Start(ctx)

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on %s", cfg.ListenAddr)
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", cfg.AllowedOrigins)

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}
