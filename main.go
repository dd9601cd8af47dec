// File: slotwatch/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"slotwatch/config"
	"slotwatch/cron"
	"slotwatch/database"
	auditRepo "slotwatch/database/repository/audit"
	"slotwatch/database/storage"
	"slotwatch/handlers"
	"slotwatch/middleware"
	"slotwatch/models"
	"slotwatch/routes"
	"slotwatch/services/booking"
	"slotwatch/services/notification"
	"slotwatch/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

func main() {
	config.LoadConfig()
	logger := utils.GetLogger()

	database.InitDB()
	utils.InitStoreClient()

	// Create the Gin router.
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(utils.ErrorHandler())
	router.Use(gin.Logger())
	router.Use(middleware.RateLimitMiddleware())
	router.Use(cors.Default())

	// Storage collaborators.
	store := storage.NewRedisStore(utils.GetStoreClient())
	recordsRepo := auditRepo.NewMongoAuditRepo()

	// Coordination triad.
	queue := booking.NewOperationQueue(logger)
	machine := booking.NewBookingStateMachine(queue, store, logger,
		config.BookingTimeout(), config.AppConfig.StateHistoryLimit)

	approvalHub := handlers.NewApprovalHub(logger)
	confirmer := booking.NewConfirmationManager(approvalHub, store, logger, config.ConfirmationTimeout())

	taskClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.RedisAddr,
		Password: config.AppConfig.RedisPassword,
		DB:       config.AppConfig.RedisTaskQueueDB,
	})

	workflow := &booking.DefaultBookingWorkflow{
		Machine:    machine,
		Confirmer:  confirmer,
		Slots:      &pendingSlotSource{},
		Executor:   &pendingBookingExecutor{},
		AuditRepo:  recordsRepo,
		Notifier:   &notification.LogNotifier{Logger: logger},
		Logger:     logger,
		TaskClient: taskClient,
	}

	cron.InitRecheckWorker(workflow)

	coordHandler := handlers.NewCoordinationHandler(machine, workflow, recordsRepo, logger)
	routes.RegisterRoutes(router, coordHandler, approvalHub)

	// Start the HTTP server.
	port := config.AppConfig.AppPort
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    "0.0.0.0:" + port,
		Handler: router,
	}

	logger.Sugar().Infof("Starting server on %s...", srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Sugar().Fatalf("main: server failed to start: %v", err)
		}
	}()

	// Wait for an OS signal to gracefully shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Sugar().Info("main: server is shutting down...")

	approvalHub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Sugar().Fatalf("main: server forced to shutdown: %v", err)
	}

	logger.Sugar().Info("main: server stopped gracefully")
}

// pendingSlotSource is the integration point for the slot-scraping service.
// Until it is wired, every search round reports no earlier slot.
type pendingSlotSource struct{}

func (*pendingSlotSource) FindEarlierSlot(context.Context, models.BookingDetails) (*models.SlotOffer, error) {
	return nil, nil
}

// pendingBookingExecutor is the integration point for the site-automation
// service that performs the actual rebooking.
type pendingBookingExecutor struct{}

func (*pendingBookingExecutor) Book(context.Context, models.BookingDetails, models.SlotOffer) error {
	return nil
}
