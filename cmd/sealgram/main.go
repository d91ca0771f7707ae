package main

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/sealgram/sealgram/internal/auth"
	"github.com/sealgram/sealgram/internal/blob"
	"github.com/sealgram/sealgram/internal/codec"
	"github.com/sealgram/sealgram/internal/crypto"
	"github.com/sealgram/sealgram/internal/db"
	"github.com/sealgram/sealgram/internal/handlers"
	"github.com/sealgram/sealgram/internal/keyring"
	"github.com/sealgram/sealgram/internal/models"
	"github.com/sealgram/sealgram/internal/push"
	"github.com/sealgram/sealgram/internal/readline"
	"github.com/sealgram/sealgram/internal/store"
	"github.com/sealgram/sealgram/internal/ws"
	"github.com/sealgram/sealgram/pkg/config"
)

func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limiter error"})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func serverErrorLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Printf(
				"HTTP %d %s %s ip=%s duration=%s errors=%q response=%q",
				c.Writer.Status(),
				c.Request.Method,
				c.Request.URL.Path,
				c.ClientIP(),
				time.Since(start).Truncate(time.Millisecond),
				c.Errors.ByType(gin.ErrorTypeAny).String(),
				strings.TrimSpace(blw.body.String()),
			)
		}
	}
}

func panicRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Printf(
			"panic recovered method=%s path=%s ip=%s error=%v\n%s",
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			recovered,
			debug.Stack(),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

// fanoutGroup multiplexes commit notifications to push and websocket
// delivery.
type fanoutGroup []codec.Fanout

func (g fanoutGroup) MessageCommitted(conv *models.Conversation, msg *models.Message) {
	for _, f := range g {
		f.MessageCommitted(conv, msg)
	}
}

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	if err := runServer(cfg); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  sealgram           Start the server")
	fmt.Fprintln(out, "  sealgram status    Show application statistics")
	fmt.Fprintln(out, "  sealgram status --json")
}

func runServer(cfg *config.Config) error {
	os.MkdirAll(cfg.BlobStoragePath, 0755)

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	conn := database.GetConn()

	cipher := crypto.NaCl{}
	st := store.New(conn)
	keys := keyring.New(cipher, st, st)
	tracker := readline.New(st, st)
	blobs := blob.NewFileStore(cfg.BlobStoragePath)

	notifier := push.NewNotifier(conn, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.PushSubscriber)
	if notifier == nil {
		log.Println("VAPID keys not configured; web push disabled")
	}

	hub := ws.NewHub(tracker)
	go hub.Run()

	cdc := codec.New(cipher, keys, st, st, st, blobs, tracker, fanoutGroup{notifier, hub})

	authSvc := auth.New(conn, cfg.JWTSecret)
	authHandler := handlers.NewAuthHandler(authSvc)
	convHandler := handlers.NewConversationHandler(st, keys, cdc, tracker, notifier, hub)
	msgHandler := handlers.NewMessageHandler(st, cdc)
	userHandler := handlers.NewUserHandler(st)
	pushHandler := handlers.NewPushHandler(notifier)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(serverErrorLogger())
	router.Use(gin.Logger())
	router.Use(panicRecovery())
	router.MaxMultipartMemory = cfg.MaxUploadSize

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", cfg.CORSOrigins)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Public-Key, X-Private-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := router.Group("/api")
	{
		loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: cfg.LoginRateLimit})
		registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: cfg.SignupRateLimit})

		api.POST("/register", rateLimitMiddleware(registerLimiter), authHandler.Register)
		api.POST("/login", rateLimitMiddleware(loginLimiter), authHandler.Login)
		api.GET("/push/key", pushHandler.VAPIDPublicKey)
	}

	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		protected.GET("/users", userHandler.Search)
		protected.GET("/users/:id", userHandler.Get)
		protected.GET("/me", userHandler.Me)

		protected.POST("/conversations", convHandler.Create)
		protected.GET("/conversations", convHandler.List)
		protected.GET("/conversations/unread", convHandler.UnreadSummary)
		protected.GET("/conversations/:id", convHandler.Get)
		protected.PUT("/conversations/:id/name", convHandler.Rename)
		protected.POST("/conversations/:id/participants", convHandler.AddParticipant)
		protected.DELETE("/conversations/:id/participants", convHandler.RemoveParticipant)
		protected.POST("/conversations/:id/leave", convHandler.Leave)
		protected.PUT("/conversations/:id/readline", convHandler.SaveReadline)
		protected.DELETE("/conversations/:id/readline", convHandler.ClearReadline)
		protected.PUT("/conversations/:id/notifications", convHandler.SetNotifications)
		protected.GET("/conversations/:id/unread", convHandler.UnreadCount)

		protected.POST("/conversations/:id/messages", msgHandler.Save)
		protected.GET("/conversations/:id/messages", msgHandler.List)
		protected.GET("/messages/:id", msgHandler.Get)
		protected.DELETE("/messages/:id", msgHandler.Delete)

		protected.POST("/push/subscriptions", pushHandler.Subscribe)
		protected.DELETE("/push/subscriptions", pushHandler.Unsubscribe)
	}

	// Encrypted attachment blobs; opaque without the message key.
	router.Static("/blobs", cfg.BlobStoragePath)

	router.GET("/ws", authHandler.AuthMiddleware(), hub.HandleWebSocket)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	addr := fmt.Sprintf("0.0.0.0:%s", cfg.Port)
	log.Printf("Starting server on %s", addr)

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigint
		log.Println("\nShutting down gracefully...")
		os.Exit(0)
	}()

	return router.Run(addr)
}
