/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the contractor settlement engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Build and validate the fee schedule
  3. Initialize the SQLite store
  4. Create the settlement engine and API handler
  5. Start the server with graceful shutdown

CONFIGURATION:
  Flags override environment variables; environment variables come from
  the process or a local .env file.

  -port / PORT           HTTP server port (default: 8080)
  -db / DATABASE_PATH    SQLite database path (default: settlement.db)
                         Use ":memory:" for in-memory database
  FEE_SCHEDULE_JSON      Fee schedule overrides as JSON, e.g.
                         {"commission_percent":"0.20","apply_vat":true}

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  ./server -db="./data/settlement.db"
  ./server -db=":memory:" -port=3000
  FEE_SCHEDULE_JSON='{"apply_vat":true}' ./server

SEE ALSO:
  - api/server.go: Router configuration
  - settlement/engine.go: Domain logic
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sunpeak/settlement-engine/api"
	"github.com/sunpeak/settlement-engine/finance"
	"github.com/sunpeak/settlement-engine/settlement"
	"github.com/sunpeak/settlement-engine/store/sqlite"
)

func main() {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DATABASE_PATH", "settlement.db"), "SQLite database path")
	flag.Parse()

	// Fee schedule: defaults, overridden by FEE_SCHEDULE_JSON.
	schedule := finance.DefaultFeeSchedule()
	if raw := os.Getenv("FEE_SCHEDULE_JSON"); raw != "" {
		var err error
		schedule, err = finance.ParseFeeSchedule(raw)
		if err != nil {
			log.Fatalf("Invalid fee schedule: %v", err)
		}
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	engine := settlement.NewEngine(store, schedule)
	handler := api.NewHandler(engine, store)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Settlement engine listening on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
