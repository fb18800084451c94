package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/volume-engine/internal/auth"
	"github.com/ksred/volume-engine/internal/config"
	"github.com/ksred/volume-engine/internal/database"
	"github.com/ksred/volume-engine/internal/gateway"
	"github.com/ksred/volume-engine/internal/keys"
	"github.com/ksred/volume-engine/internal/orders"
	"github.com/ksred/volume-engine/internal/scheduler"
	"github.com/ksred/volume-engine/internal/sweep"
	"github.com/ksred/volume-engine/internal/types"
	"github.com/ksred/volume-engine/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	numOrders      = 3
	schedulePasses = 5
	serverAddress  = "http://localhost:8080"

	simAPIKey    = "sim-api-key"
	simAPISecret = "sim-api-secret"

	// Dev-only root secret; real deployments load theirs from the environment.
	simMasterSecret = "6d6f636b2d6d61737465722d7365637265742020202020202020202020202020"

	// Extra lamports credited on top of the order cost so the payment clears
	// the network fee and underpayment checks.
	paymentBuffer = 100_000
)

var tokenMints = []string{
	"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263",
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN",
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the volume engine API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"quote":     {name: "Quote Order"},
			"draft":     {name: "Create Draft"},
			"get":       {name: "Get Order"},
			"tasks":     {name: "Get Tasks"},
			"sweep":     {name: "Sweep Pass"},
			"scheduler": {name: "Scheduler Pass"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    simAPIKey,
		"api_secret": simAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// do issues an authenticated JSON request and decodes the response envelope
// into out. The duration lands in the named stats bucket.
func (sc *simulationClient) do(statKey, method, path string, payload, out interface{}) error {
	start := time.Now()
	stats := sc.stats[statKey]
	defer func() {
		stats.addDuration(time.Since(start))
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		stats.failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		stats.failures++
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode >= http.StatusBadRequest {
		stats.failures++
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}

	envelope := struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

// quoteOrder prices an order configuration
func (sc *simulationClient) quoteOrder(volumeTarget float64, durationHours int) (*types.CostQuote, error) {
	var quote types.CostQuote
	err := sc.do("quote", "POST", "/api/v1/orders/quote", map[string]interface{}{
		"volume_target":  volumeTarget,
		"duration_hours": durationHours,
	}, &quote)
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

// createDraft creates or updates the caller's draft order
func (sc *simulationClient) createDraft(token, pool string, volumeTarget float64, durationHours int) (*types.Order, error) {
	var order types.Order
	err := sc.do("draft", "POST", "/api/v1/orders", map[string]interface{}{
		"token_address":  token,
		"pool_address":   pool,
		"volume_target":  volumeTarget,
		"duration_hours": durationHours,
	}, &order)
	if err != nil {
		return nil, err
	}
	if order.OrderID == "" {
		return nil, fmt.Errorf("no order ID in draft response")
	}
	return &order, nil
}

// getOrder retrieves the current state of an order
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := sc.do("get", "GET", "/api/v1/orders/"+orderID, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// getTasks retrieves the tasks of an order
func (sc *simulationClient) getTasks(orderID string) ([]types.Task, error) {
	var tasks []types.Task
	if err := sc.do("tasks", "GET", "/api/v1/orders/"+orderID+"/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// runSweep triggers a sweep pass over all payable orders
func (sc *simulationClient) runSweep() (*types.SweepSummary, error) {
	var summary types.SweepSummary
	if err := sc.do("sweep", "POST", "/api/v1/internal/sweep/run", nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// runScheduler triggers a scheduling pass over all confirmed and running orders
func (sc *simulationClient) runScheduler() (*types.ScheduleSummary, error) {
	var summary types.ScheduleSummary
	if err := sc.do("scheduler", "POST", "/api/v1/internal/scheduler/run", nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the volume engine simulation end to end: it starts a local API
// server with an in-memory trading gateway, walks several orders through
// draft, payment, sweep and scheduling, and prints the outcome.
func main() {
	gw := gateway.NewDeterministic()

	// Start the server in a goroutine
	go func() {
		if err := startServer(gw); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	stats := struct {
		OrdersCreated  int
		OrdersSwept    int
		OrdersRunning  int
		TasksCreated   int
		TicksExecuted  int
		TicksFailed    int
		TotalPaid      uint64
		VolumeProgress float64
		StartTime      time.Time
	}{
		StartTime: time.Now(),
	}

	log.Info().Int("target_orders", numOrders).Msg("Starting simulation")

	// Create orders one at a time: a user only ever has one active draft, so
	// each draft must be paid and swept before the next can exist.
	var orderIDs []string
	for i := 0; i < numOrders; i++ {
		volumeTarget := float64((rand.Intn(4) + 1) * 50_000)
		durationHours := []int{6, 12, 24}[rand.Intn(3)]
		token := tokenMints[i%len(tokenMints)]

		quote, err := simClient.quoteOrder(volumeTarget, durationHours)
		if err != nil {
			log.Error().Err(err).Msg("Failed to quote order")
			continue
		}
		log.Info().
			Float64("volume_target", volumeTarget).
			Int("duration_hours", durationHours).
			Int("tasks", quote.TasksCount).
			Uint64("total_cost", quote.TotalCost).
			Msg("Order quoted")

		order, err := simClient.createDraft(token, token, volumeTarget, durationHours)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create draft")
			continue
		}
		stats.OrdersCreated++
		orderIDs = append(orderIDs, order.OrderID)
		log.Info().
			Str("order_id", order.OrderID).
			Str("payment_address", order.PaymentAddress).
			Uint64("total_cost", order.TotalCost).
			Msg("Draft created")

		// Simulate the user paying the derived deposit address.
		payment := order.TotalCost + paymentBuffer
		gw.Credit(order.PaymentAddress, payment)
		stats.TotalPaid += payment

		sweepSummary, err := simClient.runSweep()
		if err != nil {
			log.Error().Err(err).Str("order_id", order.OrderID).Msg("Sweep pass failed")
			continue
		}
		stats.OrdersSwept += sweepSummary.Swept
		log.Info().
			Str("order_id", order.OrderID).
			Int("swept", sweepSummary.Swept).
			Int("skipped", sweepSummary.Skipped).
			Msg("Payment swept")
	}

	// Drive scheduling passes. The first pass starts every confirmed order and
	// ticks each fresh task once; later passes pick up whatever has become due.
	for pass := 1; pass <= schedulePasses; pass++ {
		summary, err := simClient.runScheduler()
		if err != nil {
			log.Error().Err(err).Int("pass", pass).Msg("Scheduler pass failed")
			continue
		}
		stats.TicksExecuted += summary.TasksExecuted
		stats.TicksFailed += summary.TasksFailed
		log.Info().
			Int("pass", pass).
			Int("orders_started", summary.OrdersStarted).
			Int("orders_processed", summary.OrdersProcessed).
			Int("tasks_executed", summary.TasksExecuted).
			Int("tasks_failed", summary.TasksFailed).
			Msg("Scheduler pass completed")

		time.Sleep(2 * time.Second)
	}

	// Collect final order and task state
	for _, orderID := range orderIDs {
		order, err := simClient.getOrder(orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to fetch final order state")
			continue
		}
		if order.Status == types.OrderStatusRunning {
			stats.OrdersRunning++
		}

		tasks, err := simClient.getTasks(orderID)
		if err != nil {
			continue
		}
		stats.TasksCreated += len(tasks)
		for _, task := range tasks {
			stats.VolumeProgress += task.CurrentVolume
		}

		log.Info().
			Str("order_id", orderID).
			Str("status", order.Status).
			Int("tasks", len(tasks)).
			Msg("Final order state")
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 VOLUME ENGINE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Order Statistics
------------------
Orders Created:   %d
Payments Swept:   %d
Orders Running:   %d
Tasks Created:    %d
Ticks Executed:   %d
Ticks Failed:     %d
Lamports Paid:    %d
Volume Progress:  $%.2f
Duration:         %v
`, stats.OrdersCreated, stats.OrdersSwept, stats.OrdersRunning,
		stats.TasksCreated, stats.TicksExecuted, stats.TicksFailed,
		stats.TotalPaid, stats.VolumeProgress, duration.Round(time.Millisecond))

	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("orders_created", stats.OrdersCreated).
		Int("ticks_executed", stats.TicksExecuted).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// startServer initializes and starts the volume engine API server backed by
// the given gateway, so the simulation can fund payment addresses directly.
func startServer(gw gateway.Gateway) error {
	cfg := config.Defaults()
	cfg.MasterSecret = simMasterSecret
	cfg.DBPath = "volume_simulation.db"

	deriver, err := keys.NewDeriver(cfg.MasterSecret)
	if err != nil {
		return fmt.Errorf("failed to initialize key deriver: %w", err)
	}

	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterAPICredentials(simAPIKey, simAPISecret)

	orderService := orders.NewService(db, deriver, &cfg)
	sweepService := sweep.NewService(db, gw, deriver, &cfg)
	schedulerService := scheduler.NewService(db, gw, deriver, &cfg)

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	orderHandlers := orders.NewGinHandlers(orderService)
	sweepHandlers := sweep.NewGinHandlers(sweepService)
	schedulerHandlers := scheduler.NewGinHandlers(schedulerService)

	// Setup routes
	setupRoutes(router, &cfg, authHandlers, orderHandlers, sweepHandlers, schedulerHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies the same auth middleware as the
// production server
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	orderHandlers *orders.GinHandlers,
	sweepHandlers *sweep.GinHandlers,
	schedulerHandlers *scheduler.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		ordersGroup := v1.Group("/orders")
		ordersGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			ordersGroup.POST("/quote", orderHandlers.QuoteHandler())
			ordersGroup.POST("", orderHandlers.CreateDraftHandler())
			ordersGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			ordersGroup.GET("/:order_id/tasks", orderHandlers.GetOrderTasksHandler())
			ordersGroup.DELETE("/:order_id", orderHandlers.CancelOrderHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.JWTSecret))
		{
			internal.POST("/orders/:order_id/payment", orderHandlers.ConfirmPaymentHandler())
			internal.POST("/sweep/run", sweepHandlers.RunPassHandler())
			internal.POST("/scheduler/run", schedulerHandlers.RunPassHandler())
		}
	}
}
