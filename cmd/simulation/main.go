package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/escrow-api/internal/auth"
	"github.com/ksred/escrow-api/internal/custody"
	"github.com/ksred/escrow-api/internal/database"
	"github.com/ksred/escrow-api/internal/dispute"
	"github.com/ksred/escrow-api/internal/escrow"
	"github.com/ksred/escrow-api/internal/events"
	"github.com/ksred/escrow-api/internal/expiry"
	"github.com/ksred/escrow-api/internal/signature"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/ksred/escrow-api/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minOrders     = 15
	maxOrders     = 60
	numWorkers    = 5
	serverAddress = "http://localhost:8080"

	simContextID = "simnet"
	simLedgerID  = "escrow-sim"

	// Short deadlines so the expiry scenario completes within the run.
	simExecutionDeadline = 3 * time.Second
	simDisputeWindow     = 5 * time.Second
)

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

// simulationClient handles HTTP communication with the escrow API on
// behalf of every simulated participant
type simulationClient struct {
	baseURL       string
	client        *http.Client
	clientToken   string
	opsToken      string
	arbiterTokens []string
	performerKey  ed25519.PrivateKey
	performer     string
	referrer      string

	mu    sync.Mutex
	stats map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates every demo participant and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	performerPub, performerPriv := signature.DemoKey("performer")
	referrerPub, _ := signature.DemoKey("referrer")

	sc := &simulationClient{
		baseURL:      serverAddress,
		client:       client,
		performerKey: performerPriv,
		performer:    signature.AddressFromPublicKey(performerPub),
		referrer:     signature.AddressFromPublicKey(referrerPub),
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"create":   {name: "Create Order"},
			"get":      {name: "Get Order"},
			"confirm":  {name: "Confirm Completion"},
			"dispute":  {name: "Open Dispute"},
			"vote":     {name: "Cast Vote"},
			"finalize": {name: "Finalize Dispute"},
			"sweep":    {name: "Sweep"},
		},
	}

	var err error
	if sc.clientToken, err = sc.authenticate(auth.DemoClientAPIKey, auth.DemoClientAPISecret); err != nil {
		return nil, fmt.Errorf("client auth: %w", err)
	}
	if sc.opsToken, err = sc.authenticate(auth.DemoOpsAPIKey, auth.DemoOpsAPISecret); err != nil {
		return nil, fmt.Errorf("ops auth: %w", err)
	}
	for i := 1; i <= auth.DemoArbiterCount; i++ {
		token, err := sc.authenticate(auth.DemoArbiterAPIKeyPrefix+strconv.Itoa(i), auth.DemoArbiterAPISecret)
		if err != nil {
			return nil, fmt.Errorf("arbiter %d auth: %w", i, err)
		}
		sc.arbiterTokens = append(sc.arbiterTokens, token)
	}

	return sc, nil
}

func (sc *simulationClient) record(route string, start time.Time, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[route]
	rs.addDuration(time.Since(start))
	if failed {
		rs.failures++
	}
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("auth", start, failed) }()

	credentials := map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		failed = true
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		failed = true
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		failed = true
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		failed = true
		return "", err
	}

	return result.Data.Token, nil
}

// doJSON issues an authenticated request and decodes the standard envelope
// into out when it is non-nil
func (sc *simulationClient) doJSON(route, method, path, token string, payload, out interface{}) error {
	start := time.Now()
	failed := false
	defer func() { sc.record(route, start, failed) }()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			failed = true
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		failed = true
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		failed = true
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failed = true
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		failed = true
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}

	envelope := struct {
		Data interface{} `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		failed = true
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return nil
}

// createOrder funds a new escrow order as the demo client
func (sc *simulationClient) createOrder(orderID uint64, amount int64, withReferrer bool) (*types.Order, error) {
	payload := map[string]interface{}{
		"order_id":  orderID,
		"performer": sc.performer,
		"amount":    amount,
	}
	if withReferrer {
		payload["referrer"] = sc.referrer
	}

	var order types.Order
	if err := sc.doJSON("create", "POST", "/api/v1/orders", sc.clientToken, payload, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// getOrder retrieves the full order record
func (sc *simulationClient) getOrder(orderID uint64) (*types.Order, error) {
	var order types.Order
	path := fmt.Sprintf("/api/v1/orders/%d", orderID)
	if err := sc.doJSON("get", "GET", path, sc.clientToken, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// confirmCompletion signs the canonical completion digest as the performer
// and submits it as the client
func (sc *simulationClient) confirmCompletion(orderID uint64) error {
	sig := signature.SignCompletion(sc.performerKey, simContextID, simLedgerID, orderID)
	payload := map[string]string{
		"executor_signature": hex.EncodeToString(sig),
	}
	path := fmt.Sprintf("/api/v1/orders/%d/confirm", orderID)
	return sc.doJSON("confirm", "POST", path, sc.clientToken, payload, nil)
}

// openDispute contests an order as the client
func (sc *simulationClient) openDispute(orderID uint64) error {
	path := fmt.Sprintf("/api/v1/orders/%d/dispute", orderID)
	return sc.doJSON("dispute", "POST", path, sc.clientToken, nil, nil)
}

// castVote votes as the given arbiter
func (sc *simulationClient) castVote(orderID uint64, arbiter int, choice string) error {
	payload := map[string]string{"choice": choice}
	path := fmt.Sprintf("/api/v1/orders/%d/votes", orderID)
	return sc.doJSON("vote", "POST", path, sc.arbiterTokens[arbiter], payload, nil)
}

// finalize settles a dispute through the internal endpoint
func (sc *simulationClient) finalize(orderID uint64) (*dispute.FinalizeResult, error) {
	var result dispute.FinalizeResult
	path := fmt.Sprintf("/api/v1/internal/orders/%d/finalize", orderID)
	if err := sc.doJSON("finalize", "POST", path, sc.opsToken, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// sweep triggers an immediate expiry sweep
func (sc *simulationClient) sweep() ([]uint64, error) {
	var result struct {
		Transitioned []uint64 `json:"transitioned"`
	}
	if err := sc.doJSON("sweep", "POST", "/api/v1/internal/sweep", sc.opsToken, nil, &result); err != nil {
		return nil, err
	}
	return result.Transitioned, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
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

type simStats struct {
	mu        sync.Mutex
	Funded    int
	Released  int
	Refunded  int
	Expired   int
	Failed    int
	Volume    int64
	Outcomes  map[string]int
	StartTime time.Time
}

func (st *simStats) count(fn func(st *simStats)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st)
}

// main runs the escrow simulation
// It starts a local API server and drives concurrent clients through the
// full order lifecycle: confirm, dispute and expiry paths
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	stats := &simStats{
		Outcomes:  make(map[string]int),
		StartTime: time.Now(),
	}

	var nextOrderID atomic.Uint64
	nextOrderID.Store(uint64(time.Now().Unix()) * 1000)

	var expiryCandidates []uint64
	var expiryMu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < targetOrders/numWorkers; j++ {
				orderID := nextOrderID.Add(1)
				amount := int64(rand.Intn(100_000) + 1000)
				withReferrer := rand.Intn(2) == 0

				switch rand.Intn(3) {
				case 0:
					runConfirmScenario(simClient, stats, orderID, amount, withReferrer)
				case 1:
					runDisputeScenario(simClient, stats, orderID, amount, withReferrer)
				default:
					if id, ok := runExpiryFunding(simClient, stats, orderID, amount); ok {
						expiryMu.Lock()
						expiryCandidates = append(expiryCandidates, id)
						expiryMu.Unlock()
					}
				}

				// Random sleep between orders
				time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	// Let the expiry candidates pass their execution deadline, then sweep
	time.Sleep(simExecutionDeadline + time.Second)
	swept, err := simClient.sweep()
	if err != nil {
		log.Error().Err(err).Msg("Sweep failed")
	} else {
		stats.count(func(st *simStats) { st.Expired += len(swept) })
		log.Info().Int("swept", len(swept)).Msg("Expiry sweep completed")
	}
	verifyExpired(simClient, expiryCandidates)

	printSummary(stats, simClient)
}

// runConfirmScenario drives the happy path: fund, performer signs, client
// confirms, escrow releases the split
func runConfirmScenario(sc *simulationClient, stats *simStats, orderID uint64, amount int64, withReferrer bool) {
	if _, err := sc.createOrder(orderID, amount, withReferrer); err != nil {
		log.Error().Err(err).Uint64("order_id", orderID).Msg("Failed to create order")
		stats.count(func(st *simStats) { st.Failed++ })
		return
	}
	stats.count(func(st *simStats) { st.Funded++; st.Volume += amount })

	if err := sc.confirmCompletion(orderID); err != nil {
		log.Error().Err(err).Uint64("order_id", orderID).Msg("Failed to confirm completion")
		stats.count(func(st *simStats) { st.Failed++ })
		return
	}

	order, err := sc.getOrder(orderID)
	if err != nil || order.Status != types.StatusResolved {
		log.Error().Err(err).Uint64("order_id", orderID).Msg("Order not resolved after confirm")
		stats.count(func(st *simStats) { st.Failed++ })
		return
	}

	stats.count(func(st *simStats) { st.Released++; st.Outcomes["released"]++ })
	log.Info().Uint64("order_id", orderID).Int64("amount", amount).Msg("Order released")
}

// runDisputeScenario funds an order, opens a dispute, casts a full quorum
// of arbiter votes and finalizes
func runDisputeScenario(sc *simulationClient, stats *simStats, orderID uint64, amount int64, withReferrer bool) {
	if _, err := sc.createOrder(orderID, amount, withReferrer); err != nil {
		log.Error().Err(err).Uint64("order_id", orderID).Msg("Failed to create order")
		stats.count(func(st *simStats) { st.Failed++ })
		return
	}
	stats.count(func(st *simStats) { st.Funded++; st.Volume += amount })

	if err := sc.openDispute(orderID); err != nil {
		log.Error().Err(err).Uint64("order_id", orderID).Msg("Failed to open dispute")
		stats.count(func(st *simStats) { st.Failed++ })
		return
	}

	for i := 0; i < auth.DemoArbiterCount; i++ {
		choice := dispute.ChoiceClient
		if rand.Intn(2) == 0 {
			choice = dispute.ChoicePerformer
		}
		if err := sc.castVote(orderID, i, choice); err != nil {
			log.Error().Err(err).Uint64("order_id", orderID).Int("arbiter", i).Msg("Failed to cast vote")
		}
	}

	result, err := sc.finalize(orderID)
	if err != nil {
		log.Error().Err(err).Uint64("order_id", orderID).Msg("Failed to finalize dispute")
		stats.count(func(st *simStats) { st.Failed++ })
		return
	}

	stats.count(func(st *simStats) {
		st.Outcomes[result.Outcome]++
		if result.Outcome == dispute.OutcomePerformer {
			st.Released++
		} else {
			st.Refunded++
		}
	})
	log.Info().
		Uint64("order_id", orderID).
		Str("outcome", result.Outcome).
		Uint32("votes_client", result.VotesClient).
		Uint32("votes_performer", result.VotesPerformer).
		Msg("Dispute finalized")
}

// runExpiryFunding funds an order and leaves it to expire
func runExpiryFunding(sc *simulationClient, stats *simStats, orderID uint64, amount int64) (uint64, bool) {
	if _, err := sc.createOrder(orderID, amount, false); err != nil {
		log.Error().Err(err).Uint64("order_id", orderID).Msg("Failed to create order")
		stats.count(func(st *simStats) { st.Failed++ })
		return 0, false
	}
	stats.count(func(st *simStats) { st.Funded++; st.Volume += amount })
	return orderID, true
}

// verifyExpired checks every abandoned order reached a terminal refund
func verifyExpired(sc *simulationClient, orderIDs []uint64) {
	for _, orderID := range orderIDs {
		order, err := sc.getOrder(orderID)
		if err != nil {
			log.Error().Err(err).Uint64("order_id", orderID).Msg("Failed to fetch expired order")
			continue
		}
		if order.Status != types.StatusExpired {
			log.Error().
				Uint64("order_id", orderID).
				Str("status", order.Status).
				Msg("Abandoned order did not expire")
		}
	}
}

// printSummary prints the simulation outcome distribution and API stats
func printSummary(stats *simStats, simClient *simulationClient) {
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ESCROW SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Funded:    %d
Released:  %d
Refunded:  %d
Expired:   %d
Failed:    %d
Volume:    %d
Duration:  %v
`, stats.Funded, stats.Released, stats.Refunded, stats.Expired,
		stats.Failed, stats.Volume, duration.Round(time.Millisecond))

	fmt.Println("\nOutcome Distribution")
	fmt.Println("--------------------")
	for outcome, count := range stats.Outcomes {
		bar := strings.Repeat("#", count)
		fmt.Printf("%-18s: %s (%d)\n", outcome, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("funded", stats.Funded).
		Int("released", stats.Released).
		Int("refunded", stats.Refunded).
		Int("expired", stats.Expired).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// startServer initializes and starts the escrow API server with short
// deadlines suitable for a simulation run
func startServer() error {
	// Use a fresh in-memory database per run
	db, err := database.Open("file:simulation?mode=memory&cache=shared")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)

	authService := auth.NewService("escrow-secret-key")

	bus := events.NewBus()
	keyring := signature.NewStaticKeyring()
	verifier := signature.NewVerifier(simContextID, simLedgerID, keyring)
	custodyLedger := custody.NewLedger(db)

	platformPub, _ := signature.DemoKey("treasury")
	escrowService := escrow.NewService(db, custodyLedger, verifier, bus, escrow.Options{
		PlatformTreasury:  signature.AddressFromPublicKey(platformPub),
		ExecutionDeadline: simExecutionDeadline,
	})

	roster := dispute.NewStaticRoster()
	disputeService := dispute.NewService(escrowService, roster, dispute.Options{
		DisputeWindow: simDisputeWindow,
		Quorum:        auth.DemoArbiterCount,
	})

	expiryProcessor := expiry.NewProcessor(escrowService, expiry.Options{
		DisputeWindow: simDisputeWindow,
		SweepInterval: time.Second,
	})

	// Register demo participants
	register := func(label, apiKey, apiSecret string) string {
		pub, _ := signature.DemoKey(label)
		identity := keyring.Register(pub)
		authService.RegisterAPICredentials(apiKey, apiSecret, identity)
		return identity
	}
	client := register("client", auth.DemoClientAPIKey, auth.DemoClientAPISecret)
	register("performer", auth.DemoPerformerAPIKey, auth.DemoPerformerAPISecret)
	register("referrer", auth.DemoReferrerAPIKey, auth.DemoReferrerAPISecret)
	register("ops", auth.DemoOpsAPIKey, auth.DemoOpsAPISecret)
	for i := 1; i <= auth.DemoArbiterCount; i++ {
		identity := register("arbiter-"+strconv.Itoa(i), auth.DemoArbiterAPIKeyPrefix+strconv.Itoa(i), auth.DemoArbiterAPISecret)
		roster.Add(identity)
	}
	if err := custodyLedger.Seed(client, 1_000_000_000); err != nil {
		return fmt.Errorf("failed to seed client balance: %w", err)
	}

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	escrowHandlers := escrow.NewGinHandlers(escrowService)
	disputeHandlers := dispute.NewGinHandlers(disputeService)
	expiryHandlers := expiry.NewGinHandlers(expiryProcessor)

	// Setup routes
	setupRoutes(router, authHandlers, escrowHandlers, disputeHandlers, expiryHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	escrowHandlers *escrow.GinHandlers,
	disputeHandlers *dispute.GinHandlers,
	expiryHandlers *expiry.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth())
		{
			orders.POST("", escrowHandlers.CreateOrderHandler())
			orders.GET("/:order_id", escrowHandlers.GetOrderHandler())
			orders.POST("/:order_id/confirm", escrowHandlers.ConfirmCompletionHandler())
			orders.POST("/:order_id/dispute", escrowHandlers.OpenDisputeHandler())
			orders.POST("/:order_id/votes", disputeHandlers.CastVoteHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/orders/:order_id/finalize", disputeHandlers.FinalizeHandler())
			internal.POST("/sweep", expiryHandlers.SweepHandler())
		}
	}
}
