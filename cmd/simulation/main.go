package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	numWorkers = 4
	accountID  = "SIM001"
)

var symbols = map[string]float64{
	"rb2405": 3600,
	"hc2405": 3750,
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
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

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate returns min, max, mean, median, p95 and p99.
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]
	return
}

// simulationClient drives the engine API and records per-route latency.
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"setup":    {name: "Setup"},
			"fill":     {name: "Push Fill"},
			"tick":     {name: "Push Ticks"},
			"signal":   {name: "Create Signal"},
			"process":  {name: "Process Signal"},
			"conflict": {name: "List Conflicts"},
			"usage":    {name: "Resource Usage"},
			"trigger":  {name: "List Triggers"},
		},
	}
}

func (sc *simulationClient) record(stat string, d time.Duration, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[stat]
	rs.addDuration(d)
	if failed {
		rs.failures++
	}
}

// call sends body as JSON and decodes the envelope's data into out.
func (sc *simulationClient) call(stat, method, path string, body, out interface{}) error {
	start := time.Now()
	var failed bool
	defer func() { sc.record(stat, time.Since(start), failed) }()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			failed = true
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		failed = true
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
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
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		failed = true
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		failed = true
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

func (sc *simulationClient) authenticate(apiKey, apiSecret string) error {
	var token struct {
		Token string `json:"jwt_token"`
	}
	err := sc.call("auth", http.MethodPost, "/api/auth/token", map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}, &token)
	if err != nil {
		return err
	}
	sc.authToken = token.Token
	return nil
}

type idResponse struct {
	ID string `json:"id"`
}

type signalResponse struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	Decision        string          `json:"decision"`
	Volume          int64           `json:"volume"`
	ExecutedVolume  int64           `json:"executed_volume"`
	ExecutedPrice   decimal.Decimal `json:"executed_price"`
	RejectionReason string          `json:"rejection_reason"`
}

// setup creates the instances, their group and one profit lock rule.
func (sc *simulationClient) setup(mode string, instances int) ([]string, string, error) {
	var group idResponse
	err := sc.call("setup", http.MethodPost, "/api/strategy-groups", map[string]interface{}{
		"account_id":               accountID,
		"group_name":               "sim-" + uuid.New().String()[:8],
		"total_capital":            "1000000",
		"max_position_ratio":       "0.8",
		"max_risk_per_strategy":    "0.2",
		"allow_opposite_positions": false,
		"position_conflict_mode":   mode,
	}, &group)
	if err != nil {
		return nil, "", err
	}

	ids := make([]string, 0, instances)
	for i := 0; i < instances; i++ {
		var inst idResponse
		err := sc.call("setup", http.MethodPost, "/api/strategy-instances", map[string]string{
			"instance_name": fmt.Sprintf("sim-strategy-%d", i+1),
			"strategy_id":   fmt.Sprintf("STRAT_%d", i+1),
			"account_id":    accountID,
		}, &inst)
		if err != nil {
			return nil, "", err
		}
		err = sc.call("setup", http.MethodPost, "/api/strategy-groups/"+group.ID+"/members", map[string]interface{}{
			"instance_id":        inst.ID,
			"capital_allocation": "150000",
			"position_limit":     40,
			"priority":           instances - i,
		}, nil)
		if err != nil {
			return nil, "", err
		}
		if err := sc.call("setup", http.MethodPut, "/api/strategy-instances/"+inst.ID+"/status", map[string]string{"status": "running"}, nil); err != nil {
			return nil, "", err
		}
		ids = append(ids, inst.ID)
	}

	for symbol := range symbols {
		err := sc.call("setup", http.MethodPost, "/api/lock/configs", map[string]interface{}{
			"account_id":            accountID,
			"symbol":                symbol,
			"direction":             "long",
			"trigger_type":          "profit",
			"profit_lock_threshold": "20000",
			"profit_lock_ratio":     "0.5",
			"auto_execute":          true,
		}, nil)
		if err != nil {
			return nil, "", err
		}
	}
	return ids, group.ID, nil
}

// seedPositions books an opening long for every symbol so ticks move P&L.
func (sc *simulationClient) seedPositions() error {
	for symbol, price := range symbols {
		err := sc.call("fill", http.MethodPost, "/api/trades", map[string]interface{}{
			"order_id":   "SEED-" + uuid.New().String(),
			"account_id": accountID,
			"symbol":     symbol,
			"direction":  "buy",
			"offset":     "open",
			"volume":     10,
			"price":      decimal.NewFromFloat(price).String(),
			"source":     "simulation",
		}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// walkPrices moves every symbol by a bounded random step and pushes the batch.
func (sc *simulationClient) walkPrices(rnd *rand.Rand, prices map[string]float64) error {
	ticks := make([]map[string]interface{}, 0, len(prices))
	for symbol, p := range prices {
		p *= 1 + (rnd.Float64()-0.45)*0.01
		prices[symbol] = p
		ticks = append(ticks, map[string]interface{}{
			"symbol":     symbol,
			"last_price": decimal.NewFromFloat(p).Round(0).String(),
			"timestamp":  time.Now(),
		})
	}
	return sc.call("tick", http.MethodPost, "/api/market/ticks", ticks, nil)
}

type outcome struct {
	total, executed, merged, rejected, failed int
}

func (o *outcome) add(status string) {
	o.total++
	switch status {
	case "executed":
		o.executed++
	case "merged":
		o.merged++
	case "rejected":
		o.rejected++
	default:
		o.failed++
	}
}

func runSignals(sc *simulationClient, instances []string, rounds int, seed int64) outcome {
	var (
		mu  sync.Mutex
		out outcome
		wg  sync.WaitGroup
	)
	names := make([]string, 0, len(symbols))
	for s := range symbols {
		names = append(names, s)
	}
	sort.Strings(names)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed + int64(workerID)))
			for i := 0; i < rounds; i++ {
				direction := "long"
				if rnd.Intn(3) == 0 {
					direction = "short"
				}
				req := map[string]interface{}{
					"instance_id": instances[rnd.Intn(len(instances))],
					"symbol":      names[rnd.Intn(len(names))],
					"signal_type": "open",
					"direction":   direction,
					"volume":      rnd.Intn(8) + 1,
				}

				var sig signalResponse
				if err := sc.call("signal", http.MethodPost, "/api/strategy-signals", req, &sig); err != nil {
					log.Error().Err(err).Int("worker", workerID).Msg("Failed to create signal")
					continue
				}
				if err := sc.call("process", http.MethodPost, "/api/strategy-signals/"+sig.ID+"/process", nil, &sig); err != nil {
					log.Error().Err(err).Str("signal_id", sig.ID).Msg("Failed to process signal")
					continue
				}

				mu.Lock()
				out.add(sig.Status)
				mu.Unlock()

				log.Info().
					Int("worker", workerID).
					Str("signal_id", sig.ID).
					Str("status", sig.Status).
					Str("decision", sig.Decision).
					Int64("executed_volume", sig.ExecutedVolume).
					Str("reason", sig.RejectionReason).
					Msg("Signal processed")
			}
		}(w)
	}
	wg.Wait()
	return out
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	keys := make([]string, 0, len(sc.stats))
	for k := range sc.stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		stats := sc.stats[k]
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

// main drives a running server through one strategy-group session: seed
// positions, random-walk prices, and concurrent signals from every member.
func main() {
	var (
		addr      = flag.String("addr", "http://localhost:8080", "server base URL")
		mode      = flag.String("mode", "merge", "group conflict mode: allow, reject or merge")
		instances = flag.Int("instances", 3, "strategy instances in the group")
		rounds    = flag.Int("rounds", 10, "signals per worker")
		apiKey    = flag.String("api-key", "", "api key when the server requires auth")
		apiSecret = flag.String("api-secret", "", "api secret")
		seed      = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	)
	flag.Parse()

	sc := newSimulationClient(*addr)
	if *apiKey != "" {
		if err := sc.authenticate(*apiKey, *apiSecret); err != nil {
			log.Fatal().Err(err).Msg("Failed to authenticate")
		}
	}

	start := time.Now()
	ids, groupID, err := sc.setup(*mode, *instances)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up strategy group")
	}
	log.Info().Str("group_id", groupID).Strs("instances", ids).Str("mode", *mode).Msg("Strategy group ready")

	if err := sc.seedPositions(); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed positions")
	}

	rnd := rand.New(rand.NewSource(*seed))
	prices := make(map[string]float64, len(symbols))
	for s, p := range symbols {
		prices[s] = p
	}

	done := make(chan struct{})
	var tickWG sync.WaitGroup
	tickWG.Add(1)
	go func() {
		defer tickWG.Done()
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sc.walkPrices(rnd, prices); err != nil {
					log.Warn().Err(err).Msg("Failed to push ticks")
				}
			}
		}
	}()

	out := runSignals(sc, ids, *rounds, *seed)
	close(done)
	tickWG.Wait()

	var conflicts []struct {
		ConflictType string `json:"conflict_type"`
		Resolved     bool   `json:"resolved"`
	}
	if err := sc.call("conflict", http.MethodGet, "/api/strategy-conflicts?group_id="+groupID, nil, &conflicts); err != nil {
		log.Error().Err(err).Msg("Failed to list conflicts")
	}
	byType := make(map[string]int)
	for _, c := range conflicts {
		byType[c.ConflictType]++
	}

	var usage []struct {
		RiskUtilization decimal.Decimal `json:"risk_utilization"`
		TotalPosition   int64           `json:"total_position"`
	}
	if err := sc.call("usage", http.MethodGet, "/api/resource-usage/"+groupID+"?hours=1", nil, &usage); err != nil {
		log.Error().Err(err).Msg("Failed to read resource usage")
	}

	var triggers []struct {
		ExecutionStatus string `json:"execution_status"`
	}
	if err := sc.call("trigger", http.MethodGet, "/api/lock/triggers?account_id="+accountID, nil, &triggers); err != nil {
		log.Error().Err(err).Msg("Failed to list lock triggers")
	}

	fmt.Println("\nSimulation Summary")
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Duration:           %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("Signals:            %d\n", out.total)
	fmt.Printf("  executed:         %d\n", out.executed)
	fmt.Printf("  merged:           %d\n", out.merged)
	fmt.Printf("  rejected:         %d\n", out.rejected)
	fmt.Printf("  failed:           %d\n", out.failed)
	fmt.Printf("Conflicts:          %d %v\n", len(conflicts), byType)
	fmt.Printf("Lock triggers:      %d\n", len(triggers))
	if n := len(usage); n > 0 {
		last := usage[n-1]
		fmt.Printf("Group position:     %d lots\n", last.TotalPosition)
		fmt.Printf("Risk utilization:   %s\n", last.RiskUtilization.StringFixed(4))
	}
	fmt.Println(strings.Repeat("-", 50))

	sc.printPerformanceStats()
}
