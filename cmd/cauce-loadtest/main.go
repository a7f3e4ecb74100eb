// cauce-loadtest ramps up WebSocket consumers against a running hub, holds
// the load, and reports delivery throughput. Each client performs the full
// handshake (hello, subscribe, ack every signal) so the hub's tracking and
// redelivery paths are exercised, not just the socket accept loop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

type testConfig struct {
	wsURL       string
	healthURL   string
	target      int
	rampRate    int // connections per second
	sustainSec  int
	reportSec   int
	patterns    []string
	perClient   int // patterns per client, 0 = all
	publishRate int // signals/sec published through one producer client
}

type testState struct {
	active      int64
	created     int64
	failed      int64
	received    int64
	acked       int64
	published   int64
	subErrors   int64
	phase       atomic.Value // "ramping", "sustaining", "completed"
	startTime   time.Time
	lastHealthy atomic.Bool
}

var (
	cfg   testConfig
	state = &testState{startTime: time.Now()}
)

func parseFlags() {
	var patterns string
	flag.StringVar(&cfg.wsURL, "url", "ws://localhost:8080/cauce/v1/ws", "hub WebSocket URL")
	flag.StringVar(&cfg.healthURL, "health", "http://localhost:8080/health", "hub health URL")
	flag.IntVar(&cfg.target, "connections", 100, "target concurrent consumers")
	flag.IntVar(&cfg.rampRate, "ramp", 50, "new connections per second")
	flag.IntVar(&cfg.sustainSec, "sustain", 60, "seconds to hold the load after ramp")
	flag.IntVar(&cfg.reportSec, "report", 5, "seconds between progress reports")
	flag.StringVar(&patterns, "patterns", "signal.#", "comma-separated subscription patterns")
	flag.IntVar(&cfg.perClient, "patterns-per-client", 0, "random patterns per client (0 = all)")
	flag.IntVar(&cfg.publishRate, "publish-rate", 10, "signals per second from the producer client (0 = none)")
	flag.Parse()

	for _, p := range strings.Split(patterns, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			cfg.patterns = append(cfg.patterns, trimmed)
		}
	}
}

func main() {
	parseFlags()
	state.phase.Store("ramping")

	log.Print(strings.Repeat("=", 72))
	log.Printf("CAUCE HUB LOAD TEST")
	log.Printf("  target:   %d consumers at %d conn/sec", cfg.target, cfg.rampRate)
	log.Printf("  sustain:  %ds", cfg.sustainSec)
	log.Printf("  patterns: %v", cfg.patterns)
	log.Printf("  publish:  %d signals/sec", cfg.publishRate)
	log.Print(strings.Repeat("=", 72))

	if err := checkHealth(); err != nil {
		log.Fatalf("initial health check failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go reportLoop(ctx)
	go healthLoop(ctx)
	if cfg.publishRate > 0 {
		go producer(ctx)
	}

	var wg sync.WaitGroup
	rampUp(ctx, &wg)

	if ctx.Err() == nil {
		state.phase.Store("sustaining")
		log.Printf("ramp complete, sustaining for %ds", cfg.sustainSec)
		select {
		case <-time.After(time.Duration(cfg.sustainSec) * time.Second):
		case <-ctx.Done():
		}
	}
	state.phase.Store("completed")
	cancel()
	wg.Wait()
	finalReport()
}

func rampUp(ctx context.Context, wg *sync.WaitGroup) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	launched := 0
	for launched < cfg.target {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		batch := min(cfg.rampRate, cfg.target-launched)
		for i := 0; i < batch; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				runConsumer(ctx, id)
			}(launched + i)
		}
		launched += batch
	}
}

// runConsumer is one synthetic client: hello, subscribe, then ack every
// signal until the context ends.
func runConsumer(ctx context.Context, id int) {
	conn, _, _, err := ws.DefaultDialer.Dial(ctx, cfg.wsURL)
	if err != nil {
		atomic.AddInt64(&state.failed, 1)
		return
	}
	defer conn.Close()
	atomic.AddInt64(&state.created, 1)
	atomic.AddInt64(&state.active, 1)
	defer atomic.AddInt64(&state.active, -1)

	send := func(method string, params any) error {
		req, err := protocol.NewRequest(protocol.NewMessageID(), method, params)
		if err != nil {
			return err
		}
		data, err := req.Encode()
		if err != nil {
			return err
		}
		return wsutil.WriteClientText(conn, data)
	}

	if err := send(protocol.MethodHello, protocol.HelloParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientID:        fmt.Sprintf("loadtest-%d", id),
		ClientType:      protocol.ClientTypeAgent,
	}); err != nil {
		atomic.AddInt64(&state.failed, 1)
		return
	}
	if _, err := readFrame(conn); err != nil {
		atomic.AddInt64(&state.failed, 1)
		return
	}

	if err := send(protocol.MethodSubscribe, protocol.SubscribeParams{
		Patterns: clientPatterns(id),
	}); err != nil {
		atomic.AddInt64(&state.subErrors, 1)
		return
	}
	subID := ""

	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		msg, err := readFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue // read timeout while idle
		}
		switch {
		case msg.Result != nil && subID == "":
			var subResp protocol.SubscribeResponse
			if json.Unmarshal(msg.Result, &subResp) == nil && subResp.SubscriptionID != "" {
				subID = subResp.SubscriptionID
			}
		case msg.Method == protocol.MethodSignal:
			atomic.AddInt64(&state.received, 1)
			var delivery protocol.SignalDelivery
			if err := json.Unmarshal(msg.Params, &delivery); err != nil || subID == "" {
				continue
			}
			if err := send(protocol.MethodAck, protocol.AckParams{
				SubscriptionID: subID,
				SignalIDs:      []string{delivery.Signal.ID},
			}); err == nil {
				atomic.AddInt64(&state.acked, 1)
			}
		}
	}
}

// producer drives signals through one publisher connection so consumers have
// something to receive.
func producer(ctx context.Context) {
	conn, _, _, err := ws.DefaultDialer.Dial(ctx, cfg.wsURL)
	if err != nil {
		log.Printf("producer dial failed: %v", err)
		return
	}
	defer conn.Close()

	send := func(method string, params any) error {
		req, err := protocol.NewRequest(protocol.NewMessageID(), method, params)
		if err != nil {
			return err
		}
		data, err := req.Encode()
		if err != nil {
			return err
		}
		return wsutil.WriteClientText(conn, data)
	}

	if err := send(protocol.MethodHello, protocol.HelloParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientID:        "loadtest-producer",
		ClientType:      protocol.ClientTypeAdapter,
	}); err != nil {
		log.Printf("producer hello failed: %v", err)
		return
	}

	// drain responses so the server's write buffer never backs up
	go func() {
		for {
			if _, err := readFrame(conn); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second / time.Duration(cfg.publishRate))
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seq++
		topic := fmt.Sprintf("signal.loadtest.t%d", seq%8)
		err := send(protocol.MethodPublish, protocol.PublishParams{
			Topic: topic,
			Signal: &protocol.Signal{
				Version:   protocol.ProtocolVersion,
				Timestamp: time.Now(),
				Source:    protocol.Source{Type: "loadtest", AdapterID: "loadtest-producer"},
				Topic:     topic,
				Payload: protocol.Payload{
					Raw:         json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq)),
					ContentType: "application/json",
				},
			},
		})
		if err != nil {
			return
		}
		atomic.AddInt64(&state.published, 1)
	}
}

func readFrame(conn io.ReadWriter) (*protocol.Message, error) {
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		return nil, err
	}
	return protocol.Parse(data)
}

func clientPatterns(id int) []string {
	if cfg.perClient <= 0 || cfg.perClient >= len(cfg.patterns) {
		return cfg.patterns
	}
	r := rand.New(rand.NewSource(int64(id)))
	shuffled := append([]string(nil), cfg.patterns...)
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:cfg.perClient]
}

func checkHealth() error {
	resp, err := http.Get(cfg.healthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	state.lastHealthy.Store(true)
	return nil
}

func healthLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := checkHealth(); err != nil {
				state.lastHealthy.Store(false)
				log.Printf("health check failed: %v", err)
			}
		}
	}
}

func reportLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(cfg.reportSec) * time.Second)
	defer ticker.Stop()
	var lastReceived int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			received := atomic.LoadInt64(&state.received)
			rate := float64(received-lastReceived) / float64(cfg.reportSec)
			lastReceived = received
			log.Printf("[%s] active=%d created=%d failed=%d published=%d received=%d (%.0f/s) acked=%d healthy=%v",
				state.phase.Load(),
				atomic.LoadInt64(&state.active),
				atomic.LoadInt64(&state.created),
				atomic.LoadInt64(&state.failed),
				atomic.LoadInt64(&state.published),
				received, rate,
				atomic.LoadInt64(&state.acked),
				state.lastHealthy.Load())
		}
	}
}

func finalReport() {
	elapsed := time.Since(state.startTime)
	log.Print(strings.Repeat("=", 72))
	log.Printf("RESULTS (%.0fs)", elapsed.Seconds())
	log.Printf("  connections: %d created, %d failed, %d subscribe errors",
		state.created, state.failed, state.subErrors)
	log.Printf("  signals:     %d published, %d received, %d acked", state.published, state.received, state.acked)
	if state.published > 0 && state.created > 0 {
		log.Printf("  fanout:      %.1f deliveries per publish", float64(state.received)/float64(state.published))
	}
	log.Print(strings.Repeat("=", 72))
}
