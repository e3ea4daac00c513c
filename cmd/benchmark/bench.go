package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	vegeta "github.com/tsenart/vegeta/v12/lib"
)

const (
	mockPort = 9091
	appPort  = 8081
	benchKey = "bench-key-12345"
)

var (
	openAIChunks = []string{
		`data: {"choices":[{"delta":{"content":"Bench"}}]}` + "\n\n",
		`data: {"choices":[{"delta":{"content":"mark"}}]}` + "\n\n",
		`data: {"choices":[{"delta":{}, "finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}` + "\n\n",
		"data: [DONE]\n\n",
	}
	claudeChunks = []string{
		"event: message_start\n" + `data: {"type":"message_start","message":{"usage":{"input_tokens":5,"output_tokens":1}}}` + "\n\n",
		"event: content_block_delta\n" + `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Benchmark"}}` + "\n\n",
		"event: message_delta\n" + `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}` + "\n\n",
		"event: message_stop\n" + `data: {"type":"message_stop"}` + "\n\n",
	}
	openAIUnary = `{"id":"bench-123","choices":[{"message":{"content":"Hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":1}}`
	claudeUnary = `{"id":"msg_bench","type":"message","content":[{"type":"text","text":"Hello"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":1}}`
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "Duration of the test")
	rate := flag.Int("rate", 50, "Requests per second")
	stream := flag.Bool("stream", false, "Use streaming requests")
	chaos := flag.Bool("chaos", false, "Simulate random client disconnections")
	clientFormat := flag.String("format", "openai", "Client wire format: openai or claude")
	flag.Parse()

	path := "/v1/chat/completions"
	if *clientFormat == "claude" {
		path = "/v1/messages"
	}
	url := fmt.Sprintf("http://localhost:%d%s", appPort, path)

	go startMockServer()

	fmt.Println("Building application...")
	buildCmd := exec.Command("go", "build", "-o", "bin/streamrelay", "./cmd/streamrelay")
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr
	if err := buildCmd.Run(); err != nil {
		log.Fatalf("Failed to build app: %v", err)
	}

	configFile := "bench_config.yaml"
	if err := os.WriteFile(configFile, []byte(benchConfig), 0644); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	defer os.Remove(configFile)

	fmt.Println("Starting application...")
	cmd := exec.Command("./bin/streamrelay", "serve", "--config", configFile)
	cmd.Env = append(os.Environ(), "LOG_LEVEL=error")

	logFile, _ := os.Create("bench_server.log")
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		log.Fatalf("Failed to start app: %v", err)
	}
	defer func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}()

	waitForApp(fmt.Sprintf("http://localhost:%d/health", appPort))

	done := make(chan struct{})
	go monitorResources(cmd.Process.Pid, done)

	mode := "Unary"
	if *stream {
		mode = "Streaming"
	}
	fmt.Printf("Running %s %s benchmark: %s duration, %d req/s\n", mode, *clientFormat, *duration, *rate)

	body := fmt.Sprintf(`{"model": "bench-model", "stream": %t, "max_tokens": 16, "messages": [{"role": "user", "content": "Hello"}]}`, *stream)

	targeter := func(t *vegeta.Target) error {
		t.Method = "POST"
		t.URL = url
		t.Body = []byte(body)
		t.Header = http.Header{
			"Content-Type":      []string{"application/json"},
			"Authorization":     []string{"Bearer " + benchKey},
			"X-Benchmark-Start": []string{strconv.FormatInt(time.Now().UnixNano(), 10)},
		}
		return nil
	}

	if *chaos {
		fmt.Println("CHAOS MODE ENABLED: Starting Chaos Monkey sidecar...")
		chaosConcurrency := *rate / 10
		if chaosConcurrency < 5 {
			chaosConcurrency = 5
		}
		if chaosConcurrency > 50 {
			chaosConcurrency = 50
		}
		go startChaosMonkey(url, chaosConcurrency, done)
	}

	attacker := vegeta.NewAttacker(vegeta.KeepAlive(true))
	var metrics vegeta.Metrics

	for res := range attacker.Attack(targeter, vegeta.Rate{Freq: *rate, Per: time.Second}, *duration, "Benchmark") {
		metrics.Add(res)
	}
	metrics.Close()

	close(done)

	fmt.Println("--------------------------------------------------")
	fmt.Println("99th percentile: ", metrics.Latencies.P99)
	fmt.Println("Mean:            ", metrics.Latencies.Mean)
	fmt.Println("Max:             ", metrics.Latencies.Max)
	fmt.Printf("Success:         %.2f%%\n", metrics.Success*100)
	fmt.Printf("Throughput:      %.2f req/s\n", metrics.Throughput)
	fmt.Println("--------------------------------------------------")

	if len(metrics.Errors) > 0 {
		fmt.Println("Error Set (first 5 unique):")

		uniqueErrors := make(map[string]bool)
		count := 0
		for _, msg := range metrics.Errors {
			if !uniqueErrors[msg] && count < 5 {
				fmt.Println(msg)
				uniqueErrors[msg] = true
				count++
			}
		}
	}

	os.Remove("bench.db")
}

// startChaosMonkey opens streaming requests and abandons them after a random
// delay, exercising the client-disconnect path of the relay.
func startChaosMonkey(url string, concurrency int, done chan struct{}) {
	fmt.Printf("Starting Chaos Monkey with %d concurrent disrupters (random disconnects 1-200ms)\n", concurrency)
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			client := &http.Client{
				Transport: &http.Transport{
					MaxIdleConns:        100,
					MaxIdleConnsPerHost: 100,
				},
			}

			payload := `{"model": "bench-model", "stream": true, "max_tokens": 16, "messages": [{"role": "user", "content": "Chaos Request"}]}`

			for {
				select {
				case <-done:
					return
				default:
					timeout := time.Duration(rand.Intn(200)+1) * time.Millisecond

					ctx, cancel := context.WithTimeout(context.Background(), timeout)
					req, _ := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(payload))
					req.Header.Set("Content-Type", "application/json")
					req.Header.Set("Authorization", "Bearer "+benchKey)

					resp, err := client.Do(req)
					if err == nil {
						_ = resp.Body.Close()
					}
					cancel()

					time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()
}

func startMockServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		serveMock(w, r, openAIChunks, openAIUnary)
	})
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		serveMock(w, r, claudeChunks, claudeUnary)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })

	_ = http.ListenAndServe(fmt.Sprintf(":%d", mockPort), mux)
}

func serveMock(w http.ResponseWriter, r *http.Request, chunks []string, unary string) {
	if startStr := r.Header.Get("X-Benchmark-Start"); startStr != "" {
		start, _ := strconv.ParseInt(startStr, 10, 64)
		// Sample 1% of requests to avoid console spam
		if rand.Intn(100) == 0 {
			fmt.Printf("DEBUG: Proxy Overhead: %v\n", time.Duration(time.Now().UnixNano()-start))
		}
	}

	body, _ := io.ReadAll(r.Body)
	if !gjson.GetBytes(body, "stream").Bool() {
		time.Sleep(10 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, unary)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, chunk := range chunks {
		time.Sleep(50 * time.Millisecond)
		if _, err := io.WriteString(w, chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func monitorResources(pid int, done chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	fmt.Println("\n--- Resource Usage (ps) ---")
	fmt.Printf("% -10s % -10s % -10s\n", "Time", "RSS(MB)", "CPU(%)")

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "rss=,%cpu=").Output()
			if err != nil {
				continue
			}
			fields := strings.Fields(string(out))
			if len(fields) < 2 {
				continue
			}
			rss, _ := strconv.ParseFloat(fields[0], 64)
			cpu, _ := strconv.ParseFloat(fields[1], 64)

			fmt.Printf("% -10s % -10.2f % -10.2f\n", time.Now().Format("15:04:05"), rss/1024, cpu)
		}
	}
}

func waitForApp(url string) {
	for i := 0; i < 20; i++ {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	log.Fatal("App timed out")
}

var benchConfig = fmt.Sprintf(`
server:
  port: "%d"
  env: development
  api_keys: ["%s"]
rate_limit:
  requests_per_second: 100000
  burst: 100000
log:
  level: "error"
database:
  dsn: "file:bench.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000"
providers:
  - id: mock-openai
    type: openai
    enabled: true
    endpoints:
      - id: chat
        api_format: "openai:chat"
        base_url: "http://localhost:%[3]d/v1"
        keys:
          - id: bench
            api_key: "mock-key"
  - id: mock-anthropic
    type: anthropic
    enabled: true
    endpoints:
      - id: messages
        api_format: "claude:chat"
        base_url: "http://localhost:%[3]d/v1"
        keys:
          - id: bench
            api_key: "mock-key"
models:
  - id: bench-model
    provider_id: mock-openai
  - id: bench-model
    provider_id: mock-anthropic
`, appPort, benchKey, mockPort)
