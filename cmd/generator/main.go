// Package main generates sample log traffic against a running server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/log-zero/sentinel/internal/auth"
	"github.com/log-zero/sentinel/internal/models"
)

type sample struct {
	severity string
	format   func(r *rand.Rand) string
}

var (
	ips      = []string{"192.168.1.1", "10.0.0.5", "172.16.0.10", "10.0.1.15", "192.168.2.20"}
	servers  = []string{"server-01", "server-02", "web-prod-1", "api-prod-2", "db-master"}
	users    = []string{"john", "jane", "admin", "service-account", "bot-user"}
	services = []string{"auth-service", "payment-api", "user-service", "order-service", "notification"}
	versions = []string{"v1.2.3", "v1.2.4", "v2.0.0", "v2.0.1-beta", "v1.9.9"}
)

func pick(r *rand.Rand, xs []string) string { return xs[r.Intn(len(xs))] }

var samples = []sample{
	{models.SeverityError, func(r *rand.Rand) string {
		return fmt.Sprintf("Connection refused to database at %s:%d", pick(r, ips), 5432+r.Intn(100))
	}},
	{models.SeverityWarning, func(r *rand.Rand) string {
		return fmt.Sprintf("High memory usage detected: %d%% on server %s", 50+r.Intn(50), pick(r, servers))
	}},
	{models.SeverityInfo, func(r *rand.Rand) string {
		return fmt.Sprintf("Request processed in %dms for user %s", 10+r.Intn(500), pick(r, users))
	}},
	{models.SeverityError, func(r *rand.Rand) string {
		return fmt.Sprintf("Failed to authenticate user %s from IP %s", pick(r, users), pick(r, ips))
	}},
	{models.SeverityInfo, func(r *rand.Rand) string {
		return fmt.Sprintf("Service started on port %d", 8080+r.Intn(20))
	}},
	{models.SeverityWarning, func(r *rand.Rand) string {
		return fmt.Sprintf("Disk usage at %d%% on volume /dev/sda%d", 70+r.Intn(30), r.Intn(5))
	}},
	{models.SeverityError, func(r *rand.Rand) string {
		return fmt.Sprintf("Timeout after %ds waiting for response from %s", 5+r.Intn(30), pick(r, services))
	}},
	{models.SeverityInfo, func(r *rand.Rand) string {
		return fmt.Sprintf("Successfully deployed version %s to %s", pick(r, versions), pick(r, servers))
	}},
	{models.SeverityCritical, func(r *rand.Rand) string {
		return fmt.Sprintf("Out of memory error on pod %s-%d", pick(r, services), r.Intn(10))
	}},
	{models.SeverityWarning, func(r *rand.Rand) string {
		return fmt.Sprintf("SSL certificate expires in %d days for %s.example.com", r.Intn(30), pick(r, services))
	}},
	{models.SeverityInfo, func(r *rand.Rand) string {
		return fmt.Sprintf("Backup completed: %d files, %dMB total", 100+r.Intn(1000), 50+r.Intn(500))
	}},
	{models.SeverityError, func(r *rand.Rand) string {
		return "Database query failed: syntax error near 'SELECT'"
	}},
	{models.SeverityDebug, func(r *rand.Rand) string {
		return fmt.Sprintf("Cache hit rate: %d%% for service %s", 80+r.Intn(20), pick(r, services))
	}},
	{models.SeverityWarning, func(r *rand.Rand) string {
		return fmt.Sprintf("Rate limit reached for API key ak_%s", randomString(r, 8))
	}},
	{models.SeverityCritical, func(r *rand.Rand) string {
		limit := 50 + r.Intn(50)
		return fmt.Sprintf("Connection pool exhausted: %d/%d connections in use", limit-r.Intn(10), limit)
	}},
}

func randomString(r *rand.Rand, n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

type submission struct {
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func generate(r *rand.Rand) submission {
	s := samples[r.Intn(len(samples))]
	return submission{Severity: s.severity, Message: s.format(r), Timestamp: time.Now().UTC()}
}

type options struct {
	server string
	count  int
	rate   int
	batch  int
	secret string
	dryRun bool
}

type sender struct {
	opts   options
	client *http.Client
}

func (s *sender) post(path string, body []byte, sign bool) error {
	req, err := http.NewRequest(http.MethodPost, strings.TrimSuffix(s.opts.server, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sign && s.opts.secret != "" {
		req.Header.Set(auth.HeaderSignature, auth.Sign([]byte(s.opts.secret), body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return nil
}

func run(opts options) error {
	if opts.rate <= 0 {
		return fmt.Errorf("rate must be positive")
	}
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := &sender{opts: opts, client: &http.Client{Timeout: 5 * time.Second}}

	fmt.Printf("Generating %d logs at %d/sec to %s\n", opts.count, opts.rate, opts.server)

	ticker := time.NewTicker(time.Second / time.Duration(opts.rate))
	defer ticker.Stop()

	sent, failed := 0, 0
	var pending []submission
	flush := func() {
		if len(pending) == 0 {
			return
		}
		body, _ := json.Marshal(map[string]any{"log_entries": pending})
		if err := s.post("/api/batch-analysis", body, false); err != nil {
			failed += len(pending)
			fmt.Fprintf(os.Stderr, "Error sending batch: %v\n", err)
		} else {
			sent += len(pending)
		}
		pending = pending[:0]
	}

	for i := 0; i < opts.count; i++ {
		<-ticker.C
		entry := generate(r)

		switch {
		case opts.dryRun:
			fmt.Printf("[%s] %s\n", entry.Severity, entry.Message)
		case opts.batch > 1:
			pending = append(pending, entry)
			if len(pending) == opts.batch {
				flush()
			}
		default:
			body, _ := json.Marshal(entry)
			if err := s.post("/api/logs", body, true); err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "Error sending log: %v\n", err)
			} else {
				sent++
			}
		}

		if (i+1)%10 == 0 {
			fmt.Printf("Progress: %d/%d (errors: %d)\n", i+1, opts.count, failed)
		}
	}
	flush()

	fmt.Printf("\nComplete! Sent: %d, Errors: %d\n", sent, failed)
	return nil
}

func main() {
	var opts options
	rootCmd := &cobra.Command{
		Use:   "generator",
		Short: "Send sample log entries to a Sentinel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	flags := rootCmd.Flags()
	flags.StringVar(&opts.server, "server", "http://localhost:8000", "Server base URL")
	flags.IntVar(&opts.count, "count", 100, "Number of logs to generate")
	flags.IntVar(&opts.rate, "rate", 10, "Logs per second")
	flags.IntVar(&opts.batch, "batch", 0, "Send through batch analysis in groups of this size")
	flags.StringVar(&opts.secret, "secret", os.Getenv("SENTINEL_SERVER_HMAC_SECRET"), "HMAC secret used to sign submissions")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "Print logs instead of sending")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
