//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	serviceURL = "http://localhost:8000"
	uploadPath = "/add_user/"
)

// TestMain sets up the test environment. The service must run with
// TRUST_PROXY=true so tests can spread load across synthetic client IPs.
func TestMain(m *testing.M) {
	// Verify the service is running
	if !checkService(serviceURL+"/health", 5*time.Second) {
		fmt.Fprintf(os.Stderr, "Error: intake service not available at %s\n", serviceURL)
		fmt.Fprintf(os.Stderr, "Please start the service with: go run ./cmd/intake\n")
		os.Exit(1)
	}

	code := m.Run()
	os.Exit(code)
}

// checkService verifies a service is available
func checkService(url string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// uniqueIP returns a synthetic client IP unlikely to collide across runs.
func uniqueIP(subnet int) string {
	return fmt.Sprintf("10.%d.0.%d", subnet, time.Now().UnixNano()%200+1)
}

// uploadCSV posts csv content as a multipart file to the upload endpoint.
func uploadCSV(t *testing.T, clientIP, fileName, content string) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("Failed to write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Failed to close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, serviceURL+uploadPath, &buf)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if clientIP != "" {
		req.Header.Set("X-Forwarded-For", clientIP)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Upload request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("Failed to decode response %q: %v", raw, err)
	}

	return resp, body
}

// TestHealth verifies the health endpoint
func TestHealth(t *testing.T) {
	resp, err := http.Get(serviceURL + "/health")
	if err != nil {
		t.Fatalf("Failed to get health endpoint: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	t.Logf("Health check response: %s", body)
}

// TestUploadSuccess verifies a well-formed CSV is accepted end to end
func TestUploadSuccess(t *testing.T) {
	nonce := time.Now().UnixNano()
	csv := fmt.Sprintf("name,email,age\nAlice,e2e-alice-%d@example.com,30\nBob,e2e-bob-%d@example.com,25\n", nonce, nonce)

	resp, body := uploadCSV(t, uniqueIP(30), "users.csv", csv)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d (body: %v)", resp.StatusCode, body)
	}
	if body["message"] != "File processed successfully." {
		t.Errorf("Unexpected message: %v", body["message"])
	}
	if saved, _ := body["saved_records"].(float64); saved != 2 {
		t.Errorf("Expected 2 saved records, got %v", body["saved_records"])
	}
	if rejected, _ := body["rejected_records"].(float64); rejected != 0 {
		t.Errorf("Expected 0 rejected records, got %v", body["rejected_records"])
	}
}

// TestUploadRowErrors verifies invalid rows are reported but valid rows persist
func TestUploadRowErrors(t *testing.T) {
	nonce := time.Now().UnixNano()
	csv := fmt.Sprintf("name,email,age\nAlice,e2e-mix-%d@example.com,30\n,bad-email,200\n", nonce)

	resp, body := uploadCSV(t, uniqueIP(31), "users.csv", csv)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d (body: %v)", resp.StatusCode, body)
	}
	if saved, _ := body["saved_records"].(float64); saved != 1 {
		t.Errorf("Expected 1 saved record, got %v", body["saved_records"])
	}
	if rejected, _ := body["rejected_records"].(float64); rejected != 1 {
		t.Errorf("Expected 1 rejected record, got %v", body["rejected_records"])
	}

	errs, ok := body["errors"].([]any)
	if !ok || len(errs) != 1 {
		t.Fatalf("Expected 1 row error, got %v", body["errors"])
	}
	t.Logf("Row errors: %v", errs)
}

// TestUploadBadExtension verifies non-CSV files are rejected with 400
func TestUploadBadExtension(t *testing.T) {
	resp, body := uploadCSV(t, uniqueIP(32), "users.txt", "name,email,age\n")

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d (body: %v)", resp.StatusCode, body)
	}
	if body["error"] != "File must have a .csv extension." {
		t.Errorf("Unexpected error message: %v", body["error"])
	}
}

// TestUploadMissingFile verifies requests without a file part get 400
func TestUploadMissingFile(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, serviceURL+uploadPath, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("X-Forwarded-For", uniqueIP(33))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

// TestRateLimitHeaders verifies the admission headers on allowed requests
func TestRateLimitHeaders(t *testing.T) {
	clientIP := uniqueIP(40)

	for i := 0; i < 5; i++ {
		req, err := http.NewRequest(http.MethodGet, serviceURL+"/health", nil)
		if err != nil {
			t.Fatalf("Failed to create request %d: %v", i+1, err)
		}
		req.Header.Set("X-Forwarded-For", clientIP)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Request %d failed: %v", i+1, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			t.Errorf("Request %d was rate limited unexpectedly", i+1)
		}

		for _, header := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"} {
			if resp.Header.Get(header) == "" {
				t.Errorf("Missing %s header on request %d", header, i+1)
			}
		}

		t.Logf("Request %d: Status=%d, Remaining=%s",
			i+1, resp.StatusCode, resp.Header.Get("X-RateLimit-Remaining"))

		if closeErr := resp.Body.Close(); closeErr != nil {
			t.Logf("failed to close response body on request %d: %v", i+1, closeErr)
		}

		time.Sleep(10 * time.Millisecond)
	}
}

// TestRateLimitEnforce verifies that excess requests from one client get 429
func TestRateLimitEnforce(t *testing.T) {
	clientIP := uniqueIP(41)
	const maxNetworkErrors = 3
	var networkErrs atomic.Int32

	const numRequests = 150 // Should exceed default limit of 100
	var blocked atomic.Int32
	var allowed atomic.Int32

	client := &http.Client{Timeout: 5 * time.Second}

	for i := 0; i < numRequests; i++ {
		req, err := http.NewRequest(http.MethodGet, serviceURL+"/health", nil)
		if err != nil {
			t.Fatalf("Failed to create request: %v", err)
		}
		req.Header.Set("X-Forwarded-For", clientIP)

		resp, err := client.Do(req)
		if err != nil {
			currErrs := networkErrs.Add(1)
			t.Logf("Request %d failed: %v (network errors: %d)", i+1, err, currErrs)
			if currErrs > maxNetworkErrors {
				t.Fatalf("Exceeded max network errors (%d), latest error: %v", maxNetworkErrors, err)
			}
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			allowed.Add(1)
		case http.StatusTooManyRequests:
			blocked.Add(1)
		default:
			_ = resp.Body.Close()
			t.Fatalf("Request %d returned unexpected status code: %d", i+1, resp.StatusCode)
		}

		resp.Body.Close()

		if i%10 == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}

	allowedCount := allowed.Load()
	blockedCount := blocked.Load()

	t.Logf("Results: %d allowed, %d blocked out of %d requests", allowedCount, blockedCount, numRequests)

	if blockedCount == 0 {
		t.Error("Expected some requests to be blocked by rate limiter, but none were")
	}
	if allowedCount == 0 {
		t.Error("Expected some requests to be allowed, but all were blocked")
	}
	if blockedCount < 10 {
		t.Errorf("Expected more blocked requests, got only %d", blockedCount)
	}
}

// TestDifferentClientIPs verifies that different client IPs have independent limits
func TestDifferentClientIPs(t *testing.T) {
	client1IP := uniqueIP(42)
	client2IP := uniqueIP(43)

	for _, clientIP := range []string{client1IP, client2IP} {
		for i := 0; i < 5; i++ {
			req, err := http.NewRequest(http.MethodGet, serviceURL+"/health", nil)
			if err != nil {
				t.Fatalf("Client %s request %d failed to create request: %v", clientIP, i+1, err)
			}
			req.Header.Set("X-Forwarded-For", clientIP)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Client %s request %d failed: %v", clientIP, i+1, err)
			}
			resp.Body.Close()

			if resp.StatusCode == http.StatusTooManyRequests {
				t.Errorf("Client %s request %d was rate limited unexpectedly", clientIP, i+1)
			}
		}
	}

	t.Log("Both clients successfully made requests with independent limits")
}

// TestConcurrentUploads verifies uploads from multiple clients at once
func TestConcurrentUploads(t *testing.T) {
	const numClients = 5

	var wg sync.WaitGroup
	results := make(chan uploadResult, numClients)

	for clientID := 0; clientID < numClients; clientID++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			nonce := time.Now().UnixNano()
			csv := fmt.Sprintf("name,email,age\nUser%d,e2e-conc-%d-%d@example.com,30\n", id, nonce, id)

			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			part, err := mw.CreateFormFile("file", "users.csv")
			if err != nil {
				results <- uploadResult{clientID: id, err: err}
				return
			}
			if _, err := io.WriteString(part, csv); err != nil {
				results <- uploadResult{clientID: id, err: err}
				return
			}
			if err := mw.Close(); err != nil {
				results <- uploadResult{clientID: id, err: err}
				return
			}

			req, err := http.NewRequest(http.MethodPost, serviceURL+uploadPath, &buf)
			if err != nil {
				results <- uploadResult{clientID: id, err: err}
				return
			}
			req.Header.Set("Content-Type", mw.FormDataContentType())
			req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.50.1.%d", id+1))

			start := time.Now()
			resp, err := http.DefaultClient.Do(req)
			duration := time.Since(start)
			if err != nil {
				results <- uploadResult{clientID: id, err: err}
				return
			}
			resp.Body.Close()

			results <- uploadResult{clientID: id, statusCode: resp.StatusCode, duration: duration}
		}(clientID)
	}

	wg.Wait()
	close(results)

	var successCount int
	for result := range results {
		if result.err != nil {
			t.Errorf("Client %d upload failed: %v", result.clientID, result.err)
			continue
		}
		if result.statusCode == http.StatusOK {
			successCount++
		} else {
			t.Errorf("Client %d got unexpected status code: %d", result.clientID, result.statusCode)
		}
		t.Logf("Client %d: status=%d latency=%v", result.clientID, result.statusCode, result.duration)
	}

	if successCount != numClients {
		t.Errorf("Expected %d successful uploads, got %d", numClients, successCount)
	}
}

// TestStatsEndpoints verifies the audit stats API responds
func TestStatsEndpoints(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"overview", "/api/stats/overview"},
		{"recent uploads", "/api/stats/recent"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, serviceURL+tt.path, nil)
			if err != nil {
				t.Fatalf("Failed to create request: %v", err)
			}
			req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.60.0.%d", i+1))

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", resp.StatusCode)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("Failed to read response body: %v", err)
			}
			t.Logf("%s response: %s", tt.name, body)
		})
	}
}

// uploadResult holds results from concurrent upload tests
type uploadResult struct {
	clientID   int
	statusCode int
	duration   time.Duration
	err        error
}
