package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/veritas/internal/gateway/httpapi"
)

// Exit codes for the reason command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitDenied      = 2
	ExitUnavailable = 3
)

var (
	reasonFile       string
	reasonGatewayURL string
	reasonAPIKey     string
	reasonAsync      bool
	reasonTimeout    int
)

var reasonCmd = &cobra.Command{
	Use:   "reason",
	Short: "Submit a prediction to the gateway and print the explanation",
	Long: `Send a prediction to the Veritas gateway for reasoning. The prediction is
read as JSON from --file, or from stdin when --file is "-".

Example prediction:
  {"prediction_id": "p-42", "impact_score": 0.8,
   "predicted_values": {"sku": "A-1", "demand": 1200},
   "evidence": [{"id": "e1", "text": "demand for A-1 rose 40% last week"}]}

Examples:
  veritas reason -f prediction.json
  cat prediction.json | veritas reason -f - --async

Exit codes:
  0  success
  1  request failure
  2  unauthorized, rate limited or over budget
  3  gateway unavailable`,
	RunE: runReason,
}

func init() {
	reasonCmd.Flags().StringVarP(&reasonFile, "file", "f", "-", "prediction JSON file, - for stdin")
	reasonCmd.Flags().StringVar(&reasonGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL")
	reasonCmd.Flags().StringVar(&reasonAPIKey, "api-key", "", "API key for gateway authentication (or VERITAS_API_KEY env)")
	reasonCmd.Flags().BoolVar(&reasonAsync, "async", false, "queue the run and print the job handle")
	reasonCmd.Flags().IntVar(&reasonTimeout, "timeout", 120, "timeout in seconds")
}

func runReason(_ *cobra.Command, _ []string) error {
	apiKey := goutils.Env("VERITAS_API_KEY", reasonAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set VERITAS_API_KEY)")
		os.Exit(ExitDenied)
	}
	gatewayURL := goutils.Env("VERITAS_GATEWAY_URL", reasonGatewayURL)

	body, err := readPrediction(reasonFile, reasonAsync)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(reasonTimeout)*time.Second)
	defer cancel()

	status, respBody, err := postReason(ctx, gatewayURL, apiKey, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	os.Exit(report(status, respBody))
	return nil
}

// readPrediction loads the request body and applies the --async flag.
func readPrediction(path string, async bool) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading prediction: %w", err)
	}

	var req httpapi.ReasonRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parsing prediction: %w", err)
	}
	if req.PredictionID == "" {
		return nil, fmt.Errorf("prediction_id is required")
	}
	if async {
		req.Async = true
	}
	return json.Marshal(req)
}

func postReason(ctx context.Context, gatewayURL, apiKey string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL+"/v1/reasoning", bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, err
}

// report prints the gateway answer and returns the process exit code.
func report(status int, body []byte) int {
	switch status {
	case http.StatusOK, http.StatusAccepted:
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, body, "", "  "); err != nil {
			fmt.Println(string(body))
		} else {
			fmt.Println(pretty.String())
		}
		return ExitSuccess

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		return ExitDenied

	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		return ExitDenied

	case http.StatusPaymentRequired:
		fmt.Fprintln(os.Stderr, "Error: daily budget exhausted")
		return ExitDenied

	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: gateway unavailable (%d)\n", status)
		return ExitUnavailable

	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", status, string(body))
		return ExitFailure
	}
}
