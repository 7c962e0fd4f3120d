package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/healthmesh/core"
)

func newSendCmd() *cobra.Command {
	var (
		addr     string
		patient  string
		kind     string
		text     string
		readings []string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Submit a patient event to a running daemon",
		Example: `  healthmeshd send --patient patient-1 --text "persistent cough since monday"
  healthmeshd send --patient patient-1 --kind question --text "can I take ibuprofen?"
  healthmeshd send --patient patient-1 --kind vitals --reading systolic_bp=165`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if patient == "" {
				return fmt.Errorf("--patient is required")
			}
			path, body, err := buildSendRequest(patient, kind, text, readings)
			if err != nil {
				return err
			}
			out, err := postEvent(cmd.Context(), addr, path, body)
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "daemon base URL")
	cmd.Flags().StringVar(&patient, "patient", "", "patient identifier")
	cmd.Flags().StringVar(&kind, "kind", "symptom", "event kind (symptom, question, vitals)")
	cmd.Flags().StringVar(&text, "text", "", "free-text report or question")
	cmd.Flags().StringArrayVar(&readings, "reading", nil, "vital reading as metric=value (repeatable)")

	return cmd
}

func buildSendRequest(patient, kind, text string, readings []string) (string, map[string]any, error) {
	if kind == "vitals" || len(readings) > 0 {
		parsed := make(map[string]float64, len(readings))
		for _, r := range readings {
			metric, raw, ok := strings.Cut(r, "=")
			if !ok {
				return "", nil, fmt.Errorf("invalid reading %q, want metric=value", r)
			}
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return "", nil, fmt.Errorf("invalid reading %q: %w", r, err)
			}
			parsed[metric] = value
		}
		if len(parsed) == 0 {
			return "", nil, fmt.Errorf("vitals need at least one --reading")
		}
		return "/api/vitals", map[string]any{"patient_id": patient, "readings": parsed}, nil
	}

	if text == "" {
		return "", nil, fmt.Errorf("--text is required for %s events", kind)
	}
	return "/api/events", map[string]any{
		"patient_id": patient,
		"kind":       kind,
		"text":       text,
		"source":     "patient",
	}, nil
}

func postEvent(ctx context.Context, addr, path string, body map[string]any) (*core.Outcome, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(addr, "/")+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach daemon at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("daemon returned %s: %s", resp.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}

	var out core.Outcome
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return &out, nil
}

func printOutcome(w io.Writer, out *core.Outcome) {
	fmt.Fprintf(w, "outcome %s\n", out.ID)
	fmt.Fprintf(w, "  severity: %s\n", out.Severity)
	fmt.Fprintf(w, "  decision: %s\n", out.Decision)
	if out.Summary != "" {
		fmt.Fprintf(w, "  summary:  %s\n", out.Summary)
	}
	if len(out.FailedStages) > 0 {
		fmt.Fprintf(w, "  degraded: %s\n", strings.Join(out.FailedStages, ", "))
	}
	for _, f := range out.Findings {
		fmt.Fprintf(w, "  - [%s/%s] %s\n", f.Stage, f.Severity, f.Message)
	}
}
