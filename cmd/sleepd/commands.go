package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// --- predict ---

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Request a next-sleep prediction",
	Long: `Request a next-sleep prediction.

Examples:
  sleepd predict --age 6 --subject baby-1 --history ./sessions.json
  sleepd predict --age 2.5 --name Mia`,
	RunE: func(cmd *cobra.Command, args []string) error {
		age, _ := cmd.Flags().GetFloat64("age")
		subject, _ := cmd.Flags().GetString("subject")
		name, _ := cmd.Flags().GetString("name")
		kind, _ := cmd.Flags().GetString("kind")
		historyPath, _ := cmd.Flags().GetString("history")

		if age <= 0 {
			return fmt.Errorf("--age is required")
		}

		var history json.RawMessage = []byte("[]")
		if historyPath != "" {
			data, err := os.ReadFile(historyPath)
			if err != nil {
				return fmt.Errorf("reading history file: %w", err)
			}
			if !json.Valid(data) {
				return fmt.Errorf("history file is not valid JSON")
			}
			history = data
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/predict", map[string]any{
			"subjectId":    subject,
			"ageInMonths":  age,
			"name":         name,
			"kind":         kind,
			"sleepHistory": history,
		})
		if err != nil {
			return err
		}

		var result struct {
			NextSleepTime    time.Time `json:"nextSleepTime"`
			TimeUntil        string    `json:"timeUntil"`
			ExpectedDuration string    `json:"expectedDuration"`
			Confidence       float64   `json:"confidence"`
			Summary          string    `json:"summary"`
			Reasoning        string    `json:"reasoning"`
			Provider         string    `json:"provider"`
			PredictionID     string    `json:"predictionId"`
			CacheHit         bool      `json:"cacheHit"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Next sleep", "%s (in %s)", result.NextSleepTime.Local().Format("15:04"), result.TimeUntil)
		printStatus("Duration", "%s", result.ExpectedDuration)
		printStatus("Confidence", "%.0f%%", result.Confidence*100)
		printStatus("Source", "%s%s", result.Provider, cacheLabel(result.CacheHit))
		if result.Summary != "" {
			fmt.Fprintf(os.Stderr, "\n  %s\n", result.Summary)
		}
		return nil
	},
}

func cacheLabel(hit bool) string {
	if hit {
		return " (cached)"
	}
	return ""
}

func init() {
	predictCmd.Flags().Float64("age", 0, "baby's age in months (required)")
	predictCmd.Flags().String("subject", "", "stable subject id; omit for a one-off request")
	predictCmd.Flags().String("name", "", "baby's name, used in the explanation text")
	predictCmd.Flags().String("kind", "", "free-form subject descriptor")
	predictCmd.Flags().String("history", "", "path to a JSON file with the sleep session history")
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Report sleep sessions",
}

var sessionsAddCmd = &cobra.Command{
	Use:   "add <subject-id>",
	Short: "Report a new sleep session and invalidate stale predictions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subjectID := args[0]
		id, _ := cmd.Flags().GetString("id")
		start, _ := cmd.Flags().GetString("start")
		end, _ := cmd.Flags().GetString("end")
		quality, _ := cmd.Flags().GetString("quality")

		if id == "" || start == "" {
			return fmt.Errorf("--id and --start are required")
		}
		if _, err := time.Parse(time.RFC3339, start); err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}

		session := map[string]any{
			"id":        id,
			"startTime": start,
		}
		if end != "" {
			if _, err := time.Parse(time.RFC3339, end); err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}
			session["endTime"] = end
		}
		if quality != "" {
			session["quality"] = quality
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/subjects/"+url.PathEscape(subjectID)+"/sessions", session)
		if err != nil {
			return err
		}

		var result struct {
			Status      string `json:"status"`
			Invalidated int    `json:"invalidated"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Recorded session %s (%d cached prediction(s) invalidated)", id, result.Invalidated)
		return nil
	},
}

func init() {
	sessionsAddCmd.Flags().String("id", "", "session id (required)")
	sessionsAddCmd.Flags().String("start", "", "session start time, RFC3339 (required)")
	sessionsAddCmd.Flags().String("end", "", "session end time, RFC3339; omit if still sleeping")
	sessionsAddCmd.Flags().String("quality", "", "sleep quality label")
	sessionsCmd.AddCommand(sessionsAddCmd)
}

// --- predictions ---

var predictionsCmd = &cobra.Command{
	Use:   "predictions",
	Short: "Inspect stored predictions",
}

var predictionsListCmd = &cobra.Command{
	Use:   "list <subject-id>",
	Short: "List a subject's predictions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/v1/predictions?subject=" + url.QueryEscape(args[0]) + "&limit=" + strconv.Itoa(limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var predictions []struct {
			ID            string  `json:"id"`
			NextSleepTime string  `json:"nextSleepTime"`
			Confidence    float64 `json:"confidence"`
			Provider      string  `json:"provider"`
			IsActive      bool    `json:"isActive"`
			UsageCount    int     `json:"usageCount"`
			CreatedAt     string  `json:"createdAt"`
		}
		if err := decodeJSON(resp, &predictions); err != nil {
			return err
		}

		if len(predictions) == 0 {
			fmt.Println("No predictions found.")
			return nil
		}

		for _, p := range predictions {
			state := "inactive"
			if p.IsActive {
				state = colorize(colorGreen, "active")
			}
			fmt.Printf("%s  %s  next %s  %.0f%%  %s  served %d×\n",
				colorize(colorCyan, p.ID[:8]),
				state,
				p.NextSleepTime,
				p.Confidence*100,
				p.Provider,
				p.UsageCount,
			)
		}
		return nil
	},
}

func init() {
	predictionsListCmd.Flags().Int("limit", 20, "maximum number of predictions to list")
	predictionsCmd.AddCommand(predictionsListCmd)
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <prediction-id> <text>",
	Short: "Attach feedback to a prediction",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/predictions/"+url.PathEscape(args[0])+"/feedback",
			map[string]string{"feedback": args[1]})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Feedback saved")
		return nil
	},
}
