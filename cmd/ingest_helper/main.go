package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"autopilot/internal/config"
	"autopilot/internal/ingest"

	"github.com/fatih/color"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	files := os.Args[1:]
	if len(files) == 0 {
		files = listUploads(cfg.UploadsDir)
	}
	if len(files) == 0 {
		log.Println("no csv files to ingest")
		return
	}

	baseURL := normalizeBaseURL(os.Getenv("SERVICE_BASE_URL"), cfg.HTTPPort)
	client := &http.Client{Timeout: 2 * time.Minute}
	failed := false
	for _, path := range files {
		if !ingestFile(client, baseURL, path) {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func listUploads(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("scan uploads dir: %v", err)
		return nil
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".csv" {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(out)
	return out
}

func normalizeBaseURL(raw, port string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		return "http://localhost" + port
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return base
}

// ingestFile reports false when the file could not be sent or any row
// came back with an error.
func ingestFile(client *http.Client, baseURL, path string) bool {
	color.Cyan("%s", path)
	f, err := os.Open(path)
	if err != nil {
		color.Red("  open: %v", err)
		return false
	}
	rows, rowErrs, err := ingest.ReadCSV(f)
	f.Close()
	if err != nil {
		color.Red("  parse: %v", err)
		return false
	}
	for _, e := range rowErrs {
		color.Yellow("  %v", e)
	}
	if len(rows) == 0 {
		color.Yellow("  no rows")
		return len(rowErrs) == 0
	}

	res, err := post(client, baseURL, rows)
	if err != nil {
		color.Red("  post: %v", err)
		return false
	}
	printResult(os.Stdout, res)
	return len(res.Errors) == 0 && len(rowErrs) == 0
}

func post(client *http.Client, baseURL string, rows []ingest.Row) (ingest.Result, error) {
	var res ingest.Result
	body, _ := json.Marshal(map[string]any{"tickets": rows})
	resp, err := client.Post(baseURL+"/api/tickets/ingest", "application/json", bytes.NewReader(body))
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return res, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	err = json.NewDecoder(resp.Body).Decode(&res)
	return res, err
}

func printResult(w io.Writer, res ingest.Result) {
	fmt.Fprintf(w, "  processed %d, created %s, mailed %s, needs approval %s, skipped %d\n",
		res.Processed,
		color.GreenString("%d", res.TicketsCreated),
		color.GreenString("%d", res.LettersMailed),
		color.YellowString("%d", res.NeedsApproval),
		res.Skipped)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s\n", color.RedString(e))
	}
}
