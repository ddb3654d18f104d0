package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/tilepack/internal/api"
	"github.com/mattjoyce/tilepack/internal/install"
	"github.com/mattjoyce/tilepack/internal/ipc"
	"github.com/mattjoyce/tilepack/internal/jobid"
	"github.com/mattjoyce/tilepack/internal/log"
)

// convertOutput is what job convert prints.
type convertOutput struct {
	Submit  ipc.SubmitResult   `json:"submit"`
	Install *ipc.InstallResult `json:"install,omitempty"`
}

func runJobConvert(args []string) int {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	doInstall := fs.Bool("install", false, "Install the converted output when the job completes")
	target := fs.String("target", "", "Install target directory (default: install.target_dir or the Mapeo styles directory)")
	jsonOut := fs.Bool("json", false, "Output JSON")

	flags, positionals := splitFlagsAndPositionals(args, map[string]bool{
		"--config": true, "-config": true, "--target": true, "-target": true,
	})
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: tilepack job convert <file.mbtiles> [--install] [--target DIR]")
		return 1
	}
	source, err := filepath.Abs(positionals[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer st.close(shutdownGrace)
	st.pool.Start()

	serveCtx, cancelServe := context.WithCancel(ctx)
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := st.broker.Serve(serveCtx); err != nil {
			log.WithComponent("main").Error("ipc broker failed", "error", err)
		}
	}()
	defer func() {
		cancelServe()
		<-served
	}()

	var out convertOutput
	out.Submit, err = st.broker.SubmitFile(ctx, source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Conversion interrupted: %v\n", err)
		return 1
	}

	if *doInstall && out.Submit.Error == "" {
		dest := *target
		if dest == "" {
			dest = cfg.Install.TargetDir
		}
		res, err := st.broker.InstallOutput(ctx, out.Submit.JobID, dest)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Install interrupted: %v\n", err)
			return 1
		}
		out.Install = &res
	}

	if wantJSON(*jsonOut) {
		_ = writeJSON(os.Stdout, out)
	} else {
		printConvertHuman(out)
	}

	if out.Submit.Error != "" || (out.Install != nil && out.Install.Error != "") {
		return 1
	}
	return 0
}

func printConvertHuman(out convertOutput) {
	s := out.Submit
	fmt.Printf("Job:      %s\n", orDash(s.JobID))
	fmt.Printf("Source:   %s\n", s.FilePath)
	if s.Error != "" {
		fmt.Printf("Status:   failed\n")
		fmt.Printf("Error:    %s\n", s.Error)
		return
	}
	fmt.Printf("Status:   completed\n")
	fmt.Printf("Archive:  %s\n", s.ArchivePath)
	fmt.Printf("Checksum: %s\n", s.Checksum)
	fmt.Printf("Output:   %s\n", s.OutputDir)

	if in := out.Install; in != nil {
		if in.Error != "" {
			fmt.Printf("Install:  failed: %s\n", in.Error)
			return
		}
		fmt.Printf("Install:  %s\n", in.TargetDir)
		if in.BackupDir != "" {
			fmt.Printf("Backup:   %s\n", in.BackupDir)
		}
	}
}

func runJobStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	apiURL := fs.String("api-url", "", "Service API URL (default: from api.listen)")
	apiKey := fs.String("api-key", os.Getenv("TILEPACK_API_KEY"), "API bearer key")
	jsonOut := fs.Bool("json", false, "Output JSON")

	flags, positionals := splitFlagsAndPositionals(args, map[string]bool{
		"--config": true, "-config": true, "--api-url": true, "-api-url": true, "--api-key": true, "-api-key": true,
	})
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: tilepack job status <id> [--api-url URL] [--api-key KEY]")
		return 1
	}
	id := positionals[0]
	if !jobid.Valid(id) {
		fmt.Fprintf(os.Stderr, "Invalid job id %q (expected %d hex characters)\n", id, jobid.Length)
		return 1
	}

	base := *apiURL
	if base == "" {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		base = "http://" + cfg.API.Listen
		if *apiKey == "" {
			*apiKey = cfg.API.Auth.APIKey
		}
	}

	status, code, err := fetchJobStatus(context.Background(), base, *apiKey, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Job %s: %s (HTTP %d)\n", id, status.Error, code)
		return 1
	}

	if wantJSON(*jsonOut) {
		_ = writeJSON(os.Stdout, status)
		return 0
	}
	fmt.Printf("Job:      %s\n", id)
	fmt.Printf("Status:   %s\n", status.Status)
	if status.DownloadURL != "" {
		fmt.Printf("Download: %s\n", strings.TrimRight(base, "/")+status.DownloadURL)
		fmt.Printf("Checksum: %s\n", status.Checksum)
	}
	if status.Error != "" {
		fmt.Printf("Error:    %s\n", status.Error)
	}
	return 0
}

func fetchJobStatus(ctx context.Context, base, key, id string) (api.JobStatusResponse, int, error) {
	u, err := url.JoinPath(base, "jobs", id)
	if err != nil {
		return api.JobStatusResponse{}, 0, fmt.Errorf("invalid api url %q: %w", base, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return api.JobStatusResponse{}, 0, err
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return api.JobStatusResponse{}, 0, fmt.Errorf("query %s: %w", u, err)
	}
	defer resp.Body.Close()

	var body api.JobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return api.JobStatusResponse{}, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func runJobHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum rows")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	ctx := context.Background()
	rec, closeDB, err := openHistory(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	entries, err := rec.ListJobs(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if wantJSON(*jsonOut) {
		_ = writeJSON(os.Stdout, entries)
		return 0
	}
	if len(entries) == 0 {
		fmt.Println("No finished jobs recorded.")
		return 0
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		var took string
		if e.StartedAt != nil {
			took = e.CompletedAt.Sub(*e.StartedAt).Round(time.Millisecond).String()
		}
		detail := e.ArtifactPath
		if e.LastError != "" {
			detail = firstLine(e.LastError)
		}
		rows = append(rows, []string{shortID(e.ID), e.Status, e.SourceName, formatTime(e.CompletedAt), orDash(took), orDash(detail)})
	}
	fmt.Println(renderTable(
		[]string{"ID", "STATUS", "SOURCE", "FINISHED", "TOOK", "ARTIFACT / ERROR"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	return 0
}

func runMapInstall(args []string) int {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	target := fs.String("target", "", "Install target directory (default: install.target_dir or the Mapeo styles directory)")
	jsonOut := fs.Bool("json", false, "Output JSON")

	flags, positionals := splitFlagsAndPositionals(args, map[string]bool{
		"--config": true, "-config": true, "--target": true, "-target": true,
	})
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: tilepack map install <dir> [--target DIR]")
		return 1
	}
	source, err := filepath.Abs(positionals[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	dest := *target
	if dest == "" {
		dest = cfg.Install.TargetDir
	}
	if dest == "" {
		if dest, err = install.DefaultTargetDir(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	ctx := context.Background()
	report, installErr := install.NewManager().Install(ctx, source, dest)
	if report.TargetDir == "" {
		report.TargetDir = dest
	}

	if cfg.State.Path != "" {
		if rec, closeDB, err := openHistory(ctx, cfg); err == nil {
			if err := rec.RecordInstall(ctx, source, report, installErr); err != nil {
				log.WithComponent("main").Warn("cannot record install history", "error", err)
			}
			closeDB()
		} else {
			log.WithComponent("main").Warn("history unavailable", "error", err)
		}
	}

	if installErr != nil {
		fmt.Fprintf(os.Stderr, "Install failed: %v\n", installErr)
		return 1
	}
	if wantJSON(*jsonOut) {
		_ = writeJSON(os.Stdout, report)
		return 0
	}
	fmt.Printf("Installed %d file(s), %s into %s\n", report.Files, formatBytes(report.Bytes), report.TargetDir)
	if report.BackupDir != "" {
		fmt.Printf("Previous content kept at %s\n", report.BackupDir)
	}
	return 0
}

func runMapHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum rows")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	ctx := context.Background()
	rec, closeDB, err := openHistory(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	entries, err := rec.ListInstalls(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if wantJSON(*jsonOut) {
		_ = writeJSON(os.Stdout, entries)
		return 0
	}
	if len(entries) == 0 {
		fmt.Println("No installs recorded.")
		return 0
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		result := "ok"
		if e.LastError != "" {
			result = firstLine(e.LastError)
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10), formatTime(e.CompletedAt), e.TargetDir, orDash(e.BackupDir),
			strconv.Itoa(e.Files), formatBytes(e.Bytes), result,
		})
	}
	fmt.Println(renderTable(
		[]string{"#", "WHEN", "TARGET", "BACKUP", "FILES", "SIZE", "RESULT"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
	return 0
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	flags := make([]string, 0, len(args))
	positionals := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positionals = append(positionals, arg)
			continue
		}

		flags = append(flags, arg)
		if strings.Contains(arg, "=") {
			continue
		}
		if takesValue[arg] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}

	return flags, positionals
}
