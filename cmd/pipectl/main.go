package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	apiclient "github.com/splax/pipectl/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "pipeline":
		err = commandPipeline(args)
	case "engine":
		err = commandEngine(args)
	case "preview":
		err = commandPreview(args)
	case "logs":
		err = commandLogs(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Access token (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	cfg.AccessToken = strings.TrimSpace(*token)
	if cfg.AccessToken == "" {
		fmt.Print("Access token: ")
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		cfg.AccessToken = strings.TrimSpace(string(secret))
	}
	if cfg.AccessToken == "" {
		return errors.New("an access token is required")
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := client.Pipeline(ctx); err != nil {
		return fmt.Errorf("verify credentials: %w", err)
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandPipeline(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pipectl pipeline [get|preview|apply|validate]")
	}
	switch args[0] {
	case "get":
		return pipelineShow(args[1:], "pipeline get", false)
	case "preview":
		return pipelineShow(args[1:], "pipeline preview", true)
	case "apply":
		return pipelineApply(args[1:])
	case "validate":
		return pipelineValidate(args[1:])
	default:
		return fmt.Errorf("unknown pipeline command: %s", args[0])
	}
}

func pipelineShow(args []string, name string, tapped bool) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	output := fs.String("output", "yaml", "Output format (yaml|json)")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var raw json.RawMessage
	if tapped {
		raw, err = client.PreviewPipeline(ctx)
	} else {
		raw, err = client.Pipeline(ctx)
	}
	if err != nil {
		return err
	}
	return printConfig(raw, *output)
}

func pipelineApply(args []string) error {
	fs := flag.NewFlagSet("pipeline apply", flag.ExitOnError)
	file := fs.String("f", "", "Config file (YAML or JSON), - for stdin")
	fs.Parse(args)

	text, err := readConfigFile(*file)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("-f is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	inst, err := client.ApplyPipeline(ctx, text)
	if err != nil {
		return err
	}
	fmt.Printf("instance %s\tengine %s\tupdated %s\n", inst.ID, inst.EngineHost, humanize.Time(inst.UpdatedAt))
	if !inst.Pushed {
		fmt.Printf("saved but not pushed: %s\n", inst.PushError)
	}
	return nil
}

func pipelineValidate(args []string) error {
	fs := flag.NewFlagSet("pipeline validate", flag.ExitOnError)
	file := fs.String("f", "", "Config file to check instead of the stored config")
	fs.Parse(args)

	text, err := readConfigFile(*file)
	if err != nil {
		return err
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := client.ValidatePipeline(ctx, text)
	if err != nil {
		return err
	}
	if res.Valid {
		fmt.Println("config is valid")
		return nil
	}
	for _, p := range res.Problems {
		fmt.Printf("%s %q: %s\n", p.Kind, p.ComponentID, p.Message)
	}
	return fmt.Errorf("%d problem(s) found", len(res.Problems))
}

func commandEngine(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pipectl engine [health|metrics]")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch args[0] {
	case "health":
		healthy, err := client.EngineHealthy(ctx)
		if err != nil {
			return err
		}
		if !healthy {
			return errors.New("engine is unhealthy")
		}
		fmt.Println("engine is healthy")
		return nil
	case "metrics":
		samples, err := client.EngineMetrics(ctx)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(samples))
		for id := range samples {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			s := samples[id]
			fmt.Printf("%s\t%s\t%s\tin %s (%s)\tout %s (%s)\n", id, s.Kind, s.ComponentType,
				countString(s.ReceivedEvents), bytesString(s.ReceivedBytes),
				countString(s.SentEvents), bytesString(s.SentBytes))
		}
		return nil
	default:
		return fmt.Errorf("unknown engine command: %s", args[0])
	}
}

func commandPreview(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pipectl preview [events|reset]")
	}
	switch args[0] {
	case "events":
		fs := flag.NewFlagSet("preview events", flag.ExitOnError)
		component := fs.String("component", "", "Only events tapped at this component")
		previewType := fs.String("type", "", "Only source or sink taps")
		limit := fs.Int("limit", 0, "Show at most the newest N events")
		fs.Parse(args[1:])

		client, err := authedClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		events, err := client.PreviewEvents(ctx, *component, *previewType)
		if err != nil {
			return err
		}
		if *limit > 0 && *limit < len(events) {
			events = events[len(events)-*limit:]
		}
		enc := json.NewEncoder(os.Stdout)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	case "reset":
		client, err := authedClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := client.ResetPreview(ctx); err != nil {
			return err
		}
		fmt.Println("preview buffer cleared")
		return nil
	default:
		return fmt.Errorf("unknown preview command: %s", args[0])
	}
}

func commandLogs(args []string) error {
	if len(args) == 0 || args[0] != "correlate" {
		return errors.New("usage: pipectl logs correlate --ids a,b,c")
	}
	fs := flag.NewFlagSet("logs correlate", flag.ExitOnError)
	ids := fs.String("ids", "", "Comma separated log ids")
	fs.Parse(args[1:])

	var list []string
	for _, id := range strings.Split(*ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			list = append(list, id)
		}
	}
	if len(list) == 0 {
		return errors.New("--ids is required")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := client.Correlate(ctx, list)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, entry := range report.Logs {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "found %d of %d ids\n", report.Found, report.Requested)
	if len(report.Missing) > 0 {
		fmt.Fprintf(os.Stderr, "missing: %s\n", strings.Join(report.Missing, ", "))
	}
	return nil
}

func printConfig(raw json.RawMessage, format string) error {
	switch format {
	case "json":
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	case "yaml":
		var v map[string]any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		out, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

func readConfigFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	switch path {
	case "":
		return "", nil
	case "-":
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func countString(v *float64) string {
	if v == nil {
		return "-"
	}
	return humanize.Comma(int64(*v))
}

func bytesString(v *float64) string {
	if v == nil {
		return "-"
	}
	return humanize.Bytes(uint64(*v))
}

func authedClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("please login first using 'pipectl login'")
	}
	return newClient(cfg)
}

func newClient(cfg cliConfig) (*apiclient.Client, error) {
	return apiclient.New(cfg.APIBaseURL, apiclient.WithToken(cfg.AccessToken))
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:4000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "pipectl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("pipectl CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	pipectl login [--token jwt] [--api http://localhost:4000]
	pipectl pipeline get [--output yaml|json]
	pipectl pipeline preview [--output yaml|json]
	pipectl pipeline apply -f vector.yaml
	pipectl pipeline validate [-f vector.yaml]
	pipectl engine health
	pipectl engine metrics
	pipectl preview events [--component id] [--type source|sink] [--limit N]
	pipectl preview reset
	pipectl logs correlate --ids a,b,c
	pipectl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
