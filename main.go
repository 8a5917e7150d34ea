package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"

	"github.com/cvedash/cve-pipeline/cvedetails"
	"github.com/cvedash/cve-pipeline/cwe"
	"github.com/cvedash/cve-pipeline/kevc"
	"github.com/cvedash/cve-pipeline/nvd"
	"github.com/cvedash/cve-pipeline/storage"
	"github.com/cvedash/cve-pipeline/types"
	"github.com/cvedash/cve-pipeline/updater"
	"github.com/cvedash/cve-pipeline/utils"
	"github.com/cvedash/cve-pipeline/vendorindex"
)

var (
	target     = flag.String("target", "", "operation (build, update, list, export, vendors, cwe)")
	vendorName = flag.String("vendor", "", "vendor scope (build, update, export)")
	dbPath     = flag.String("db", "", "SQLite database path (default <cache>/cve.db)")
	configPath = flag.String("config", "", "optional YAML config file")
	outPath    = flag.String("out", "", "export destination (default stdout)")
	gzipOut    = flag.Bool("gzip", false, "gzip the CSV export stream")
	minScore   = flag.Float64("min-score", 0, "export filter: minimum CVSS score")
	cweFilter  = flag.String("cwe", "", "export filter: CWE identifier")
	product    = flag.String("product", "", "export filter: product name")
	kevOnly    = flag.Bool("kev-only", false, "export filter: known-exploited CVEs only")
	skipKEV    = flag.Bool("skip-kev", false, "skip the known-exploited catalog enrichment")
)

// config carries the operational knobs that rarely change per invocation.
// Durations are parsed with time.ParseDuration.
type config struct {
	Retry          int    `yaml:"retry"`
	BackoffCeiling string `yaml:"backoff_ceiling"`
	Timeout        string `yaml:"timeout"`
	StaleWindow    string `yaml:"stale_window"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return xerrors.Errorf("config error: %w", err)
	}
	staleWindow, err := parseDuration(cfg.StaleWindow, 7*24*time.Hour)
	if err != nil {
		return xerrors.Errorf("invalid stale_window: %w", err)
	}

	path := *dbPath
	if path == "" {
		if err := os.MkdirAll(utils.CacheDir(), 0755); err != nil {
			return xerrors.Errorf("failed to create cache dir: %w", err)
		}
		path = filepath.Join(utils.CacheDir(), "cve.db")
	}
	store, err := storage.Open(path, storage.WithStaleWindow(staleWindow))
	if err != nil {
		return xerrors.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch *target {
	case "build", "update":
		mode := updater.ModeFull
		if *target == "update" {
			mode = updater.ModeIncremental
		}
		return buildOrUpdate(ctx, store, cfg, *vendorName, mode)
	case "list":
		scopes, err := store.ListScopes()
		if err != nil {
			return xerrors.Errorf("failed to list vendor scopes: %w", err)
		}
		if len(scopes) == 0 {
			log.Println("no vendor scopes built yet")
			return nil
		}
		for _, scope := range scopes {
			fmt.Printf("%-24s %-12s cves=%-7d high-water=%s updated=%s\n",
				scope.Name, scope.Status, scope.CVECount,
				markString(scope.HighWaterMark), scope.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	case "export":
		if *vendorName == "" {
			return xerrors.New("vendor must be specified")
		}
		return export(store)
	case "vendors":
		return refreshVendorIndex(ctx)
	case "cwe":
		names, err := cwe.NewConfig().FetchNames()
		if err != nil {
			return xerrors.Errorf("error in CWE catalog update: %w", err)
		}
		if err := store.SaveCWENames(names); err != nil {
			return xerrors.Errorf("failed to save CWE names: %w", err)
		}
		log.Printf("saved %d CWE names\n", len(names))
		return nil
	default:
		return xerrors.New("unknown target")
	}
}

func buildOrUpdate(ctx context.Context, store *storage.Store, cfg config, vendor string, mode updater.Mode) error {
	if vendor == "" {
		return xerrors.New("vendor must be specified")
	}

	backoffCeiling, err := parseDuration(cfg.BackoffCeiling, 2*time.Minute)
	if err != nil {
		return xerrors.Errorf("invalid backoff_ceiling: %w", err)
	}
	timeout, err := parseDuration(cfg.Timeout, 30*time.Second)
	if err != nil {
		return xerrors.Errorf("invalid timeout: %w", err)
	}

	idx := vendorindex.New()
	var scrape *cvedetails.Updater
	scrape = cvedetails.NewUpdater(
		cvedetails.WithRetry(cfg.Retry),
		cvedetails.WithVendorResolver(func(ctx context.Context, name string) (cvedetails.Vendor, error) {
			if v, ok, err := idx.Resolve(name); err == nil && ok {
				return v, nil
			}
			return scrape.LookupVendor(ctx, name)
		}),
	)

	apiKey := utils.LookupEnv("NVD_API_KEY", "")
	api := nvd.NewUpdater(
		nvd.WithAPIKey(apiKey),
		nvd.WithRetry(cfg.Retry),
		nvd.WithTimeout(timeout),
		nvd.WithLimiter(nvd.NewLimiter(apiKey != "")),
	)

	opts := []updater.Option{
		updater.WithMaxRetries(cfg.Retry),
		updater.WithBackoffCeiling(backoffCeiling),
	}
	if !*skipKEV {
		catalog := kevc.NewCatalog()
		if err := catalog.Load(ctx); err != nil {
			log.Printf("known-exploited catalog unavailable, continuing without it: %s\n", err)
		} else {
			opts = append(opts, updater.WithExploitedLookup(catalog.Has))
		}
	}

	ctrl := updater.NewController(store, []updater.Source{scrape, api}, opts...)
	report, err := ctrl.BuildOrUpdate(ctx, vendor, mode)
	if err != nil {
		return xerrors.Errorf("error in %s of %s: %w", mode, vendor, err)
	}
	printReport(report)
	if report.Status == types.StatusError {
		return xerrors.Errorf("%s of %s finished in error state", mode, vendor)
	}
	return nil
}

func printReport(r *updater.Report) {
	log.Printf("%s %s: inserted=%d updated=%d noop=%d malformed=%d skipped=%d high-water=%s status=%s\n",
		r.Mode, r.Vendor, r.Inserted, r.Updated, r.NoOps, r.Malformed, r.Skipped,
		markString(r.HighWaterMark), r.Status)
	for name, err := range r.SourceErrors {
		log.Printf("source %s failed: %s\n", name, err)
	}
	for _, a := range r.Anomalies {
		log.Printf("anomaly: %s\n", a)
	}
	for _, c := range r.Conflicts {
		log.Printf("conflict on %s: kept stored record, rejected incoming from %s\n",
			c.ID, c.Incoming.Provenance)
	}
}

func export(store *storage.Store) error {
	f := storage.Filters{
		CWE:                *cweFilter,
		Product:            *product,
		KnownExploitedOnly: *kevOnly,
	}
	if *minScore > 0 {
		f.MinScore = minScore
	}

	var w io.Writer = os.Stdout
	if *outPath != "" {
		out, err := os.Create(*outPath)
		if err != nil {
			return xerrors.Errorf("failed to create %s: %w", *outPath, err)
		}
		defer out.Close()
		w = out
	}
	if err := store.ExportCSV(w, *vendorName, f, *gzipOut); err != nil {
		return xerrors.Errorf("error in export of %s: %w", *vendorName, err)
	}
	return nil
}

func refreshVendorIndex(ctx context.Context) error {
	scrape := cvedetails.NewUpdater()
	vendors, err := scrape.Vendors(ctx)
	if err != nil {
		return xerrors.Errorf("error in vendor index update: %w", err)
	}
	if err := vendorindex.New().Save(vendors); err != nil {
		return xerrors.Errorf("failed to save vendor index: %w", err)
	}
	log.Printf("saved %d vendors\n", len(vendors))
	return nil
}

func loadConfig(path string) (config, error) {
	var cfg config
	cfg.Retry = 3
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, xerrors.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, xerrors.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 3
	}
	return cfg, nil
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

func markString(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.Format(time.RFC3339)
}
