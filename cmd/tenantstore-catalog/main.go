// Package main is the entry point for tenantstore-catalog, the tenant catalog
// export/import tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bleepstore/tenantstore/internal/catalog"
	"github.com/bleepstore/tenantstore/internal/config"
	"github.com/bleepstore/tenantstore/internal/serialization"
	"github.com/bleepstore/tenantstore/internal/tenant"
)

const usage = "Usage: tenantstore-catalog <export|import> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", os.Args[1], usage)
		os.Exit(1)
	}
}

// target holds the flags that select a catalog.
type target struct {
	configPath string
	tenantID   string
	host       string
	driver     string
	dsn        string
}

func (t *target) register(fs *flag.FlagSet) {
	fs.StringVar(&t.configPath, "config", "tenantstore.yaml", "Config file path")
	fs.StringVar(&t.tenantID, "tenant", "", "Tenant id")
	fs.StringVar(&t.host, "host", "", "Tenant database host")
	fs.StringVar(&t.driver, "driver", catalog.DriverSQLite, "Database driver when -dsn is set")
	fs.StringVar(&t.dsn, "dsn", "", "Catalog DSN (overrides config and tenant resolution)")
}

// open returns the catalog selected by t and a function releasing it.
func (t *target) open(ctx context.Context) (serialization.Catalog, func(), error) {
	if t.dsn != "" {
		c, err := catalog.Open(ctx, t.driver, t.dsn)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	}

	if t.tenantID == "" {
		return nil, nil, fmt.Errorf("-tenant is required without -dsn")
	}
	cfg, err := config.Load(t.configPath)
	if err != nil {
		return nil, nil, err
	}
	creds, err := tenant.NewJWTCredentialResolver(cfg.Auth.JWTSecret, cfg.Auth.ServiceRole, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, nil, err
	}
	conns := tenant.NewSQLConnectionResolver(tenant.SQLConnectionOptions{
		Driver:       cfg.Database.Driver,
		DSNTemplate:  cfg.Database.DSNTemplate,
		AllowedHosts: cfg.Database.AllowedHosts,
		MaxOpenConns: 1,
	})
	tc, err := tenant.NewResolver(creds, conns).Resolve(ctx, tenant.Ref{ID: t.tenantID, Host: t.host})
	if err != nil {
		conns.Close()
		return nil, nil, err
	}
	release := func() {
		tc.Close()
		conns.Close()
	}
	c, ok := tc.DB.(serialization.Catalog)
	if !ok {
		release()
		return nil, nil, fmt.Errorf("catalog of tenant %s does not support export", t.tenantID)
	}
	return c, release, nil
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var t target
	t.register(fs)
	output := fs.String("output", "-", "Output file path (- for stdout)")
	buckets := fs.String("buckets", "", "Comma-separated bucket ids")
	fs.Parse(args)

	ctx := context.Background()
	cat, release, err := t.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening catalog: %v\n", err)
		return 1
	}
	defer release()

	opts := &serialization.ExportOptions{}
	if *buckets != "" {
		for _, b := range strings.Split(*buckets, ",") {
			if b = strings.TrimSpace(b); b != "" {
				opts.Buckets = append(opts.Buckets, b)
			}
		}
	}

	data, err := serialization.Export(ctx, cat, t.tenantID, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(string(data))
		return 0
	}
	if err := os.WriteFile(*output, append(data, '\n'), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	var t target
	t.register(fs)
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Overwrite existing rows")
	fs.Parse(args)

	var data []byte
	var err error
	if *input == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	ctx := context.Background()
	cat, release, err := t.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening catalog: %v\n", err)
		return 1
	}
	defer release()

	result, err := serialization.Import(ctx, cat, data, &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	msg := fmt.Sprintf("  objects: %d imported", result.Imported)
	if result.Skipped > 0 {
		msg += fmt.Sprintf(", %d skipped", result.Skipped)
	}
	fmt.Fprintln(os.Stderr, msg)
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
