// Command inspector evaluates a checkout payload offline, without Redis,
// Postgres or outbound lookups. Handy for replaying a disputed transaction.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/GoPolymarket/fraudgate/internal/behavior"
	"github.com/GoPolymarket/fraudgate/internal/cache"
	"github.com/GoPolymarket/fraudgate/internal/device"
	"github.com/GoPolymarket/fraudgate/internal/manager"
	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/network"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
	"github.com/GoPolymarket/fraudgate/internal/rules"
	"github.com/GoPolymarket/fraudgate/internal/service"
	"github.com/GoPolymarket/fraudgate/internal/threatintel"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: inspector <command> [flags] [file]

commands:
  device-id   print the device id derived from the payload's fingerprint
  evaluate    run the offline pipeline and print the evaluation result
  rules       list the built-in rule catalog

The payload is a transaction JSON document read from file or stdin.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "device-id":
		err = runDeviceID(args)
	case "evaluate":
		err = runEvaluate(args)
	case "rules":
		err = printJSON(rules.DefaultCatalog())
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "inspector:", err)
		os.Exit(1)
	}
}

func readTransaction(path string) (*model.TransactionContext, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var tx model.TransactionContext
	if err := json.NewDecoder(r).Decode(&tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &tx, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runDeviceID(args []string) error {
	fs := flag.NewFlagSet("device-id", flag.ExitOnError)
	_ = fs.Parse(args)
	tx, err := readTransaction(fs.Arg(0))
	if err != nil {
		return err
	}
	issues, score := device.CheckConsistency(tx.Device, tx.UserAgent)
	return printJSON(map[string]any{
		"device_id":         device.DeriveDeviceID(tx.Device),
		"consistency_score": score,
		"issues":            issues,
	})
}

func runEvaluate(args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	country := fs.String("geo-country", "", "pretend the IP geolocates to this ISO country")
	asn := fs.Uint("geo-asn", 0, "pretend the IP belongs to this ASN")
	tor := fs.Bool("tor", false, "treat the IP as a TOR exit node")
	blacklist := fs.String("blacklist", "", "JSON file with blacklist entries")
	budget := fs.Duration("sla", 100*time.Millisecond, "evaluation latency budget")
	verbose := fs.Bool("v", false, "log engine warnings to stderr")
	_ = fs.Parse(args)

	level := "error"
	if *verbose {
		level = "debug"
	}
	logger.Init(level, "text")

	tx, err := readTransaction(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := service.ValidateTransaction(tx); err != nil {
		return err
	}

	geo := network.NewStaticLocator()
	if *country != "" || *asn != 0 {
		if err := geo.Add(tx.IP, network.GeoInfo{Country: *country, ASN: *asn}); err != nil {
			return err
		}
	}
	exits := network.NewExitNodeSet("", 0, nil)
	if *tor {
		exits.Replace([]string{tx.IP})
	} else {
		exits.Replace(nil)
	}

	mem := threatintel.NewMemoryBlacklist()
	if *blacklist != "" {
		if err := loadBlacklist(*blacklist, mem); err != nil {
			return err
		}
	}

	ruleEngine := rules.NewEngine(rules.DefaultRegistry(),
		rules.NewStaticCatalog(rules.DefaultCatalog()),
		manager.NewVelocityLimiter(manager.NewMemoryCounterStore()))
	orch := service.NewOrchestrator(service.Engines{
		Network:  network.NewEngine(network.Options{Geo: geo, ExitNodes: exits, Cache: cache.NewMemoryCache()}),
		Threat:   threatintel.NewGateway(threatintel.Options{Cache: cache.NewMemoryCache(), Blacklist: mem}),
		Behavior: behavior.NewEngine(behavior.DefaultThresholds()),
		Rules:    ruleEngine,
	}, service.OrchestratorConfig{SLABudget: *budget})

	return printJSON(orch.Evaluate(context.Background(), tx))
}

func loadBlacklist(path string, bl *threatintel.MemoryBlacklist) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []model.BlacklistEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("decode blacklist: %w", err)
	}
	ctx := context.Background()
	for i := range entries {
		e := entries[i]
		if !e.Kind.Valid() {
			return fmt.Errorf("blacklist entry %d: unknown kind %q", i, e.Kind)
		}
		e.Value = threatintel.Normalize(e.Kind, e.Value)
		if e.Level == "" {
			e.Level = model.ThreatHigh
		}
		if err := bl.Add(ctx, &e); err != nil {
			return err
		}
	}
	return nil
}
