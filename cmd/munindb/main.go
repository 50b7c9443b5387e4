// Package main provides the MuninDB CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orneryd/munindb/pkg/chase"
	"github.com/orneryd/munindb/pkg/config"
	"github.com/orneryd/munindb/pkg/edb"
	"github.com/orneryd/munindb/pkg/graph"
	"github.com/orneryd/munindb/pkg/rules"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "munindb",
		Short: "MuninDB - Forward-Chaining Reasoner with Provenance",
		Long: `MuninDB is a forward-chaining Datalog and existential-rule reasoner
written in Go, tracking the full derivation history of every fact.

Features:
  • Columnar derivation segments with per-row provenance
  • Semi-naive rule execution with merge, anti- and lookup joins
  • Equality-generating rules with term rewriting
  • Stratified negation
  • In-memory and BadgerDB-backed extensional data`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("MuninDB v%s (%s)\n", version, commit)
		},
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Materialize a rule program over an extensional database",
		Long:  "Load the EDB sources, parse the rules, run the chase to its fixed point and print statistics",
		RunE:  runRun,
	}
	runCmd.Flags().String("sources", "sources.yaml", "EDB source configuration")
	runCmd.Flags().String("rules", "rules.dlog", "Rule program file")
	runCmd.Flags().String("provenance", "", "Provenance mode: none, node or full (overrides MUNINDB_PROVENANCE)")
	runCmd.Flags().Int("max-steps", 0, "Abort after this many steps (0 = unbounded)")
	runCmd.Flags().String("dump", "", "Predicate whose facts are printed after the run")
	rootCmd.AddCommand(runCmd)

	parseCmd := &cobra.Command{
		Use:   "parse",
		Short: "Validate a rule program without running it",
		RunE:  runParse,
	}
	parseCmd.Flags().String("sources", "sources.yaml", "EDB source configuration")
	parseCmd.Flags().String("rules", "rules.dlog", "Rule program file")
	rootCmd.AddCommand(parseCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadProgram assembles the program and layer from the two input files.
func loadProgram(sourcesPath, rulesPath string) (*rules.Program, *edb.Layer, func() error, error) {
	conf, err := edb.LoadConfFile(sourcesPath)
	if err != nil {
		return nil, nil, nil, err
	}
	program := rules.NewProgram()
	layer, closer, err := conf.Build(program)
	if err != nil {
		return nil, nil, closer, err
	}

	text, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, nil, closer, fmt.Errorf("read rules: %w", err)
	}
	resolve := func(s string) (rules.Term, error) {
		return layer.GetOrAddDictNumber(s), nil
	}
	if err := rules.ParseProgram(program, string(text), resolve); err != nil {
		return nil, nil, closer, err
	}
	if eq, ok := program.PredicateByName("eq"); ok && !eq.EDB {
		program.SetEqualityPredicate(eq.ID)
	}
	return program, layer, closer, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	if v, _ := cmd.Flags().GetString("provenance"); v != "" {
		cfg.Provenance = v
	}
	if v, _ := cmd.Flags().GetInt("max-steps"); v > 0 {
		cfg.MaxSteps = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	sourcesPath, _ := cmd.Flags().GetString("sources")
	rulesPath, _ := cmd.Flags().GetString("rules")
	program, layer, closer, err := loadProgram(sourcesPath, rulesPath)
	if closer != nil {
		defer closer()
	}
	if err != nil {
		return err
	}

	mode := graph.NodeProvenance
	switch cfg.Provenance {
	case "none":
		mode = graph.NoProvenance
	case "full":
		mode = graph.FullProvenance
	}

	c, err := chase.New(program, layer, chase.Options{
		Provenance:       mode,
		CacheRetain:      cfg.CacheRetain,
		SegmentCacheSize: cfg.SegmentCacheSize,
		MaxSteps:         cfg.MaxSteps,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := c.Run(ctx); err != nil {
		return err
	}
	c.Graph().LogStats()

	if dump, _ := cmd.Flags().GetString("dump"); dump != "" {
		pred, ok := program.PredicateByName(dump)
		if !ok {
			return fmt.Errorf("unknown predicate %q", dump)
		}
		printFacts(c, layer, pred)
	}
	return nil
}

func printFacts(c *chase.Chase, layer *edb.Layer, pred rules.Predicate) {
	c.Graph().EachFact(pred.ID, func(row []rules.Term) bool {
		for i, t := range row {
			if i > 0 {
				fmt.Print("\t")
			}
			if text, err := layer.GetDictText(t); err == nil {
				fmt.Print(text)
			} else {
				fmt.Print(uint64(t))
			}
		}
		fmt.Println()
		return true
	})
}

func runParse(cmd *cobra.Command, args []string) error {
	sourcesPath, _ := cmd.Flags().GetString("sources")
	rulesPath, _ := cmd.Flags().GetString("rules")
	program, _, closer, err := loadProgram(sourcesPath, rulesPath)
	if closer != nil {
		defer closer()
	}
	if err != nil {
		return err
	}
	fmt.Printf("OK: %d predicates, %d rules\n", program.NPredicates(), len(program.Rules()))
	return nil
}
