package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/cuemby/vgraph/pkg/client"
	"github.com/cuemby/vgraph/pkg/config"
	"github.com/cuemby/vgraph/pkg/log"
	"github.com/cuemby/vgraph/pkg/metaindex"
	"github.com/cuemby/vgraph/pkg/storage"
	"github.com/cuemby/vgraph/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "vgraphctl",
	Short:   "vgraphctl drives an embedded vector+graph knowledge store",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("vgraphctl version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "", "Path to a yaml config file (defaults baked in if omitted)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(relateCmd)
	rootCmd.AddCommand(neighborsCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(statsCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// hashEmbedder is the CLI's built-in placeholder embedder: it derives a
// deterministic unit vector from the sum of the input text's code points so the store can
// be exercised without wiring a real embedding model. A production
// embedding application should construct client.Open with its own
// types.Embedder instead of going through this binary.
type hashEmbedder struct{ dim int }

func (e hashEmbedder) Dimensions() int      { return e.dim }
func (e hashEmbedder) ModelVersion() string { return "vgraphctl-hash-v1" }
func (e hashEmbedder) Embed(text string) ([]float32, error) {
	v := make([]float32, e.dim)
	var seed float64 = 1
	for _, c := range text {
		seed += float64(c)
	}
	var norm float64
	for i := range v {
		x := (seed + float64(i)*7)
		x = x - float64(int(x/97))*97 - 48
		v[i] = float32(x)
		norm += x * x
	}
	if norm == 0 {
		norm = 1
	}
	scale := 1 / math.Sqrt(norm)
	for i := range v {
		v[i] *= float32(scale)
	}
	return v, nil
}
func (e hashEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var err error
		out[i], err = e.Embed(t)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func openClient(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return client.Open(context.Background(), cfg, storage.Deps{Embedder: hashEmbedder{dim: cfg.Dimension}})
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the store and rebuild every index from a full scan",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		defer c.Close(context.Background())
		fmt.Println("store initialized")
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add KIND CONTENT",
	Short: "Embed and persist a new noun",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, content := args[0], args[1]
		metaJSON, _ := cmd.Flags().GetString("metadata")

		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close(context.Background())

		var metadata map[string]any
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &metadata); err != nil {
				return fmt.Errorf("invalid --metadata json: %w", err)
			}
		}

		n, err := c.Add(context.Background(), types.NounKind(kind), content, metadata)
		if err != nil {
			return fmt.Errorf("failed to add noun: %w", err)
		}

		fmt.Printf("added %s\n", n.ID)
		fmt.Printf("  kind: %s\n", n.Kind)
		return nil
	},
}

var findCmd = &cobra.Command{
	Use:   "find FIELD OP VALUE",
	Short: "Find nouns matching a single metadata predicate",
	Long: `Find nouns matching a single metadata predicate.

Examples:
  vgraphctl find type equals Person
  vgraphctl find date greaterEqual 1709251200000`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, op, value := args[0], args[1], args[2]

		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close(context.Background())

		nouns, err := c.Find(context.Background(), metaindex.Predicate{
			Field: field,
			Op:    metaindex.Op(op),
			Value: parsePredicateValue(value),
		})
		if err != nil {
			return fmt.Errorf("find failed: %w", err)
		}

		if len(nouns) == 0 {
			fmt.Println("no matches")
			return nil
		}
		fmt.Printf("%-36s %-12s %s\n", "ID", "KIND", "METADATA")
		for _, n := range nouns {
			fmt.Printf("%-36s %-12s %v\n", n.ID, n.Kind, n.Metadata)
		}
		return nil
	},
}

var similarCmd = &cobra.Command{
	Use:   "similar ID",
	Short: "Find the k nearest nouns to an existing noun's vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		k, _ := cmd.Flags().GetInt("k")

		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close(context.Background())

		results, err := c.SimilarToID(context.Background(), id, k, nil)
		if err != nil {
			return fmt.Errorf("similar failed: %w", err)
		}

		fmt.Printf("%-36s %-10s\n", "ID", "SCORE")
		for _, r := range results {
			fmt.Printf("%-36s %.4f\n", r.ID, r.Score)
		}
		return nil
	},
}

var relateCmd = &cobra.Command{
	Use:   "relate FROM_ID TO_ID KIND",
	Short: "Create a directed edge between two existing nouns",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromID, toID, kind := args[0], args[1], args[2]

		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close(context.Background())

		v, err := c.Relate(context.Background(), fromID, toID, types.VerbKind(kind), nil, nil)
		if err != nil {
			return fmt.Errorf("relate failed: %w", err)
		}

		fmt.Printf("related %s -> %s (%s): %s\n", fromID, toID, kind, v.ID)
		return nil
	},
}

var neighborsCmd = &cobra.Command{
	Use:   "neighbors ID KIND",
	Short: "List a noun's outgoing edges of a given kind",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, kind := args[0], args[1]
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close(context.Background())

		edges, err := c.Neighbors(context.Background(), id, types.VerbKind(kind), types.DirectionOut, 1, limit)
		if err != nil {
			return fmt.Errorf("neighbors failed: %w", err)
		}

		if len(edges) == 0 {
			fmt.Println("no edges")
			return nil
		}
		for _, e := range edges {
			fmt.Printf("%s -[%s]-> %s\n", e.FromID, e.Kind, e.ToID)
		}
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Physically strip tombstoned entries from every index",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close(context.Background())

		if err := c.Compact(context.Background()); err != nil {
			return fmt.Errorf("compact failed: %w", err)
		}
		fmt.Println("compaction complete")
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report cache footprint and tombstone count",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close(context.Background())

		stats := c.Stats()
		fmt.Printf("tombstones: %d\n", stats.TombstoneCount)
		fmt.Println("cache tiers:")
		for _, tier := range stats.CacheTiers {
			fmt.Printf("  %-12s %d bytes\n", tier.Tier, tier.SizeBytes)
		}
		return nil
	},
}

func init() {
	addCmd.Flags().String("metadata", "", "Metadata as a JSON object")
	similarCmd.Flags().Int("k", 5, "Number of neighbors to return")
	neighborsCmd.Flags().Int("limit", 0, "Maximum edges to return (0 means unlimited)")
}

// parsePredicateValue best-effort converts a CLI string argument into the
// numeric, boolean, or string type metaindex.Predicate.Value expects.
func parsePredicateValue(raw string) any {
	if raw == "true" || raw == "false" {
		return raw == "true"
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
