package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/liliang-cn/sqregistry/pkg/core"
	"github.com/liliang-cn/sqregistry/pkg/graph"
	"github.com/liliang-cn/sqregistry/pkg/model"
	"github.com/liliang-cn/sqregistry/pkg/registry"
)

var (
	configPath string
	backendArg string
	dsnArg     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "sqregistry",
	Short:        "CLI tool for the feature metadata registry",
	Long:         `A command-line interface for managing entities and edges of the metadata graph, running traversals and searches, and maintaining the search index.`,
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the registry schema and search index",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, cfg, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		fmt.Printf("Registry initialized on %s (%s)\n", cfg.Backend.Kind, redactDSN(cfg.Backend.DSN))
		if cfg.Search.Path != "" {
			fmt.Printf("Search index at %s\n", cfg.Search.Path)
		}
		return nil
	},
}

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Manage registry entities",
}

var entityCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		typeStr, _ := cmd.Flags().GetString("type")
		attrStr, _ := cmd.Flags().GetString("attributes")
		idStr, _ := cmd.Flags().GetString("id")

		entityType, err := model.ParseEntityType(typeStr)
		if err != nil {
			return err
		}
		attrs, err := parseAttributes(attrStr)
		if err != nil {
			return err
		}
		in := registry.EntityInput{Type: entityType, Attributes: attrs}
		if idStr != "" {
			if in.ID, err = uuid.Parse(idStr); err != nil {
				return fmt.Errorf("invalid id: %w", err)
			}
		}

		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		entity, err := reg.CreateEntity(cmd.Context(), in)
		if err != nil {
			return fmt.Errorf("failed to create entity: %w", err)
		}
		return printEntity(cmd, entity)
	},
}

var entityNewCmd = &cobra.Command{
	Use:   "new <project|source|anchor|anchor_feature|derived_feature>",
	Short: "Create an entity together with its containment and input edges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, err := model.ParseEntityType(args[0])
		if err != nil {
			return err
		}
		attrStr, _ := cmd.Flags().GetString("attributes")
		idStr, _ := cmd.Flags().GetString("id")
		attrs, err := parseAttributes(attrStr)
		if err != nil {
			return err
		}
		def := registry.Definition{Attributes: attrs}
		if idStr != "" {
			if def.ID, err = uuid.Parse(idStr); err != nil {
				return fmt.Errorf("invalid id: %w", err)
			}
		}
		project, err := optionalID(cmd, "project")
		if err != nil {
			return err
		}
		if entityType != model.EntityProject && project == uuid.Nil {
			return fmt.Errorf("--project is required for %s", entityType)
		}

		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		ctx := cmd.Context()
		var entity *model.Entity
		switch entityType {
		case model.EntityProject:
			entity, err = reg.NewProject(ctx, def)
		case model.EntitySource:
			entity, err = reg.NewSource(ctx, project, def)
		case model.EntityAnchor:
			var source uuid.UUID
			if source, err = optionalID(cmd, "source"); err != nil {
				return err
			}
			entity, err = reg.NewAnchor(ctx, project, source, def)
		case model.EntityAnchorFeature:
			var anchor uuid.UUID
			if anchor, err = optionalID(cmd, "anchor"); err != nil {
				return err
			}
			if anchor == uuid.Nil {
				return fmt.Errorf("--anchor is required for %s", entityType)
			}
			entity, err = reg.NewAnchorFeature(ctx, project, anchor, def)
		case model.EntityDerivedFeature:
			raw, _ := cmd.Flags().GetStringSlice("input")
			inputs := make([]uuid.UUID, len(raw))
			for i, s := range raw {
				if inputs[i], err = uuid.Parse(s); err != nil {
					return fmt.Errorf("invalid input id %q: %w", s, err)
				}
			}
			entity, err = reg.NewDerivedFeature(ctx, project, inputs, def)
		}
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", entityType, err)
		}
		return printEntity(cmd, entity)
	},
}

var entityGetCmd = &cobra.Command{
	Use:   "get <id|qualified-name>",
	Short: "Get an entity by ID or qualified name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		var entity *model.Entity
		if id, perr := uuid.Parse(args[0]); perr == nil {
			entity, err = reg.GetEntity(cmd.Context(), id)
		} else {
			entity, err = reg.GetEntityByQualifiedName(cmd.Context(), args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to get entity: %w", err)
		}
		return printEntity(cmd, entity)
	},
}

var entityUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Replace the attributes of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attrStr, _ := cmd.Flags().GetString("attributes")
		version, _ := cmd.Flags().GetInt64("version")

		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		attrs, err := parseAttributes(attrStr)
		if err != nil {
			return err
		}

		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		entity, err := reg.UpdateEntity(cmd.Context(), id, attrs, version)
		if err != nil {
			return fmt.Errorf("failed to update entity: %w", err)
		}
		return printEntity(cmd, entity)
	},
}

var entityDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cascade, _ := cmd.Flags().GetBool("cascade")

		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}

		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		if err := reg.DeleteEntity(cmd.Context(), id, cascade); err != nil {
			return fmt.Errorf("failed to delete entity: %w", err)
		}
		fmt.Printf("Entity '%s' deleted\n", id)
		return nil
	},
}

var entityListCmd = &cobra.Command{
	Use:   "projects",
	Short: "List entry-point projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		projects, err := reg.GetEntryPoints(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list projects: %w", err)
		}
		return printEntities(cmd, projects)
	},
}

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Manage registry edges",
}

var edgeAddCmd = &cobra.Command{
	Use:   "add <from> <type> <to>",
	Short: "Add an edge between two entities",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		attrStr, _ := cmd.Flags().GetString("attributes")

		edge, err := parseEdge(args)
		if err != nil {
			return err
		}
		if edge.Attributes, err = parseAttributes(attrStr); err != nil {
			return err
		}

		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		if _, err := reg.CreateEdge(cmd.Context(), edge); err != nil {
			return fmt.Errorf("failed to add edge: %w", err)
		}
		fmt.Printf("Edge %s -[%s]-> %s added\n", edge.From, edge.Type, edge.To)
		return nil
	},
}

var edgeRemoveCmd = &cobra.Command{
	Use:   "rm <from> <type> <to>",
	Short: "Remove an edge",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		edge, err := parseEdge(args)
		if err != nil {
			return err
		}

		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		if err := reg.DeleteEdge(cmd.Context(), edge.From, edge.To, edge.Type); err != nil {
			return fmt.Errorf("failed to remove edge: %w", err)
		}
		fmt.Printf("Edge %s -[%s]-> %s removed\n", edge.From, edge.Type, edge.To)
		return nil
	},
}

var edgeListCmd = &cobra.Command{
	Use:   "list <id>",
	Short: "List edges of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dirStr, _ := cmd.Flags().GetString("direction")

		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		dir, err := model.ParseDirection(dirStr)
		if err != nil {
			return err
		}

		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		edges, err := reg.GetEdges(cmd.Context(), id, dir)
		if err != nil {
			return fmt.Errorf("failed to list edges: %w", err)
		}
		if jsonOutput(cmd) {
			return printJSON(edges)
		}
		fmt.Printf("Found %d edges\n", len(edges))
		for _, e := range edges {
			fmt.Printf("  %s -[%s]-> %s\n", e.From, e.Type, e.To)
		}
		return nil
	},
}

var neighborsCmd = &cobra.Command{
	Use:   "neighbors <id>",
	Short: "List entities reachable from an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dirStr, _ := cmd.Flags().GetString("direction")
		typeStrs, _ := cmd.Flags().GetStringSlice("edge-type")
		depth, _ := cmd.Flags().GetInt("depth")

		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		dir, err := model.ParseDirection(dirStr)
		if err != nil {
			return err
		}
		opts := registry.TraversalOptions{Direction: dir, Depth: depth}
		for _, s := range typeStrs {
			t, err := model.ParseEdgeType(s)
			if err != nil {
				return err
			}
			opts.EdgeTypes = append(opts.EdgeTypes, t)
		}

		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		entities, err := reg.GetNeighbors(cmd.Context(), id, opts)
		if err != nil {
			return fmt.Errorf("traversal failed: %w", err)
		}
		return printEntities(cmd, entities)
	},
}

var lineageCmd = &cobra.Command{
	Use:   "lineage <id>",
	Short: "Show upstream and downstream lineage of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")

		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}

		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		sub, err := reg.GetLineage(cmd.Context(), id, depth)
		if err != nil {
			return fmt.Errorf("lineage failed: %w", err)
		}
		return printSubgraph(cmd, sub)
	},
}

var projectCmd = &cobra.Command{
	Use:   "project <id>",
	Short: "Show a project and everything it contains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}

		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		sub, err := reg.GetProject(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("failed to get project: %w", err)
		}
		return printSubgraph(cmd, sub)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [text]",
	Short: "Full-text search over entities",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typeStrs, _ := cmd.Flags().GetStringSlice("type")
		scope, _ := cmd.Flags().GetString("scope")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		q := registry.SearchQuery{Scope: scope, Limit: limit, Offset: offset}
		if len(args) == 1 {
			q.Text = args[0]
		}
		for _, s := range typeStrs {
			t, err := model.ParseEntityType(s)
			if err != nil {
				return err
			}
			q.Types = append(q.Types, t)
		}

		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		entities, err := reg.Search(cmd.Context(), q)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		return printEntities(cmd, entities)
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		n, err := reg.ReindexAll(cmd.Context())
		if err != nil {
			return fmt.Errorf("reindex failed: %w", err)
		}
		fmt.Printf("Indexed %d entities\n", n)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the graph to a snapshot file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatStr, _ := cmd.Flags().GetString("format")
		format, err := graph.ParseExportFormat(formatStr)
		if err != nil {
			return err
		}

		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		file, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		if err := reg.Export(cmd.Context(), file, format); err != nil {
			_ = file.Close()
			return fmt.Errorf("export failed: %w", err)
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Printf("Graph exported to %s (%s)\n", args[0], format)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a snapshot file in one transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatStr, _ := cmd.Flags().GetString("format")
		replace, _ := cmd.Flags().GetBool("replace")

		var format graph.ExportFormat
		if formatStr != "" {
			var err error
			if format, err = graph.ParseExportFormat(formatStr); err != nil {
				return err
			}
		}

		file, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}
		defer func() { _ = file.Close() }()

		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		res, err := reg.Import(cmd.Context(), file, format, replace)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Printf("Imported %d entities and %d edges from %s\n", res.Entities, res.Edges, args[0])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display graph statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		stats, err := reg.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		if jsonOutput(cmd) {
			return printJSON(stats)
		}
		fmt.Println("Graph Statistics:")
		fmt.Printf("  Entity Count: %d\n", stats.EntityCount)
		fmt.Printf("  Edge Count: %d\n", stats.EdgeCount)
		for _, t := range model.EntityTypes() {
			if n := stats.EntitiesByType[string(t)]; n > 0 {
				fmt.Printf("    %s: %d\n", t, n)
			}
		}
		fmt.Printf("  Average Degree: %.2f\n", stats.AverageDegree)
		fmt.Printf("  Density: %.4f\n", stats.Density)
		fmt.Printf("  Connected Components: %d\n", stats.ConnectedComponents)
		return nil
	},
}

func loadConfig() (core.Config, error) {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return core.Config{}, err
	}
	if backendArg != "" {
		cfg.Backend.Kind = backendArg
	}
	if dsnArg != "" {
		cfg.Backend.DSN = dsnArg
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func openRegistry(ctx context.Context) (*registry.Registry, core.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := core.NewLogger(cfg.Log)
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to create logger: %w", err)
	}
	reg, err := registry.Open(ctx, cfg, registry.WithLogger(logger))
	if err != nil {
		core.Sync(logger)
		return nil, cfg, fmt.Errorf("failed to open registry: %w", err)
	}
	return reg, cfg, nil
}

func closeRegistry(reg *registry.Registry) {
	if err := reg.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
	}
}

func parseAttributes(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var attrs map[string]any
	if err := json.Unmarshal([]byte(s), &attrs); err != nil {
		return nil, fmt.Errorf("invalid attributes JSON: %w", err)
	}
	return attrs, nil
}

func optionalID(cmd *cobra.Command, flag string) (uuid.UUID, error) {
	s, _ := cmd.Flags().GetString(flag)
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s id: %w", flag, err)
	}
	return id, nil
}

func parseEdge(args []string) (model.Edge, error) {
	from, err := uuid.Parse(args[0])
	if err != nil {
		return model.Edge{}, fmt.Errorf("invalid from id: %w", err)
	}
	edgeType, err := model.ParseEdgeType(args[1])
	if err != nil {
		return model.Edge{}, err
	}
	to, err := uuid.Parse(args[2])
	if err != nil {
		return model.Edge{}, fmt.Errorf("invalid to id: %w", err)
	}
	return model.Edge{From: from, To: to, Type: edgeType}, nil
}

// redactDSN hides credentials of URL-style DSNs.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printEntity(cmd *cobra.Command, e *model.Entity) error {
	if jsonOutput(cmd) {
		return printJSON(e)
	}
	fmt.Printf("Entity ID: %s\n", e.ID)
	fmt.Printf("Type: %s\n", e.Type)
	fmt.Printf("Qualified Name: %s\n", e.QualifiedName())
	fmt.Printf("Version: %d\n", e.Version)
	if len(e.Attributes) > 0 {
		fmt.Printf("Attributes: %v\n", e.Attributes)
	}
	fmt.Printf("Created: %s\n", e.CreatedAt)
	fmt.Printf("Updated: %s\n", e.UpdatedAt)
	return nil
}

func printEntities(cmd *cobra.Command, entities []*model.Entity) error {
	if jsonOutput(cmd) {
		return printJSON(entities)
	}
	fmt.Printf("Found %d entities\n", len(entities))
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	for _, e := range entities {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", e.ID, e.Type, e.QualifiedName())
	}
	return w.Flush()
}

func printSubgraph(cmd *cobra.Command, sub *model.Subgraph) error {
	if jsonOutput(cmd) {
		return printJSON(sub)
	}
	if err := printEntities(cmd, sub.Entities); err != nil {
		return err
	}
	fmt.Printf("Found %d edges\n", len(sub.Edges))
	for _, e := range sub.Edges {
		fmt.Printf("  %s -[%s]-> %s\n", e.From, e.Type, e.To)
	}
	return nil
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "sqregistry.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&backendArg, "backend", "", "Override backend kind (sqlite/postgres/mysql/mssql)")
	rootCmd.PersistentFlags().StringVar(&dsnArg, "dsn", "", "Override backend DSN")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	// Entity commands
	entityCmd.AddCommand(entityCreateCmd, entityNewCmd, entityGetCmd, entityUpdateCmd, entityDeleteCmd, entityListCmd)
	entityCreateCmd.Flags().String("type", "", "Entity type")
	entityCreateCmd.Flags().String("attributes", "", "Attributes as JSON")
	entityCreateCmd.Flags().String("id", "", "Explicit entity ID")
	_ = entityCreateCmd.MarkFlagRequired("type")

	entityNewCmd.Flags().String("attributes", "", "Attributes as JSON")
	entityNewCmd.Flags().String("id", "", "Explicit entity ID")
	entityNewCmd.Flags().String("project", "", "Containing project ID")
	entityNewCmd.Flags().String("source", "", "Source consumed by a new anchor")
	entityNewCmd.Flags().String("anchor", "", "Anchor containing a new anchor feature")
	entityNewCmd.Flags().StringSlice("input", nil, "Input feature IDs of a new derived feature")

	entityUpdateCmd.Flags().String("attributes", "", "Attributes as JSON")
	entityUpdateCmd.Flags().Int64("version", 0, "Expected current version")
	_ = entityUpdateCmd.MarkFlagRequired("version")

	entityDeleteCmd.Flags().Bool("cascade", false, "Also remove incident edges")

	// Edge commands
	edgeCmd.AddCommand(edgeAddCmd, edgeRemoveCmd, edgeListCmd)
	edgeAddCmd.Flags().String("attributes", "", "Attributes as JSON")
	edgeListCmd.Flags().String("direction", "both", "Direction (in/out/both)")

	// Traversal commands
	neighborsCmd.Flags().String("direction", "out", "Direction (in/out/both)")
	neighborsCmd.Flags().StringSlice("edge-type", nil, "Edge types to follow")
	neighborsCmd.Flags().Int("depth", 1, "Maximum traversal depth")
	lineageCmd.Flags().Int("depth", 3, "Maximum lineage depth")

	// Search command
	searchCmd.Flags().StringSlice("type", nil, "Entity types to match")
	searchCmd.Flags().String("scope", "", "Container entity ID")
	searchCmd.Flags().Int("limit", 20, "Number of results")
	searchCmd.Flags().Int("offset", 0, "Results to skip")

	// Snapshot commands
	exportCmd.Flags().String("format", "json", "Snapshot format (json/graphml)")
	importCmd.Flags().String("format", "", "Snapshot format (json/graphml, detected when empty)")
	importCmd.Flags().Bool("replace", false, "Replace the existing graph")

	rootCmd.AddCommand(initCmd, entityCmd, edgeCmd, neighborsCmd, lineageCmd, projectCmd,
		searchCmd, reindexCmd, exportCmd, importCmd, statsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		log.Fatal(err)
	}
}
