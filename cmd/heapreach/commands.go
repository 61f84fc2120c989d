// ABOUTME: Cobra command tree for heapreach: mark and paths over a heap dump
// ABOUTME: Merges the YAML config with flags and wires logging, progress and metrics

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/prateek/heapreach"
	"github.com/prateek/heapreach/config"
	"github.com/prateek/heapreach/graph"
	"github.com/prateek/heapreach/heapdump"
	_ "github.com/prateek/heapreach/heapdump/goheap"
	"github.com/prateek/heapreach/internal/logging"
	"github.com/prateek/heapreach/marker"
	"github.com/prateek/heapreach/paths"
	"github.com/prateek/heapreach/progress"
)

// progressSteps is roughly how many progress lines a run logs
const progressSteps = 10

type rootOptions struct {
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string
}

// env is what every subcommand needs once flags are parsed
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
	stop   func()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "heapreach",
		Short:         "Reachability and shortest paths from GC roots in heap dumps",
		Version:       heapreach.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	root.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	root.AddCommand(newMarkCmd(opts), newPathsCmd(opts))
	return root
}

func (o *rootOptions) setup(cmd *cobra.Command) (*env, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	e := &env{cfg: cfg, logger: logger, out: cmd.OutOrStdout(), stop: func() {}}
	if o.metricsAddr != "" {
		ln, err := net.Listen("tcp", o.metricsAddr)
		if err != nil {
			return nil, fmt.Errorf("metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		srv := &http.Server{Handler: mux}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", ln.Addr().String())
		e.stop = func() { srv.Close() }
	}
	return e, nil
}

func newMarkCmd(opts *rootOptions) *cobra.Command {
	var (
		strategy string
		threads  int
	)
	cmd := &cobra.Command{
		Use:   "mark DUMP",
		Short: "Count the objects reachable from the GC roots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer e.stop()

			if cmd.Flags().Changed("strategy") {
				e.cfg.Marker.Strategy = strategy
			}
			if cmd.Flags().Changed("threads") {
				e.cfg.Marker.Threads = threads
			}
			if err := e.cfg.Validate(); err != nil {
				return err
			}
			return runMark(cmd, e, args[0])
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "single", "marking strategy: single or multi")
	cmd.Flags().IntVar(&threads, "threads", 0, "worker count for the multi strategy (0 uses GOMAXPROCS)")
	return cmd
}

func runMark(cmd *cobra.Command, e *env, path string) error {
	g, err := heapdump.OpenFile(path)
	if err != nil {
		return err
	}

	roots := g.GCRoots()
	bits := make([]bool, g.NumObjects())
	m := marker.New(roots, bits, g,
		marker.WithStrategy(e.cfg.Strategy()),
		marker.WithThreads(e.cfg.Marker.Threads),
		marker.WithInlineDepth(e.cfg.Marker.InlineDepth),
		marker.WithListener(progress.NewLogging(e.logger, max(1, len(roots)/progressSteps))),
		marker.WithLogger(e.logger),
	)

	var marked int
	if descs := e.cfg.Descriptors(g); len(descs) > 0 {
		if e.cfg.Strategy() != marker.SingleThreaded {
			e.logger.Warn("exclusions are only supported single-threaded, falling back", "strategy", e.cfg.Strategy())
		}
		marked, err = m.MarkSingleThreadedExcluding(cmd.Context(), descs, g)
	} else {
		marked, err = m.Mark(cmd.Context())
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(e.out, "objects:     %d\n", g.NumObjects())
	fmt.Fprintf(e.out, "roots:       %d\n", len(roots))
	fmt.Fprintf(e.out, "reachable:   %d\n", marked)
	fmt.Fprintf(e.out, "unreachable: %d\n", g.NumObjects()-marked)
	return nil
}

func newPathsCmd(opts *rootOptions) *cobra.Command {
	var (
		targets  []int
		excludes []string
	)
	cmd := &cobra.Command{
		Use:   "paths DUMP",
		Short: "Print a shortest path from the GC roots to each target object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer e.stop()

			for _, t := range targets {
				e.cfg.Paths.Targets = append(e.cfg.Paths.Targets, graph.ObjID(t))
			}
			for _, arg := range excludes {
				e.cfg.Exclusions = append(e.cfg.Exclusions, parseExclude(arg))
			}
			if err := e.cfg.Validate(); err != nil {
				return err
			}
			if len(e.cfg.Paths.Targets) == 0 {
				return errors.New("no targets: pass --target or set paths.targets in the config")
			}
			return runPaths(cmd, e, args[0])
		},
	}
	cmd.Flags().IntSliceVar(&targets, "target", nil, "target object id (repeatable, comma separated)")
	cmd.Flags().StringArrayVar(&excludes, "exclude", nil, "exclude CLASS or CLASS:field,field from the search (repeatable)")
	return cmd
}

// parseExclude reads CLASS or CLASS:field,field
func parseExclude(arg string) config.Exclusion {
	class, fields, ok := strings.Cut(arg, ":")
	e := config.Exclusion{Class: strings.TrimSpace(class)}
	if ok {
		for _, f := range strings.Split(fields, ",") {
			if f = strings.TrimSpace(f); f != "" {
				e.Fields = append(e.Fields, f)
			}
		}
	}
	return e
}

func runPaths(cmd *cobra.Command, e *env, path string) error {
	g, err := heapdump.OpenFile(path)
	if err != nil {
		return err
	}

	every := max(1, (g.NumObjects()/max(10, g.NumObjects()/1000))/progressSteps)
	c := paths.NewComputer(g, g, e.cfg.Paths.Targets, e.cfg.ClassExclusions(g),
		paths.WithListener(progress.NewLogging(e.logger, every)),
		paths.WithLogger(e.logger),
	)
	found, err := c.AllPaths(cmd.Context())
	if err != nil {
		return err
	}

	byTarget := make(map[graph.ObjID][]graph.ObjID, len(found))
	for _, p := range found {
		byTarget[p[0]] = p
	}
	printed := make(map[graph.ObjID]bool)
	for _, t := range e.cfg.Paths.Targets {
		if printed[t] {
			continue
		}
		printed[t] = true
		p, ok := byTarget[t]
		if !ok {
			fmt.Fprintf(e.out, "%d: unreachable\n", t)
			continue
		}
		hops := make([]string, len(p))
		for i, id := range p {
			hops[i] = describe(g, id)
		}
		fmt.Fprintf(e.out, "%d: %s\n", t, strings.Join(hops, " <- "))
	}
	return nil
}

func describe(g graph.Graph, id graph.ObjID) string {
	if obj := g.GetObject(id); obj != nil && obj.Type != "" {
		return fmt.Sprintf("%d (%s)", id, obj.Type)
	}
	return fmt.Sprint(id)
}
