package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"voxelbot.ai/internal/agent/config"
	"voxelbot.ai/internal/agent/escalate"
	"voxelbot.ai/internal/agent/retrieve"
	"voxelbot.ai/internal/agent/scoring"
	"voxelbot.ai/internal/agent/trace"
	"voxelbot.ai/internal/geom"
	"voxelbot.ai/internal/transport/ws"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: agent [flags] <command>

commands:
  mine x,y,z [x,y,z ...]   walk to and break the first reachable block
  pickup ITEM              collect the nearest dropped ITEM

flags:
`)
	flag.PrintDefaults()
}

func main() {
	var (
		configPath = flag.String("config", "./configs/agent.yaml", "agent config path (empty for built-in defaults)")
		url        = flag.String("url", "", "ws url (overrides config)")
		name       = flag.String("name", "", "agent name (overrides config)")
		traceDir   = flag.String("trace", "", "attempt trace directory (overrides config)")
		resume     = flag.String("resume", "", "resume token of an existing agent")
	)
	flag.Usage = usage
	flag.Parse()

	logger := log.New(os.Stdout, "[agent] ", log.LstdFlags|log.Lmicroseconds)

	path := strings.TrimSpace(*configPath)
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			logger.Printf("config %s not found, using defaults", path)
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if v := strings.TrimSpace(*url); v != "" {
		cfg.Client.URL = v
	}
	if v := strings.TrimSpace(*name); v != "" {
		cfg.Client.AgentName = v
	}
	if v := strings.TrimSpace(*traceDir); v != "" {
		cfg.Trace.Dir = v
	}

	tables := scoring.Defaults()
	if cfg.Scoring != "" {
		if tables, err = scoring.Load(cfg.Scoring); err != nil {
			logger.Fatalf("load scoring: %v", err)
		}
	}

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := args[0]
	var targets []geom.BlockPos
	switch cmd {
	case "mine":
		for _, a := range args[1:] {
			p, err := parsePos(a)
			if err != nil {
				logger.Fatalf("bad target %q: %v", a, err)
			}
			targets = append(targets, p)
		}
	case "pickup":
	default:
		usage()
		os.Exit(2)
	}

	if err := run(cfg, tables, cmd, args[1], targets, *resume, logger); err != nil {
		logger.Printf("%s: %v", cmd, err)
		os.Exit(1)
	}
	logger.Printf("%s: done", cmd)
}

func run(cfg config.Config, tables scoring.Tables, cmd, item string, targets []geom.BlockPos, resume string, logger *log.Logger) error {
	var sink trace.Sink
	if cfg.Trace.Dir != "" {
		rec := trace.NewRecorder(cfg.Trace.Dir, logger)
		defer rec.Close()
		sink = rec
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	client, err := ws.Dial(dialCtx, ws.Options{
		URL:              cfg.Client.URL,
		AgentName:        cfg.Client.AgentName,
		MaxQueue:         cfg.Client.MaxQueue,
		MineTimeoutTicks: cfg.Client.MineTimeoutTicks,
		ResumeToken:      resume,
	}, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	planner := ws.NewPlanner(client, logger)
	switch cmd {
	case "mine":
		esc := escalate.New(escalate.Deps{
			Planner:   planner,
			World:     client,
			Inventory: client,
			Agent:     client,
			Actions:   client,
			Scoring:   tables,
			Logger:    logger,
			Trace:     sink,
		}, cfg.EscalateOptions())
		return esc.Achieve(ctx, targets)
	case "pickup":
		tr := retrieve.New(retrieve.Deps{
			Planner:   planner,
			Finder:    client,
			Inventory: client,
			Clock:     client,
			Logger:    logger,
			Trace:     sink,
		}, cfg.RetrieveOptions())
		return tr.Retrieve(ctx, item)
	}
	return nil
}

// parsePos reads "x,y,z".
func parsePos(s string) (geom.BlockPos, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return geom.BlockPos{}, fmt.Errorf("want x,y,z")
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return geom.BlockPos{}, err
		}
		v[i] = n
	}
	return geom.FromArray(v), nil
}
