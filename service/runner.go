package service

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/mizosoft/graftchat"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// RunServer runs a chat server node with the standard CLI flags and shuts it down on SIGINT or SIGTERM.
func RunServer() {
	app := &cli.App{
		Name:  "graftchat",
		Usage: "Run a replicated chat server node",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "id",
				Usage:    "Server index in the cluster (required)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "service-addr",
				Usage: "HTTP address clients connect to (e.g., :8001)",
				Value: ":8000",
			},
			&cli.StringFlag{
				Name:     "join",
				Usage:    "Replica addresses by server index (e.g., 0=localhost:9000,1=localhost:9001)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Directory of the command log and snapshots (defaults to 'data<id>')",
			},
			&cli.IntFlag{
				Name:  "initial-leader",
				Usage: "Server index every replica starts out following",
			},
			&cli.StringFlag{
				Name:  "snapshot-backend",
				Value: graftchat.FileSnapshotBackend,
				Usage: "Snapshot store for sessions and hidden clients (file or badger)",
			},
			&cli.BoolFlag{
				Name:  "log-mmap",
				Usage: "Memory-map the command log when recovering",
			},
			&cli.BoolFlag{
				Name:  "sync-writes",
				Usage: "Fsync the command log after every append, disable with --sync-writes=false",
				Value: true,
			},
			&cli.DurationFlag{
				Name:  "proposal-timeout",
				Usage: "How long a leader waits for a quorum",
			},
			&cli.DurationFlag{
				Name:  "anti-entropy-interval",
				Usage: "Interval between pulls from each peer",
			},
			&cli.DurationFlag{
				Name:  "presence-timeout",
				Usage: "Inactivity after which users are removed from rooms",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Log output file (defaults to stderr)",
			},
		},
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(c *cli.Context) error {
	id := c.Int("id")
	dataDir := c.String("data-dir")
	if dataDir == "" {
		dataDir = "data" + strconv.Itoa(id)
	}

	clusterUrls, err := ParseAddressList(c.String("join"))
	if err != nil {
		return fmt.Errorf("parsing --join: %w", err)
	}

	logger, err := buildLogger(c.String("log-file"))
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	srv, err := NewChatService(c.String("service-addr"), graftchat.Config{
		Id:                  id,
		ClusterUrls:         clusterUrls,
		Dir:                 dataDir,
		InitialLeader:       c.Int("initial-leader"),
		ProposalTimeout:     c.Duration("proposal-timeout"),
		AntiEntropyInterval: c.Duration("anti-entropy-interval"),
		PresenceTimeout:     c.Duration("presence-timeout"),
		MemoryMapped:        c.Bool("log-mmap"),
		NoSync:              !c.Bool("sync-writes"),
		SnapshotBackend:     c.String("snapshot-backend"),
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return multiClose(srv, fmt.Errorf("starting server: %w", err))
	}

	// Wait for interrupt signal for graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	if err := srv.Close(); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	return nil
}

func multiClose(srv *ChatService, err error) error {
	if closeErr := srv.Close(); closeErr != nil {
		return fmt.Errorf("%w (closing: %v)", err, closeErr)
	}
	return err
}

func buildLogger(logFile string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if logFile != "" {
		cfg.OutputPaths = []string{logFile}
		cfg.ErrorOutputPaths = []string{logFile}
	}
	return cfg.Build()
}

// ParseAddressList parses "index=addr,index=addr,..." into addresses by server index. Indices must cover
// 0 to n-1.
func ParseAddressList(s string) ([]string, error) {
	byIndex := make(map[int]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid entry %q: expected 'index=address'", entry)
		}
		index, err := strconv.Atoi(parts[0])
		if err != nil || index < 0 {
			return nil, fmt.Errorf("invalid server index %q", parts[0])
		}
		if _, ok := byIndex[index]; ok {
			return nil, fmt.Errorf("duplicate server index %d", index)
		}
		byIndex[index] = parts[1]
	}

	indices := make([]int, 0, len(byIndex))
	for index := range byIndex {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	addresses := make([]string, len(indices))
	for i, index := range indices {
		if index != i {
			return nil, fmt.Errorf("missing server index %d", i)
		}
		addresses[i] = byIndex[index]
	}
	return addresses, nil
}
