package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"nithronos/nosmigrate/internal/config"
	"nithronos/nosmigrate/internal/events"
	"nithronos/nosmigrate/internal/history"
	"nithronos/nosmigrate/internal/jobs"
	"nithronos/nosmigrate/internal/maintenance"
	"nithronos/nosmigrate/internal/migration"
	"nithronos/nosmigrate/internal/poollock"
	"nithronos/nosmigrate/internal/server"
	"nithronos/nosmigrate/internal/storage/zpool"
	"nithronos/nosmigrate/internal/txstore"
	"nithronos/nosmigrate/pkg/agentclient"
	"nithronos/nosmigrate/pkg/shell"
)

func applyFlags(c *config.Config, v *viper.Viper) {
	if s := strings.TrimSpace(v.GetString("state-dir")); s != "" {
		c.StateDir = filepath.Clean(s)
	}
	if s := strings.TrimSpace(v.GetString("agent-socket")); s != "" {
		c.AgentSocket = s
	}
	if s := v.GetString("log-level"); s != "" {
		if l, err := zerolog.ParseLevel(s); err == nil {
			c.LogLevel = l
		}
	}
}

type poolMutator interface {
	migration.PoolMutator
	jobs.Scrubber
}

// app holds the collaborators shared by every subcommand.
type app struct {
	logger    zerolog.Logger
	inventory *zpool.Inventory
	mutator   poolMutator
	agent     *agentclient.Client
	cmds      shell.Runner
	window    *maintenance.Window
	locks     *poollock.Locks
	history   *history.Store
	runner    *migration.Runner
}

func newApp(c config.Config) (*app, error) {
	logger := *server.Logger(c)
	a := &app{
		logger: logger,
		cmds:   shell.Exec{},
		window: maintenance.New(logger, c.MaintenancePath()),
		locks:  poollock.New(c.LocksDir()),
	}
	if c.AgentSocket != "" {
		if _, err := os.Stat(c.AgentSocket); err != nil {
			return nil, fmt.Errorf("agent socket: %w", err)
		}
		a.agent = agentclient.New(c.AgentSocket)
		a.cmds = &zpool.AgentRunner{Agent: a.agent}
		a.mutator = &zpool.AgentMutator{Agent: a.agent}
	} else {
		a.mutator = zpool.NewMutator(a.cmds)
	}
	a.inventory = zpool.NewInventory(a.cmds)
	h, err := history.Open(logger, c.HistoryPath())
	if err != nil {
		return nil, err
	}
	a.history = h
	a.runner = &migration.Runner{
		Deps: migration.Deps{
			Inventory:           a.inventory,
			Mutator:             a.mutator,
			Maintenance:         a.window,
			Sink:                events.LogSink{Logger: logger.With().Str("component", "migration").Logger()},
			Logger:              logger,
			PollInterval:        c.PollInterval,
			MaintenanceDuration: c.MaintenanceDuration(),
		},
		Txs:     txstore.New(c.TxDir()),
		History: h,
		Logger:  logger.With().Str("component", "runner").Logger(),
	}
	return a, nil
}

func (a *app) Close() error { return a.history.Close() }
