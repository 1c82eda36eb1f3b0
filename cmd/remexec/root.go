package main

import (
	"context"
	"fmt"

	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/pkg/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	mongoURI   string
	mongoDB    string
	mongoColl  string
	configID   string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "remexec",
	Short: "Run shell actions on SSH hosts, in containers or locally",
	Long: "remexec runs a shell action against an ordered list of targets, streaming its output " +
		"and stopping at the first target that succeeds.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&mongoURI, "mongo-uri", "", "load configuration from MongoDB at this URI instead of a file")
	rootCmd.PersistentFlags().StringVar(&mongoDB, "mongo-db", "remexec", "MongoDB database holding the configuration")
	rootCmd.PersistentFlags().StringVar(&mongoColl, "mongo-coll", "config", "MongoDB collection holding the configuration")
	rootCmd.PersistentFlags().StringVar(&configID, "config-id", "default", "_id of the configuration document")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print remexec version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "remexec", version)
	},
}

// openStore returns the configuration store selected by the flags, or nil
// when neither a file nor a MongoDB URI was given.
func openStore(ctx context.Context, logger lg.Logger) (config.Store, error) {
	switch {
	case mongoURI != "":
		return config.NewStore(ctx, config.MongoStore, &config.MongoConfig{
			URI:      mongoURI,
			DBName:   mongoDB,
			CollName: mongoColl,
			ID:       configID,
		}, logger)
	case configPath != "":
		return config.NewStore(ctx, config.FileStore, &config.FileConfig{Path: configPath}, logger)
	default:
		return nil, nil
	}
}

func closeStore(ctx context.Context, store config.Store) {
	if c, ok := store.(interface{ Close(context.Context) error }); ok {
		_ = c.Close(ctx)
	}
}

// loadConfig reads the configuration and builds the logger it asks for.
// Without a store the local executor is used.
func loadConfig(ctx context.Context, store config.Store) (*config.Config, lg.Logger, error) {
	var cfg *config.Config
	if store == nil {
		cfg = &config.Config{Executor: config.ExecutorLocal}
		cfg.ApplyDefaults()
	} else {
		var err error
		if cfg, err = config.Load(ctx, store); err != nil {
			return nil, nil, err
		}
	}
	if debug {
		cfg.Log.Debug = true
	}
	return cfg, lg.New(&cfg.Log), nil
}

// bootstrapLogger is used until the configuration names its own logging.
func bootstrapLogger() lg.Logger {
	return lg.New(&lg.Config{ServiceName: "remexec", Debug: debug, Format: "console"})
}
