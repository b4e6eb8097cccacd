package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/andreyvit/docdb"
	"github.com/andreyvit/docdb/internal/config"
	"github.com/andreyvit/docdb/internal/logging"
)

func main() {
	if err := newRootCmd(config.NewViper()).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the state shared by subcommands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
	db      *docdb.Database
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	a := &app{v: v}
	root := &cobra.Command{
		Use:          "docdb",
		Short:        "Inspect and maintain a docdb database",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "Path to configuration file")
	flags.StringP("db", "d", "", "Database path (file for bolt, directory for pebble)")
	flags.String("backend", v.GetString("database.backend"), "Storage backend (bolt, pebble)")
	flags.String("attachments", "", "Attachments directory (default \"<db> attachments\")")
	flags.String("log-level", v.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.BoolP("verbose", "v", false, "Log every database operation")
	bindFlag(v, root, "database.path", "db")
	bindFlag(v, root, "database.backend", "backend")
	bindFlag(v, root, "database.attachments_dir", "attachments")
	bindFlag(v, root, "log.level", "log-level")
	bindFlag(v, root, "log.verbose", "verbose")

	root.AddCommand(
		a.infoCmd(),
		a.getCmd(),
		a.putCmd(),
		a.deleteCmd(),
		a.purgeCmd(),
		a.changesCmd(),
		a.allDocsCmd(),
		a.compactCmd(),
		a.dumpCmd(),
		a.localCmd(),
	)
	return root
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// runE closes the database when fn fails, since cobra skips post-run hooks
// after an error.
func (a *app) runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if err != nil {
			_ = a.close()
		}
		return err
	}
}

func (a *app) open() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return err
			}
			return fmt.Errorf("config file %s not found", a.cfgFile)
		}
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.logger, err = logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	backend, err := docdb.ParseBackend(cfg.Backend)
	if err != nil {
		return err
	}
	a.db, err = docdb.Open(cfg.DatabasePath, docdb.Options{
		Backend:           backend,
		Logger:            a.logger,
		Verbose:           cfg.Verbose,
		AttachmentsDir:    cfg.AttachmentsDir,
		DocumentCacheSize: cfg.CacheSize,
		MaxRevTreeDepth:   cfg.MaxRevTreeDepth,
	})
	return err
}

func (a *app) close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return err
}
