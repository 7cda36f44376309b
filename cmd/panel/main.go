package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"candy-panel/internal/config"
	"candy-panel/internal/database"
	"candy-panel/internal/service"
	"candy-panel/logger"
	"candy-panel/web"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "candy-panel",
	Short: "Central panel for a fleet of WireGuard servers",
	RunE:  runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web panel and the fleet poller",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openDB(true)
		if err != nil {
			return err
		}
		defer database.Close(db)
		fmt.Println("database schema is up to date")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API tokens for the command surface",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create or rotate an API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettings(cmd.Context(), func(s *service.SettingService) error {
			token, err := s.PutAPIToken(cmd.Context(), args[0], "")
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", args[0], token)
			return nil
		})
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API token names",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettings(cmd.Context(), func(s *service.SettingService) error {
			names, err := s.APITokenNames(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		})
	},
}

var tokenDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Revoke an API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettings(cmd.Context(), func(s *service.SettingService) error {
			return s.DeleteAPIToken(cmd.Context(), args[0])
		})
	},
}

var adminCmd = &cobra.Command{
	Use:   "admin <username> <password>",
	Short: "Reset the panel administrator credentials",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettings(cmd.Context(), func(s *service.SettingService) error {
			if err := s.SetAdmin(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("administrator credentials updated")
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the TOML config file (defaults to $CANDY_CONFIG)")
	tokenCmd.AddCommand(tokenCreateCmd, tokenListCmd, tokenDeleteCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd, adminCmd)
}

// openDB loads the config, connects and migrates when asked to or when the
// config enables auto migration.
func openDB(migrate bool) (*config.PanelConfig, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger.InitLogger(logger.ParseLevel(cfg.LogLevel))

	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection error: %w", err)
	}
	if migrate || cfg.AutoMigrate {
		if err := database.AutoMigrate(db); err != nil {
			database.Close(db)
			return nil, nil, fmt.Errorf("database migration error: %w", err)
		}
	}
	return cfg, db, nil
}

func withSettings(ctx context.Context, fn func(*service.SettingService) error) error {
	cfg, db, err := openDB(false)
	if err != nil {
		return err
	}
	defer database.Close(db)

	settings := service.NewSettingService(db)
	if err := settings.Seed(ctx, cfg.AdminUser, cfg.AdminPassword); err != nil {
		return err
	}
	return fn(settings)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, db, err := openDB(false)
	if err != nil {
		return err
	}
	defer database.Close(db)

	server := web.NewServer(cfg, db)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start panel: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down:", sig)
	return server.Stop()
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
