package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	sqlitePath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "offlinesync",
	Short: "Offline-first sync engine: local outbox, push/pull cycles and realtime changes",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	// Los flags pisan a las variables de entorno
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite-path", "", "SQLite database path (SQLITE_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(outboxCmd)
}
