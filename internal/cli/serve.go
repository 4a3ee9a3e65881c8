package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkdlm/rangedl/internal/config"
	"github.com/mkdlm/rangedl/internal/dlm"
	"github.com/mkdlm/rangedl/internal/server"
)

var (
	serveAddr        string
	serveMaxParallel int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control API for managing downloads remotely",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			fail(err)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default :8080)")
	serveCmd.Flags().IntVar(&serveMaxParallel, "max-parallel", 0, "max concurrent downloads (0 = unbounded)")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg := config.LoadOrDefault()

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	if addr == "" {
		addr = ":8080"
	}

	maxParallel := serveMaxParallel
	if maxParallel == 0 {
		maxParallel = cfg.Server.MaxConcurrent
	}

	manager := dlm.NewManager(maxParallel)
	srv := server.New(manager, cfg.OutputDir)

	fmt.Printf("rangedl serving on %s (max parallel: %d)\n", addr, maxParallel)
	return srv.Run(addr)
}
