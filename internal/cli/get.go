package cli

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mkdlm/rangedl/internal/config"
	"github.com/mkdlm/rangedl/internal/dlm"
	"github.com/mkdlm/rangedl/internal/dlm/transport"
	"github.com/mkdlm/rangedl/internal/tui"
)

var (
	getOutput    string
	getSlots     int
	getChunkSize int64
)

var getCmd = &cobra.Command{
	Use:   "get <url> [mirror-url...]",
	Short: "Download a file, optionally from several mirrors at once",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runGet(args); err != nil {
			fail(err)
		}
	},
}

func init() {
	getCmd.Flags().StringVarP(&getOutput, "output", "o", "", "output directory")
	getCmd.Flags().IntVarP(&getSlots, "slots", "s", 0, "max concurrent connections")
	getCmd.Flags().Int64Var(&getChunkSize, "chunk-size", 0, "minimum chunk size in bytes before a split")
	rootCmd.AddCommand(getCmd)
}

func runGet(urls []string) error {
	cfg := config.LoadOrDefault()

	output := getOutput
	if output == "" {
		output = cfg.OutputDir
	}

	fetcher := fetcherFor(urls[0])
	name := filenameFromURL(urls[0])
	d := dlm.NewDownload(uuid.NewString(), output, name, fetcher)

	for _, u := range urls {
		src := d.AddSource(u)
		applySourceDefaults(src, cfg)
	}

	if getSlots > 0 {
		d.SetMaxSlot(getSlots)
	} else if cfg.MaxSlot > 0 {
		d.SetMaxSlot(cfg.MaxSlot)
	}
	if getChunkSize > 0 {
		d.SetChunkSize(getChunkSize)
	} else if cfg.ChunkSize > 0 {
		d.SetChunkSize(cfg.ChunkSize)
	}

	meter := dlm.NewDownloadMeter()
	meter.AddDownload(d)

	return tui.Run(d, meter)
}

func applySourceDefaults(src *dlm.Source, cfg *config.Config) {
	if cfg.MaxRedirects > 0 {
		src.SetMaxRedirects(cfg.MaxRedirects)
	}
	if cfg.MaxRetries != 0 {
		src.SetMaxRetries(cfg.MaxRetries)
	}
	if cfg.WaitTime > 0 {
		src.SetWaitTime(time.Duration(cfg.WaitTime) * time.Second)
	}
	if cfg.ConnectTimeout > 0 {
		src.SetConnectTimeout(time.Duration(cfg.ConnectTimeout) * time.Second)
	}
	if cfg.UserAgent != "" {
		src.SetUserAgent(cfg.UserAgent)
	}
}

func fetcherFor(rawURL string) dlm.Fetcher {
	if len(rawURL) >= 6 && rawURL[:6] == "ftp://" {
		return transport.NewFTPFetcher()
	}
	return transport.NewHTTPFetcher()
}

func filenameFromURL(rawURL string) string {
	base := filepath.Base(rawURL)
	if base == "" || base == "." || base == "/" {
		return "download"
	}
	return base
}
