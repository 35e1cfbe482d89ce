package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/pathrelay/internal/config"
	"github.com/jmylchreest/pathrelay/internal/demux"
	"github.com/jmylchreest/pathrelay/internal/ffmpeg"
	"github.com/jmylchreest/pathrelay/internal/observability"
	"github.com/jmylchreest/pathrelay/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept ingress connections and run the streaming pipeline",
	Long: `serve listens for raw TCP connections carrying an MPEG-TS bitstream
(the simplest of the three ingress transports spec.md names; RTMP and SRT
listeners are external protocol-parser collaborators and are not
implemented by this binary) and, per accepted connection, runs one
pipeline.Runner: demux -> decode -> route -> transcode -> mux -> egress.

Each connection is resolved by a standalone Overseer that approves every
stream and configures a single passthrough HLS rendition. A production
deployment replaces it with an Overseer backed by the real
authorization/accounting/database service.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "address to accept raw MPEG-TS TCP ingress on (overrides server.host:server.port)")

	mustBindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// --log-level/--log-format override whatever the config file or
	// PATHRELAY_LOGGING_* env vars set, matching every other flag's
	// precedence in this CLI.
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Logging.Format = logFormat
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	if cfg.FFmpeg.BinaryPath == "" {
		detector := ffmpeg.NewBinaryDetector()
		binInfo, err := detector.Detect(cmd.Context())
		if err != nil {
			return fmt.Errorf("detecting ffmpeg binary: %w", err)
		}
		cfg.FFmpeg.BinaryPath = binInfo.FFmpegPath
		logger.Info("ffmpeg binary detected",
			slog.String("path", binInfo.FFmpegPath),
			slog.String("version", binInfo.Version),
			slog.Int("hwaccel_count", len(binInfo.HWAccels)))
	}

	listenAddr := viper.GetString("server.listen")
	if listenAddr == "" {
		listenAddr = cfg.Server.Address()
	}

	if err := os.MkdirAll(cfg.Storage.OutputRoot, 0o755); err != nil {
		return fmt.Errorf("creating output root: %w", err)
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddr, err)
	}
	defer ln.Close()

	logger.Info("pathrelayd listening", slog.String("address", listenAddr))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	acceptErrCh := make(chan error, 1)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				acceptErrCh <- err
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				serveConnection(ctx, conn, cfg, logger)
			}()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining active connections")
	case err := <-acceptErrCh:
		return fmt.Errorf("accept loop: %w", err)
	}

	_ = ln.Close()
	wg.Wait()
	logger.Info("pathrelayd stopped")
	return nil
}

// serveConnection runs one pipeline.Runner for the lifetime of a single
// accepted ingress connection: a reader goroutine copies raw bytes from
// the socket into the demuxer while the calling goroutine drives the
// runner's blocking loop, per spec.md 5's thread-per-connection model.
func serveConnection(ctx context.Context, conn net.Conn, cfg *config.Config, logger *slog.Logger) {
	defer conn.Close()

	connectionID := ulid.Make().String()
	connLogger := logger.With(slog.String("connection_id", connectionID), slog.String("peer", conn.RemoteAddr().String()))

	demuxer := demux.NewMPEGTSDemuxer(connLogger)
	defer demuxer.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if werr := demuxer.Write(buf[:n]); werr != nil {
					connLogger.Warn("demuxer write failed", slog.Any("error", werr))
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					connLogger.Debug("ingress read ended", slog.Any("error", err))
				}
				demuxer.Flush()
				return
			}
		}
	}()

	outputDir := cfg.Storage.PipelineRoot(connectionID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		connLogger.Error("creating pipeline output dir failed", slog.Any("error", err))
		return
	}

	ov := newStandaloneOverseer(connLogger, connectionID, cfg.Pipeline)

	runner := pipeline.New(connectionID, demuxer, ov, pipeline.Config{
		OutputDir:         outputDir,
		ThumbInterval:     cfg.Pipeline.ThumbnailInterval,
		StatsInterval:     cfg.Pipeline.StatsInterval,
		FFmpegBinary:      cfg.FFmpeg.BinaryPath,
		ReorderBufferSize: cfg.Pipeline.ReorderBufferFrames,
	}, connLogger)

	go func() {
		<-ctx.Done()
		runner.CommandChannel() <- pipeline.Command{Shutdown: true}
	}()

	if err := runner.Run(context.Background()); err != nil {
		connLogger.Warn("pipeline run ended with error", slog.Any("error", err))
	}

	<-readDone
}
