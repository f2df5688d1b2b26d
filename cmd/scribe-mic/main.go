// scribe-mic is the edge capture client. It owns the microphone, frames
// PCM into fixed-duration chunks, and streams them to the relay service,
// printing transcripts and spoken-confirmation feedback as they arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openscribe/scribe-core/internal/capture"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath   string
		providerHint string
		showVersion  bool
	)

	flag.StringVar(&configPath, "config", "scribe.yaml", "Path to configuration file")
	flag.StringVar(&providerHint, "provider", "", "Preferred speech backend (alpha or bravo)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := capture.NewClient(cfg.Capture, logger)
	handle, err := client.StartSession(ctx, providerHint)
	if err != nil {
		logger.Error("failed to start capture session", slog.String("error", err.Error()))
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		handle.Stop()
	}()

	for msg := range handle.Events() {
		switch msg.Type {
		case protocol.StreamMsgWelcome:
			fmt.Printf("session %s (provider %s)\n", msg.Welcome.SessionID, msg.Welcome.Provider)
		case protocol.StreamMsgTranscript:
			marker := " "
			if msg.Transcript.Final {
				marker = "*"
			}
			speaker := msg.Transcript.SpeakerLabel
			if speaker == "" {
				speaker = "?"
			}
			fmt.Printf("%s [%s] %s\n", marker, speaker, msg.Transcript.Text)
		case protocol.StreamMsgFeedback:
			if msg.Feedback.Error != "" {
				fmt.Printf("! %s\n", msg.Feedback.Error)
			} else {
				fmt.Printf("> %s\n", msg.Feedback.Message)
			}
		case protocol.StreamMsgError:
			fmt.Fprintf(os.Stderr, "stream error: %s\n", msg.Error)
		}
	}

	handle.Stop()
	if err := handle.Err(); err != nil {
		logger.Error("capture session ended with error",
			slog.String("error", err.Error()),
			slog.Uint64("dropped_frames", handle.Dropped()))
		os.Exit(1)
	}
	logger.Info("capture session complete", slog.Uint64("dropped_frames", handle.Dropped()))
}
