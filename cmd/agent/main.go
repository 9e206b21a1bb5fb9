package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voicewire-ai/voicewire/pkg/audio"
	"github.com/voicewire-ai/voicewire/pkg/devices/malgodev"
	"github.com/voicewire-ai/voicewire/pkg/session"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	apiKey := os.Getenv("VOICEWIRE_API_KEY")
	if apiKey == "" {
		log.Fatal("Error: VOICEWIRE_API_KEY must be set.")
	}

	cfg := session.DefaultConfig()
	cfg.APIKey = apiKey
	if ep := os.Getenv("VOICEWIRE_ENDPOINT"); ep != "" {
		cfg.Endpoint = ep
	}
	if voice := os.Getenv("VOICEWIRE_VOICE"); voice != "" {
		cfg.Voice = voice
	}

	instruction := strings.Join(os.Args[1:], " ")
	if instruction == "" {
		instruction = os.Getenv("VOICEWIRE_INSTRUCTION")
	}
	if instruction == "" {
		instruction = "You are a helpful and concise voice assistant. Use short sentences suitable for speech."
	}

	logger := &session.SlogLogger{L: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))}

	transport := session.NewWebsocketTransport(cfg, logger)
	mic := malgodev.NewCaptureDevice(cfg.InputSampleRate, cfg.Channels)
	speaker := malgodev.NewOutputDevice(cfg.OutputSampleRate, cfg.Channels)
	ctrl := session.NewController(transport, mic, speaker, cfg, logger)

	var recorder *audio.Recorder
	recordPath := os.Getenv("VOICEWIRE_RECORD")
	if recordPath != "" {
		recorder = audio.NewRecorder(cfg.OutputSampleRate)
		ctrl.SetAudioTap(func(buf session.DecodedBuffer) {
			recorder.Write(session.EncodePCM16(buf.Samples))
		})
	}

	fmt.Printf("Configured: endpoint=%s | voice=%s | input=%dHz | output=%dHz\n",
		cfg.Endpoint, cfg.Voice, cfg.InputSampleRate, cfg.OutputSampleRate)
	fmt.Println("Voice agent started! Speak into the microphone.")
	fmt.Println("Press Ctrl+C to exit")

	go func() {
		for event := range ctrl.Events() {
			switch event.Type {
			case session.StatusChanged:
				st := event.Data.(session.StatusUpdate)
				if st.Message != "" {
					fmt.Printf("\r\033[K[STATUS] %s: %s\n", st.State, st.Message)
				} else {
					fmt.Printf("\r\033[K[STATUS] %s\n", st.State)
				}
			case session.TranscriptUpdated:
				u := event.Data.(session.TranscriptUpdate)
				who := "YOU"
				if u.Speaker == session.SpeakerRemote {
					who = "AGENT"
				}
				if u.TurnComplete {
					fmt.Printf("\r\033[K[%s] %s\n", who, u.Text)
				} else {
					fmt.Printf("\r\033[K[%s] %s", who, u.Text)
				}
			case session.SpeechActivity:
				a := event.Data.(session.ActivityUpdate)
				if a.Speaking {
					fmt.Printf("\r\033[K[MIC] speaking...\n")
				}
			case session.AudioLevel:
				l := event.Data.(session.LevelUpdate)
				meter := ""
				dots := int(l.Level * 200)
				if dots > 40 {
					dots = 40
				}
				for i := 0; i < dots; i++ {
					meter += "|"
				}
				fmt.Printf("\r[MIC %-40s] %.4f", meter, l.Level)
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Connect(ctx, instruction); err != nil {
		log.Fatalf("connect failed: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Printf("\nShutting down...\n")

	ctrl.Disconnect()

	if recorder != nil {
		if err := recorder.Save(recordPath); err != nil {
			log.Printf("failed to save recording: %v", err)
		} else {
			fmt.Printf("Saved agent audio to %s\n", recordPath)
		}
	}
}
