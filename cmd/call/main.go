package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/personacall-ai/personacall/pkg/capture"
	"github.com/personacall-ai/personacall/pkg/exchange"
	"github.com/personacall-ai/personacall/pkg/persona"
	"github.com/personacall-ai/personacall/pkg/playback"
	"github.com/personacall-ai/personacall/pkg/session"
)

const SampleRate = 16000

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	server := flag.String("server", envOr("PERSONACALL_SERVER", "http://localhost:8080"), "pipeline server base URL")
	personaID := flag.String("persona", envOr("PERSONACALL_PERSONA", "maya"), "persona to call")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := session.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	registry := persona.NewRegistry()
	if path := os.Getenv("PERSONACALL_PERSONAS"); path != "" {
		if err := registry.MergeFile(path); err != nil {
			log.Fatalf("Error: loading personas from %s: %v", path, err)
		}
	}

	cfg := session.DefaultConfig()
	cfg.PersonaID = *personaID

	sess, err := session.New(
		exchange.New(*server, logger),
		capture.New(SampleRate, logger),
		playback.NewSpeaker(logger),
		registry,
		cfg,
		logger,
	)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer sess.Close()

	go printEvents(sess)
	go micMeter(sess)

	if err := sess.StartCall(); err != nil {
		log.Fatalf("Error: %v", err)
	}

	fmt.Printf("Calling %s via %s (provider: %s)\n", sess.PersonaID(), *server, sess.Provider())
	printHelp()

	muted := false
	talking := false
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			if muted {
				fmt.Println("Muted. Type 'm' to unmute.")
				continue
			}
			if !talking {
				if err := sess.BeginRecording(); err != nil {
					fmt.Printf("\r\033[K[MIC] %s\n", deviceHint(err))
					continue
				}
				talking = true
				fmt.Println("Recording... press Enter to send.")
			} else {
				talking = false
				go submit(sess)
			}
		case line == "m":
			muted = !muted
			if muted && talking {
				talking = false
				go submit(sess)
			}
			fmt.Printf("Muted: %v\n", muted)
		case line == "v":
			fmt.Printf("Voice provider: %s\n", sess.ToggleProvider())
		case strings.HasPrefix(line, "p "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "p "))
			if err := sess.SwitchPersona(id); err != nil {
				fmt.Printf("Unknown persona %q. Available: %s\n", id, strings.Join(registry.IDs(), ", "))
				continue
			}
			talking = false
			fmt.Printf("Now talking to %s (transcript cleared).\n", id)
		case line == "q":
			sess.EndCall()
			fmt.Println("Call ended.")
			return
		default:
			printHelp()
		}
	}
}

func submit(sess *session.Session) {
	if err := sess.FinishRecording(); err != nil {
		if errors.Is(err, session.ErrCallInactive) {
			return
		}
		fmt.Printf("\r\033[K[TURN] rejected: %v\n", err)
	}
}

func printEvents(sess *session.Session) {
	for event := range sess.Events() {
		switch event.Type {
		case session.EventTurnAppended:
			turn, ok := event.Data.(session.Turn)
			if !ok {
				continue
			}
			switch turn.Role {
			case session.RoleUser:
				fmt.Printf("\r\033[K[YOU] %s\n", turn.Content)
			case session.RoleAssistant:
				fmt.Printf("\r\033[K[%s] %s\n", strings.ToUpper(sess.PersonaID()), turn.Content)
			case session.RoleIdle:
				fmt.Printf("\r\033[K[%s, checking in] %s\n", strings.ToUpper(sess.PersonaID()), turn.Content)
			}
		case session.EventInterrupted:
			fmt.Printf("\r\033[K[INTERRUPTED]\n")
		case session.EventError:
			fmt.Printf("\r\033[K[ERROR] %v\n", event.Data)
		}
	}
}

// micMeter redraws a bar while the capture device is held, in the same
// cadence the session samples levels.
func micMeter(sess *session.Session) {
	for {
		if sess.Activity().Recording {
			level := sess.RecordingLevel()
			dots := int(level * 40)
			if dots > 40 {
				dots = 40
			}
			fmt.Printf("\r[MIC %-40s] %.3f", strings.Repeat("|", dots), level)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// deviceHint turns capture errors into something the user can act on.
func deviceHint(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "Microphone access denied. Allow microphone access and try again."
	case errors.Is(err, capture.ErrDeviceNotFound):
		return "No microphone found. Plug one in and try again."
	case errors.Is(err, capture.ErrInsecureContext):
		return "Audio backend unavailable in this environment."
	default:
		return fmt.Sprintf("Could not start the microphone: %v", err)
	}
}

func printHelp() {
	fmt.Println("Commands: Enter = talk/send | p <id> = switch persona | v = toggle voice | m = mute | q = quit")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
