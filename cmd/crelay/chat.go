package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	crelay "github.com/deshartman/crelay-payments-sub000"
	"github.com/deshartman/crelay-payments-sub000/internal/protocol"
	"github.com/deshartman/crelay-payments-sub000/internal/session"
	"github.com/deshartman/crelay-payments-sub000/internal/telephony"
	"github.com/deshartman/crelay-payments-sub000/internal/tools"
)

func newChatCmd() *cobra.Command {
	var configPath, profileKey string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Converse with a profile from the terminal, no gateway required",
		Long: `Chat runs a single local session against the configured provider and
asset source. Telephony is dry-run, so call-control tools print instead
of dialing. Type /profile <name> to switch profiles mid-conversation,
/info for session state, /quit to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := crelay.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, profileKey)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c",
		getEnv("CRELAY_CONFIG", "crelay.yaml"), "service configuration file")
	cmd.Flags().StringVar(&profileKey, "profile", "", "profile to load (defaults to assets.default_profile)")
	return cmd
}

// consoleSender renders outbound frames to the terminal in place of a
// gateway websocket.
type consoleSender struct{}

func (consoleSender) Send(frame protocol.Outbound) error {
	switch f := frame.(type) {
	case *protocol.TextMessage:
		fmt.Print(f.Token)
		if f.Last {
			fmt.Println()
		}
	case *protocol.SendDigitsMessage:
		fmt.Printf("[dtmf %s]\n", f.Digits)
	case *protocol.PlayMessage:
		fmt.Printf("[play %s]\n", f.Source)
	case *protocol.LanguageMessage:
		fmt.Printf("[language tts=%s transcription=%s]\n", f.TTSLanguage, f.TranscriptionLanguage)
	case *protocol.SilenceMessage:
		fmt.Printf("[silence detection enabled=%v]\n", f.Enabled)
	case *protocol.EndMessage:
		if f.HandoffData != "" {
			fmt.Printf("[call ended: %s]\n", f.HandoffData)
		} else {
			fmt.Println("[call ended]")
		}
	}
	return nil
}

func runChat(ctx context.Context, cfg *crelay.Config, profileKey string) error {
	llm, err := crelay.BuildProvider(cfg.Provider)
	if err != nil {
		return err
	}

	loader, err := crelay.BuildAssetLoader(ctx, cfg.Assets)
	if err != nil {
		return fmt.Errorf("assets: %w", err)
	}

	if profileKey == "" {
		profileKey = cfg.Assets.DefaultProfile
	}
	profile, err := loader.Load(ctx, profileKey)
	if err != nil {
		return err
	}

	callSID := fmt.Sprintf("console-%d", time.Now().Unix())
	deps := tools.Deps{
		Call:      tools.CallInfo{CallSID: callSID, From: "console", To: "console"},
		Telephony: telephony.NewDryRunClient(),
	}

	registry := session.NewRegistry(1, 0)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		registry.Close(closeCtx)
	}()

	genErrs := make(chan error, 4)
	sess, err := registry.Create(session.Config{
		Provider:    llm,
		Model:       cfg.Provider.Model,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
		Router:      tools.NewRouter(tools.Default(), profile.Tools, deps, tools.RouterConfig{}),
		Profile:     profile,
		Sender:      consoleSender{},
		// No barge-in and no silence escalation on a keyboard.
		Interruptible: false,
		TickInterval:  time.Hour,
		OnGenerationError: func(err error) {
			select {
			case genErrs <- err:
			default:
			}
		},
	}, &protocol.SetupMessage{
		Type:      protocol.TypeSetup,
		SessionID: callSID,
		CallSid:   callSID,
		From:      "console",
		To:        "console",
		Direction: "inbound",
	})
	if err != nil {
		return err
	}

	fmt.Printf("profile %q, model %s. /profile <name> switches, /info shows state, /quit exits.\n",
		profileKey, cfg.Provider.Model)

	rl := liner.NewLiner()
	defer rl.Close()
	rl.SetCtrlCAborts(true)

	for {
		select {
		case <-sess.Done():
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		input, err := rl.Prompt("you> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		rl.AppendHistory(input)

		switch {
		case input == "/quit" || input == "/exit":
			return nil
		case input == "/info":
			info := sess.Info()
			fmt.Printf("call %s  profile %s  state %s  turns %d\n",
				info.CallSID, info.Profile, info.State, info.Turns)
			continue
		case strings.HasPrefix(input, "/profile"):
			key := strings.TrimSpace(strings.TrimPrefix(input, "/profile"))
			if key == "" {
				fmt.Println("usage: /profile <name>")
				continue
			}
			next, err := loader.Load(ctx, key)
			if err != nil {
				fmt.Printf("load profile: %v\n", err)
				continue
			}
			router := tools.NewRouter(tools.Default(), next.Tools, deps, tools.RouterConfig{})
			if err := sess.UpdateAssets(next, router); err != nil {
				fmt.Printf("switch profile: %v\n", err)
				continue
			}
			fmt.Printf("switched to profile %q\n", key)
			continue
		}

		before := sess.Info().Turns
		sess.HandleInbound(&protocol.PromptMessage{
			Type:        protocol.TypePrompt,
			VoicePrompt: input,
			Last:        true,
		})
		if !waitTurn(ctx, sess, genErrs, before) {
			return nil
		}
	}
}

// waitTurn blocks until the in-flight generation finishes, fails, or the
// session ends. Returns false when the REPL should exit.
func waitTurn(ctx context.Context, sess *session.Session, genErrs <-chan error, before int) bool {
	deadline := time.NewTimer(2 * time.Minute)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-sess.Done():
			return false
		case <-ctx.Done():
			return false
		case err := <-genErrs:
			fmt.Printf("generation failed: %v\n", err)
			return true
		case <-deadline.C:
			fmt.Println("(no reply after two minutes; continuing)")
			return true
		case <-tick.C:
			if sess.Info().Turns > before {
				// Delayed-class frames land just after the turn closes.
				time.Sleep(50 * time.Millisecond)
				return true
			}
		}
	}
}
