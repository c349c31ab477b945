package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gliderlab/voxbridge/audio"
	"github.com/gliderlab/voxbridge/bridge"
	"github.com/gliderlab/voxbridge/pkg/config"
	"github.com/gliderlab/voxbridge/pkg/llm"
	googlert "github.com/gliderlab/voxbridge/pkg/llm/providers/google/realtime"
	openairt "github.com/gliderlab/voxbridge/pkg/llm/providers/openai/realtime"
	"github.com/gliderlab/voxbridge/pkg/logging"
	"github.com/gliderlab/voxbridge/tools"
)

var (
	agentProvider string
	agentModel    string
	agentBuffered bool
	agentMuted    bool
	agentEcho     bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Connect a realtime voice agent to the gateway",
	Long: `Connects to a realtime provider, streams microphone audio to it and plays
its speech back. Tool calls are executed through the gateway. Type "m" and
Enter to toggle the microphone mute.`,
	RunE: runAgent,
}

func init() {
	f := agentCmd.Flags()
	f.StringVar(&agentProvider, "provider", "", "realtime provider: openai or google")
	f.StringVar(&agentModel, "model", "", "realtime model")
	f.BoolVar(&agentBuffered, "buffered", false, "use the buffered exec endpoint instead of streaming")
	f.BoolVar(&agentMuted, "muted", false, "start with the microphone muted")
	f.BoolVar(&agentEcho, "echo", false, "mirror streamed command output to stderr")
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := logging.ConfigureRuntime("agent")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ac := cfg.Agent
	if agentProvider != "" {
		ac.Provider = strings.ToLower(agentProvider)
	}
	if agentModel != "" {
		ac.Model = agentModel
	}
	if agentBuffered {
		ac.Streaming = false
	}
	provider, err := resolveProvider(ac)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := tools.NewShellClient(ac.GatewayURL, ac.GatewayToken, logger)
	if err := client.Health(ctx); err != nil {
		logger.Warn().Err(err).Str("gateway", ac.GatewayURL).Msg("gateway not reachable, tool calls will fail until it is")
	}

	shellOpts := []tools.ShellToolOption{
		tools.WithStreaming(ac.Streaming),
		tools.WithMaxCommandLen(cfg.Exec.MaxCommandLen),
	}
	if agentEcho {
		shellOpts = append(shellOpts, tools.WithEcho(os.Stderr))
	}
	registry := tools.NewRegistry(logger)
	registry.Register(tools.NewShellTool(client, shellOpts...))

	observer := bridge.Observer(bridge.LogObserver{Logger: logging.Component(logger, "bridge")})
	if ac.RemoteLog {
		remote := bridge.NewRemoteObserver(client, 64, logger)
		go remote.Run(ctx)
		observer = bridge.MultiObserver{observer, remote}
	}

	encoder, err := bridge.NewEncoder(ac.MaxOutputTokens)
	if err != nil {
		return err
	}
	dispatcher := bridge.NewDispatcher(registry, encoder, ac.SendDelay, observer, logger)

	rc := realtimeConfig(ac, registry.Declarations())
	transport, err := dial(ctx, provider, rc, logger)
	if err != nil {
		return err
	}
	defer transport.Close()
	logger.Info().Str("provider", string(provider)).Str("model", rc.Model).Strs("tools", llm.ToolNames(rc.Tools)).Msg("connected")

	var runnerOpts []bridge.RunnerOption
	runnerOpts = append(runnerOpts, bridge.WithObserver(observer))
	if ac.SpeakerCommand != "" {
		speaker, err := audio.StartPlayback(ctx, ac.SpeakerCommand)
		if err != nil {
			return err
		}
		defer speaker.Close()
		runnerOpts = append(runnerOpts, bridge.WithPlayer(audio.NewSpeaker(speaker, audio.WithSampleRate(ac.SampleRate))))
	} else {
		logger.Warn().Msg("no speaker command configured, agent audio is discarded")
	}

	session := bridge.NewSession(rc, observer)
	runner := bridge.NewRunner(transport, session, dispatcher, logger, runnerOpts...)
	if agentMuted {
		runner.SetMuted(ctx, true)
	}

	if ac.MicCommand != "" {
		mic, err := audio.StartCapture(ctx, ac.MicCommand)
		if err != nil {
			return err
		}
		defer mic.Close()
		go func() {
			if err := runner.PumpAudio(ctx, audio.NewMic(mic, runner.Track(), ac.FrameBytes)); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("microphone stopped")
			}
		}()
	} else {
		logger.Warn().Msg("no microphone command configured, nothing will be sent to the agent")
	}

	go readMuteToggles(ctx, os.Stdin, runner, logger)

	err = runner.Run(ctx)
	if err != nil && !bridge.IsClosed(err) {
		return err
	}
	return nil
}

func resolveProvider(ac *config.AgentConfig) (llm.ProviderType, error) {
	switch ac.Provider {
	case "", "openai":
		if ac.APIKey == "" {
			ac.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		return llm.ProviderOpenAI, nil
	case "google", "gemini":
		if ac.APIKey == "" {
			ac.APIKey = os.Getenv("GEMINI_API_KEY")
		}
		if ac.APIKey == "" {
			ac.APIKey = os.Getenv("GOOGLE_API_KEY")
		}
		// untouched OpenAI defaults mean nothing was chosen for Gemini
		if ac.Model == config.DefaultOpenAIRealtimeModel {
			ac.Model = config.DefaultGeminiLiveModel
		}
		if ac.Voice == config.DefaultVoice {
			ac.Voice = ""
		}
		return llm.ProviderGoogle, nil
	default:
		return "", fmt.Errorf("unknown provider %q", ac.Provider)
	}
}

func realtimeConfig(ac *config.AgentConfig, decls []llm.Tool) llm.RealtimeConfig {
	return llm.RealtimeConfig{
		Model:                   ac.Model,
		APIKey:                  ac.APIKey,
		BaseURL:                 ac.BaseURL,
		Voice:                   ac.Voice,
		Instructions:            ac.Instructions,
		Tools:                   decls,
		SampleRate:              ac.SampleRate,
		InputAudioTranscription: true,
		TurnDetection:           ac.TurnDetection,
		VADThreshold:            ac.VADThreshold,
		VADSilenceDurationMs:    int32(ac.SilenceDuration.Milliseconds()),
	}
}

func dial(ctx context.Context, provider llm.ProviderType, rc llm.RealtimeConfig, logger zerolog.Logger) (bridge.Transport, error) {
	if rc.APIKey == "" {
		return nil, errors.New("no API key configured for " + string(provider))
	}
	switch provider {
	case llm.ProviderGoogle:
		return googlert.Dial(ctx, rc, logger)
	default:
		return openairt.Dial(ctx, rc, logger)
	}
}

// readMuteToggles flips the microphone mute on every "m" line
func readMuteToggles(ctx context.Context, in io.Reader, runner *bridge.Runner, logger zerolog.Logger) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(strings.ToLower(sc.Text())) {
		case "m", "mute":
			on := runner.ToggleMute(ctx)
			logger.Info().Bool("capture", on).Msg("microphone toggled")
		}
	}
}
