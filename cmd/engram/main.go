package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/astrayn/engram/internal/profile"
	"github.com/astrayn/engram/plugin/ai"
	"github.com/astrayn/engram/internal/observability"
	"github.com/astrayn/engram/server/memory"
	"github.com/astrayn/engram/store/vector"
	"github.com/astrayn/engram/store/vector/chromem"
	"github.com/astrayn/engram/store/vector/pgvector"
	"github.com/astrayn/engram/store/vector/sqlitevec"
)

const version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Hybrid conversational memory service",
	Long:  "engram manages tiered conversational memory: per-chat sessions, cross-chat user profiles, and a vector-indexed long-term store.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p := &profile.Profile{
			Mode:             viper.GetString("mode"),
			Data:             viper.GetString("data"),
			Driver:           viper.GetString("driver"),
			DSN:              viper.GetString("dsn"),
			LogLevel:         viper.GetString("log-level"),
			Version:          version,
			AIBaseURL:        viper.GetString("ai.base-url"),
			AIAPIKey:         viper.GetString("ai.api-key"),
			AIEmbeddingModel: viper.GetString("ai.embedding-model"),
			AIChatModel:      viper.GetString("ai.chat-model"),
			AIDimensions:     viper.GetInt("ai.dimensions"),
		}
		if err := p.Validate(); err != nil {
			return err
		}
		return run(cmd.Context(), p)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of the service: "prod" or "dev"`)
	flags.String("data", "./data", "data directory for embedded backends")
	flags.String("driver", "chromem", "durable vector backend: chromem, sqlite, or postgres")
	flags.String("dsn", "", "database source name for sqlite or postgres")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("ai.base-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	flags.String("ai.api-key", "", "API key for the AI provider")
	flags.String("ai.embedding-model", "text-embedding-3-small", "embedding model name")
	flags.String("ai.chat-model", "gpt-4o-mini", "chat model name")
	flags.Int("ai.dimensions", 1536, "embedding vector dimensions")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("engram")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func run(ctx context.Context, p *profile.Profile) error {
	logger := observability.NewLogger(p.LogLevel)

	var embedder ai.EmbeddingService
	var llm ai.LLMService
	if p.IsAIEnabled() {
		provider, err := ai.NewProvider(&ai.Config{
			BaseURL:        p.AIBaseURL,
			APIKey:         p.AIAPIKey,
			EmbeddingModel: p.AIEmbeddingModel,
			ChatModel:      p.AIChatModel,
			Dimensions:     p.AIDimensions,
		})
		if err != nil {
			return fmt.Errorf("failed to create AI provider: %w", err)
		}
		embedder = provider
		llm = provider
	} else {
		logger.Warn("AI provider not configured; durable search and extraction disabled")
	}

	durable, err := openVectorStore(ctx, p)
	if err != nil {
		return err
	}
	defer durable.Close()

	svc := memory.NewService(memory.DefaultConfig(), durable, embedder, llm, logger)
	defer svc.Close()

	logger.Info("engram started",
		"version", p.Version,
		"mode", p.Mode,
		"driver", p.Driver)

	return console(ctx, svc, os.Stdin)
}

func openVectorStore(ctx context.Context, p *profile.Profile) (vector.Store, error) {
	switch p.Driver {
	case "postgres":
		return pgvector.New(ctx, p.DSN, p.AIDimensions)
	case "sqlite":
		return sqlitevec.New(ctx, p.DSN)
	default:
		return chromem.NewPersistent(p.Data + "/chromem")
	}
}

// console is a minimal interactive harness over the memory API, useful
// for poking at retrieval strategies without a frontend.
func console(ctx context.Context, svc *memory.Service, in *os.File) error {
	fmt.Println("engram console. Commands:")
	fmt.Println("  search <user> <chat> <turn-index> <query...>")
	fmt.Println("  record <user> <chat> <prompt> | <response>")
	fmt.Println("  end <user> <chat> [force]")
	fmt.Println("  profile <user>")
	fmt.Println("  quit")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return nil

		case "search":
			if len(fields) < 5 {
				fmt.Println("usage: search <user> <chat> <turn-index> <query...>")
				continue
			}
			var turnIndex int
			fmt.Sscanf(fields[3], "%d", &turnIndex)
			result, err := svc.Search(ctx, fields[1], strings.Join(fields[4:], " "), fields[2], turnIndex)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Printf("strategy=%s local=%d durable=%d profile=%v skipped=%v\n",
				result.Strategy, result.LocalCount, result.DurableCount,
				result.UsedProfile, result.SkippedDurableSearch)
			fmt.Println(result.ContextText)

		case "record":
			if len(fields) < 4 {
				fmt.Println("usage: record <user> <chat> <prompt> | <response>")
				continue
			}
			parts := strings.SplitN(strings.Join(fields[3:], " "), "|", 2)
			if len(parts) != 2 {
				fmt.Println("usage: record <user> <chat> <prompt> | <response>")
				continue
			}
			if err := svc.RecordTurn(ctx, fields[1], fields[2],
				strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil); err != nil {
				fmt.Println("error:", err)
			}

		case "end":
			if len(fields) < 3 {
				fmt.Println("usage: end <user> <chat> [force]")
				continue
			}
			force := len(fields) > 3 && fields[3] == "force"
			if err := svc.EndChat(ctx, fields[1], fields[2], force); err != nil {
				fmt.Println("error:", err)
			}

		case "profile":
			if len(fields) < 2 {
				fmt.Println("usage: profile <user>")
				continue
			}
			p, err := svc.GetProfile(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if p == nil {
				fmt.Println("no profile")
				continue
			}
			fmt.Printf("name=%q role=%q interests=%v preferences=%v\n",
				p.Name, p.Role, p.Interests, p.Preferences)

		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
