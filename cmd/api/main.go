package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/handover-chat/backend/internal/channel"
	"github.com/zhouzirui/handover-chat/backend/internal/channel/agent"
	"github.com/zhouzirui/handover-chat/backend/internal/channel/bot"
	"github.com/zhouzirui/handover-chat/backend/internal/config"
	"github.com/zhouzirui/handover-chat/backend/internal/handler"
	chatModel "github.com/zhouzirui/handover-chat/backend/internal/model/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/service/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/service/dedup"
	"github.com/zhouzirui/handover-chat/backend/internal/service/handover"
	"github.com/zhouzirui/handover-chat/backend/internal/service/summary"
	"github.com/zhouzirui/handover-chat/backend/internal/storage"
	"github.com/zhouzirui/handover-chat/backend/internal/transport/wsconn"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if !cfg.Bot.Enabled() {
		log.Fatal("BOT_ENDPOINT_URL is required")
	}

	store, err := storage.Open(storage.Options{
		Driver: cfg.Storage.Driver,
		Dir:    cfg.Storage.Dir,
		DSN:    cfg.Storage.DSN,
	})
	if err != nil {
		log.Fatalf("failed to open %s storage: %v", cfg.Storage.Driver, err)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	log.Printf("session storage: %s", cfg.Storage.Driver)

	summarySvc := newSummaryService(ctx, cfg.AI)
	factory := newChannelFactory(cfg)

	if !cfg.Agent.Enabled() {
		log.Println("坐席接口未配置，转人工信号将被忽略")
	}

	chatService := chat.NewService(chat.Options{
		Store:       store,
		NewChannels: factory.channels,
		Enricher:    summarySvc,
		Notices: handover.Notices{
			Returned: cfg.Vocabulary.Notices.Returned,
			Ended:    cfg.Vocabulary.Notices.Ended,
		},
		SendTimeout: cfg.Session.SendTimeout,
		IdleTimeout: cfg.Session.IdleTimeout,
	})
	if err := chatService.StartReaper(cfg.Session.ReapSchedule); err != nil {
		log.Fatalf("failed to start session reaper: %v", err)
	}

	router := handler.NewRouter(chatService)

	startServer(ctx, cfg.Server, router)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := chatService.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: session shutdown incomplete: %v", err)
	}
}

// newSummaryService builds the handover summarizer; without an LLM it runs on heuristics.
func newSummaryService(ctx context.Context, aiCfg config.AIConfig) *summary.Service {
	var chatModelForSummary model.ChatModel
	if aiCfg.SummaryLLMEnabled {
		if aiCfg.Enabled() {
			m, err := aiCfg.NewChatModel(ctx)
			if err != nil {
				log.Printf("warning: failed to initialize chat model: %v", err)
			} else {
				chatModelForSummary = m
			}
		} else {
			log.Println("Ark 凭证未配置，转人工摘要使用启发式规则")
		}
	}

	svc, err := summary.NewService(ctx, chatModelForSummary, summary.Config{
		Enabled:      aiCfg.SummaryLLMEnabled,
		HistoryLimit: aiCfg.SummaryHistoryLimit,
	})
	if err != nil {
		log.Printf("warning: failed to initialize summary service: %v", err)
		svc, _ = summary.NewService(ctx, nil, summary.Config{})
	}
	if svc.Enabled() {
		log.Println("Handover summary classifier enabled")
	} else {
		log.Println("Handover summary using heuristics")
	}
	return svc
}

// channelFactory builds per-conversation adapters.
type channelFactory struct {
	cfg  *config.Config
	conn wsconn.Options
}

func newChannelFactory(cfg *config.Config) *channelFactory {
	conn := wsconn.DefaultOptions()
	conn.WriteTimeout = cfg.Session.SendTimeout
	return &channelFactory{cfg: cfg, conn: conn}
}

// channels gives the bot and agent adapters of one conversation a shared dedup cache.
func (f *channelFactory) channels(id chatModel.Identity) (channel.Channel, handover.AgentConnector) {
	cache := dedup.New(f.cfg.Session.DedupWindow, f.cfg.Session.DedupMaxEntries)
	if !f.cfg.Agent.Enabled() {
		return f.bot(id, cache), nil
	}
	return f.bot(id, cache), f.agents(id, cache)
}

func (f *channelFactory) bot(id chatModel.Identity, cache *dedup.Cache) channel.Channel {
	socketOpts := bot.DefaultSocketOptions()
	socketOpts.Conn = f.conn
	return bot.New(bot.Config{
		EndpointURL: f.cfg.Bot.EndpointURL,
		URLToken:    f.cfg.Bot.URLToken,
		Channel:     f.cfg.Bot.Channel,
		UserID:      id.UserID,
		SessionID:   id.SessionID,
	}, bot.NewSocket(socketOpts), cache)
}

func (f *channelFactory) agents(_ chatModel.Identity, cache *dedup.Cache) handover.AgentConnector {
	credentials := agent.NewCredentialClient(f.cfg.Agent.StartChatURL, nil)
	newTransport := func() agent.Transport {
		return agent.NewSocket(agent.SocketConfig{
			URL:    f.cfg.Agent.WebsocketURL,
			Region: f.cfg.Agent.Region,
			Conn:   f.conn,
		})
	}
	return agent.NewConnector(credentials, newTransport, cache, agent.Options{
		DisconnectPhrases: f.cfg.Vocabulary.DisconnectPhrases,
		ControlPrefix:     f.cfg.Vocabulary.ControlPrefix,
	})
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Handover chat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
