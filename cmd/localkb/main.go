package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aihub/localkb-go/internal/config"
	"github.com/aihub/localkb-go/internal/database"
	"github.com/aihub/localkb-go/internal/knowledge"
	"github.com/aihub/localkb-go/internal/logger"
	"github.com/aihub/localkb-go/internal/ollama"
	"github.com/aihub/localkb-go/internal/services"
)

func main() {
	// .env不存在时忽略
	_ = godotenv.Load()

	if err := config.LoadConfig(); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := logger.InitLogger(); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.AppConfig

	db, err := database.InitDB()
	if err != nil {
		logger.Fatal("database init failed", zap.Error(err))
	}
	defer database.CloseDB()

	redisClient, err := database.InitRedis()
	if err != nil {
		// 缓存不可用不致命
		logger.Warn("redis unavailable, caching disabled", zap.Error(err))
		redisClient = nil
	}
	defer database.CloseRedis()

	ollamaService := ollama.NewService(cfg.Ollama.BaseURL)

	resolver := knowledge.NewResolver(knowledge.ResolverOptions{
		Backend:       cfg.Knowledge.Embedding.Backend,
		OllamaService: ollamaService,
		OllamaModel:   cfg.Ollama.EmbeddingModel,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
		OpenAIModel:   cfg.OpenAI.EmbeddingModel,
	})

	var vectorStore knowledge.VectorStore
	if cfg.Knowledge.VectorStore.Provider == "milvus" {
		vectorStore, err = knowledge.NewMilvusVectorStore(knowledge.MilvusOptions{
			Address:    cfg.Knowledge.VectorStore.Milvus.Address,
			Username:   cfg.Knowledge.VectorStore.Milvus.Username,
			Password:   cfg.Knowledge.VectorStore.Milvus.Password,
			Collection: cfg.Knowledge.VectorStore.Milvus.Collection,
			Database:   cfg.Knowledge.VectorStore.Milvus.Database,
			UseTLS:     cfg.Knowledge.VectorStore.Milvus.TLS,
			VectorSize: resolver.Dimensions(),
		})
		if err != nil {
			logger.Warn("milvus unavailable, falling back to database vector store", zap.Error(err))
			vectorStore = knowledge.NewDatabaseVectorStore(db)
		}
	} else {
		vectorStore = knowledge.NewDatabaseVectorStore(db)
	}

	var indexer knowledge.FulltextIndexer
	switch cfg.Knowledge.Search.Provider {
	case "elasticsearch":
		indexer, err = knowledge.NewElasticsearchIndexer(
			cfg.Knowledge.Search.Elasticsearch.Addresses,
			cfg.Knowledge.Search.Elasticsearch.Username,
			cfg.Knowledge.Search.Elasticsearch.Password,
			cfg.Knowledge.Search.Elasticsearch.APIKey,
			cfg.Knowledge.Search.Elasticsearch.IndexPrefix,
		)
		if err != nil {
			logger.Warn("elasticsearch unavailable, keyword search disabled", zap.Error(err))
			indexer = &knowledge.NoopFulltextIndexer{}
		}
	case "noop":
		indexer = &knowledge.NoopFulltextIndexer{}
	default:
		indexer = knowledge.NewDatabaseIndexer(db)
	}

	engine := knowledge.NewHybridSearchEngine(indexer, vectorStore, resolver)
	engine.SetWeights(cfg.Knowledge.Fusion.VectorWeight, cfg.Knowledge.Fusion.FulltextWeight)

	chunker := knowledge.NewChunker(cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap)
	ingestService := services.NewIngestService(db, chunker, resolver, vectorStore, indexer,
		cfg.Knowledge.EmbedBatchSize)
	searchService := services.NewSearchService(db, engine, redisClient,
		time.Duration(cfg.Redis.TTL)*time.Second)
	sessionService := services.NewSessionService(db)
	chatService := services.NewChatService(searchService, ollamaService, sessionService,
		cfg.Ollama.ChatModel, cfg.Chat.HistoryLimit, cfg.Chat.RetrieveTopK,
		cfg.Chat.SourceTopN, cfg.Chat.RelevanceThreshold)
	documentService := services.NewDocumentService(db, vectorStore, indexer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := database.NewHealthChecker(db)
	if err := health.Check(ctx); err != nil {
		logger.Warn("initial database health check failed", zap.Error(err))
	}
	health.Start(ctx)
	defer health.Stop()

	// 上次运行中断遗留的processing文档落为error
	if err := ingestService.CleanupStaleProcessing(ctx); err != nil {
		logger.Warn("stale processing cleanup failed", zap.Error(err))
	}

	if cfg.Watch.Enabled {
		watcher := services.NewWatchService(ingestService, cfg.Watch.Dir, "",
			time.Duration(cfg.Watch.Debounce)*time.Millisecond)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("watch service failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(":"+cfg.Metrics.Port, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("localkb started",
		zap.String("database", cfg.Database.Provider),
		zap.String("vector_store", cfg.Knowledge.VectorStore.Provider),
		zap.String("search", cfg.Knowledge.Search.Provider))

	repl := &repl{
		ingest:    ingestService,
		search:    searchService,
		chat:      chatService,
		documents: documentService,
	}

	done := make(chan struct{})
	go func() {
		repl.run(ctx)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}

	logger.Info("shutting down")
}

// repl 标准输入上的简易命令行界面
type repl struct {
	ingest    *services.IngestService
	search    *services.SearchService
	chat      *services.ChatService
	documents *services.DocumentService
}

func (r *repl) run(ctx context.Context) {
	fmt.Println("commands: ingest <path> | search <query> | ask <question> | docs | delete <id> | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "quit", "exit":
			return
		case "ingest":
			r.runIngest(ctx, arg)
		case "search":
			r.runSearch(ctx, arg)
		case "ask":
			r.runAsk(ctx, arg)
		case "docs":
			r.runDocs(ctx)
		case "delete":
			if err := r.documents.DeleteDocument(ctx, arg); err != nil {
				fmt.Printf("delete failed: %v\n", err)
			} else {
				fmt.Println("deleted")
			}
		default:
			fmt.Printf("unknown command: %s\n", cmd)
		}
	}
}

func (r *repl) runIngest(ctx context.Context, path string) {
	progress := make(chan services.ProgressEvent, 64)
	go func() {
		for event := range progress {
			fmt.Printf("  [%3d%%] %s %s\n", event.Percent, event.Stage, event.Message)
		}
	}()

	result := r.ingest.Ingest(ctx, path, services.IngestOptions{Progress: progress})
	close(progress)

	if result.Success {
		fmt.Printf("indexed %s: %d chunks\n", result.DocumentID, result.ChunkCount)
	} else {
		fmt.Printf("ingest failed: %s\n", result.Message)
	}
}

func (r *repl) runSearch(ctx context.Context, query string) {
	results, err := r.search.Search(ctx, query, services.SearchOptions{Limit: 10})
	if err != nil {
		fmt.Printf("search failed: %v\n", err)
		return
	}
	for _, result := range results {
		fmt.Printf("  %.3f [%s] %s: %s\n", result.Score, result.Origin, result.Name, result.Content)
	}
	if len(results) == 0 {
		fmt.Println("  no results")
	}
}

func (r *repl) runAsk(ctx context.Context, question string) {
	streams := r.chat.StartChatTurn(ctx, services.ChatTurnRequest{Query: question})

	if sources := <-streams.Sources; len(sources) > 0 {
		fmt.Println("sources:")
		for _, src := range sources {
			fmt.Printf("  %.3f %s\n", src.Score, src.Name)
		}
	}
	for event := range streams.Tokens {
		if event.Done {
			break
		}
		fmt.Print(event.Token)
	}
	fmt.Println()
}

func (r *repl) runDocs(ctx context.Context) {
	docs, err := r.documents.ListDocuments(ctx, 50)
	if err != nil {
		fmt.Printf("list failed: %v\n", err)
		return
	}
	for _, doc := range docs {
		fmt.Printf("  %s  %-10s %-6s %s\n", doc.ID, doc.Status, doc.Type, doc.Name)
	}
	if len(docs) == 0 {
		fmt.Println("  no documents")
	}
}
