package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Ollama    OllamaConfig
	OpenAI    OpenAIConfig
	Knowledge KnowledgeConfig
	Chat      ChatConfig
	Watch     WatchConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Env      string
	DataPath string
}

type DatabaseConfig struct {
	Provider string // sqlite | postgres
	URL      string // postgres DSN 或 sqlite 文件路径
}

type RedisConfig struct {
	Enabled bool
	Host    string
	Port    string
	DB      int
	TTL     int // 搜索缓存TTL，秒
}

type OllamaConfig struct {
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
}

type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	EmbeddingModel string
}

type KnowledgeConfig struct {
	ChunkSize      int
	ChunkOverlap   int
	EmbedBatchSize int
	Embedding      EmbeddingConfig
	VectorStore    VectorStoreConfig
	Search         SearchConfig
	Fusion         FusionConfig
}

type EmbeddingConfig struct {
	// Backend 取值 auto | local | ollama | openai
	Backend string
}

type VectorStoreConfig struct {
	Provider string // database | milvus
	Milvus   MilvusConfig
}

type MilvusConfig struct {
	Address    string
	Username   string
	Password   string
	Collection string
	Database   string
	TLS        bool
}

type SearchConfig struct {
	Provider      string // database | elasticsearch | noop
	Elasticsearch ElasticsearchConfig
}

type ElasticsearchConfig struct {
	Addresses   []string
	Username    string
	Password    string
	APIKey      string
	IndexPrefix string
}

type FusionConfig struct {
	VectorWeight   float64
	FulltextWeight float64
}

type ChatConfig struct {
	HistoryLimit       int
	RetrieveTopK       int
	SourceTopN         int
	RelevanceThreshold float64
}

type WatchConfig struct {
	Enabled  bool
	Dir      string
	Debounce int // 毫秒
}

type MetricsConfig struct {
	Enabled bool
	Port    string
}

var AppConfig *Config

func LoadConfig() error {
	// 设置默认值
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.data_path", "./data")
	viper.SetDefault("database.provider", "sqlite")
	viper.SetDefault("database.url", "./data/localkb.db")
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttl", 300)

	// Ollama 默认值
	viper.SetDefault("ollama.base_url", "http://localhost:11434")
	viper.SetDefault("ollama.chat_model", "qwen2.5:7b")
	viper.SetDefault("ollama.embedding_model", "nomic-embed-text:latest")

	// OpenAI 兼容接口默认值
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.embedding_model", "text-embedding-3-small")

	// 知识库配置默认值
	viper.SetDefault("knowledge.chunk_size", 500)
	viper.SetDefault("knowledge.chunk_overlap", 50)
	viper.SetDefault("knowledge.embed_batch_size", 32)
	viper.SetDefault("knowledge.embedding.backend", "auto")
	viper.SetDefault("knowledge.vector_store.provider", "database")
	viper.SetDefault("knowledge.vector_store.milvus.address", "localhost:19530")
	viper.SetDefault("knowledge.vector_store.milvus.collection", "kb_chunks")
	viper.SetDefault("knowledge.vector_store.milvus.database", "default")
	viper.SetDefault("knowledge.vector_store.milvus.tls", false)
	viper.SetDefault("knowledge.search.provider", "database")
	viper.SetDefault("knowledge.search.elasticsearch.addresses", []string{"http://localhost:9200"})
	viper.SetDefault("knowledge.search.elasticsearch.index_prefix", "kb_chunks")
	viper.SetDefault("knowledge.fusion.vector_weight", 0.6)
	viper.SetDefault("knowledge.fusion.fulltext_weight", 0.4)

	// 对话配置默认值
	viper.SetDefault("chat.history_limit", 50)
	viper.SetDefault("chat.retrieve_top_k", 5)
	viper.SetDefault("chat.source_top_n", 3)
	viper.SetDefault("chat.relevance_threshold", 0.5)

	// 目录监听默认值
	viper.SetDefault("watch.enabled", false)
	viper.SetDefault("watch.dir", "./data/inbox")
	viper.SetDefault("watch.debounce", 800)

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.port", "9100")

	// 读取环境变量
	viper.SetEnvPrefix("LOCALKB")
	viper.AutomaticEnv()

	if dataPath := os.Getenv("DATA_PATH"); dataPath != "" {
		viper.Set("server.data_path", dataPath)
	}
	if dbProvider := os.Getenv("DATABASE_PROVIDER"); dbProvider != "" {
		viper.Set("database.provider", dbProvider)
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		viper.Set("database.url", dbURL)
		if strings.HasPrefix(dbURL, "postgres") {
			viper.Set("database.provider", "postgres")
		}
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		viper.Set("redis.host", redisHost)
		viper.Set("redis.enabled", true)
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		viper.Set("redis.port", redisPort)
	}

	// Ollama 配置环境变量
	if ollamaURL := os.Getenv("OLLAMA_BASE_URL"); ollamaURL != "" {
		viper.Set("ollama.base_url", ollamaURL)
	}
	if chatModel := os.Getenv("OLLAMA_CHAT_MODEL"); chatModel != "" {
		viper.Set("ollama.chat_model", chatModel)
	}
	if embeddingModel := os.Getenv("OLLAMA_EMBEDDING_MODEL"); embeddingModel != "" {
		viper.Set("ollama.embedding_model", embeddingModel)
	}

	// OpenAI 配置环境变量
	if openaiKey := os.Getenv("OPENAI_API_KEY"); openaiKey != "" {
		viper.Set("openai.api_key", openaiKey)
	}
	if openaiBase := os.Getenv("OPENAI_BASE_URL"); openaiBase != "" {
		viper.Set("openai.base_url", openaiBase)
	}

	// 检索后端环境变量
	if backend := os.Getenv("EMBEDDING_BACKEND"); backend != "" {
		viper.Set("knowledge.embedding.backend", backend)
	}
	if vectorProvider := os.Getenv("VECTOR_STORE_PROVIDER"); vectorProvider != "" {
		viper.Set("knowledge.vector_store.provider", vectorProvider)
	}
	if milvusAddress := os.Getenv("MILVUS_ADDRESS"); milvusAddress != "" {
		viper.Set("knowledge.vector_store.milvus.address", milvusAddress)
		viper.Set("knowledge.vector_store.provider", "milvus")
	}
	if searchProvider := os.Getenv("SEARCH_PROVIDER"); searchProvider != "" {
		viper.Set("knowledge.search.provider", searchProvider)
	}
	if esAddresses := os.Getenv("ELASTICSEARCH_ADDRESSES"); esAddresses != "" {
		addresses := strings.Split(esAddresses, ",")
		for i := range addresses {
			addresses[i] = strings.TrimSpace(addresses[i])
		}
		viper.Set("knowledge.search.elasticsearch.addresses", addresses)
		viper.Set("knowledge.search.provider", "elasticsearch")
	}

	// 目录监听环境变量
	if watchDir := os.Getenv("WATCH_DIR"); watchDir != "" {
		viper.Set("watch.dir", watchDir)
		viper.Set("watch.enabled", true)
	}
	if metricsEnabled := os.Getenv("METRICS_ENABLED"); metricsEnabled == "true" {
		viper.Set("metrics.enabled", true)
	}

	AppConfig = &Config{
		Server: ServerConfig{
			Env:      viper.GetString("server.env"),
			DataPath: viper.GetString("server.data_path"),
		},
		Database: DatabaseConfig{
			Provider: viper.GetString("database.provider"),
			URL:      viper.GetString("database.url"),
		},
		Redis: RedisConfig{
			Enabled: viper.GetBool("redis.enabled"),
			Host:    viper.GetString("redis.host"),
			Port:    viper.GetString("redis.port"),
			DB:      viper.GetInt("redis.db"),
			TTL:     viper.GetInt("redis.ttl"),
		},
		Ollama: OllamaConfig{
			BaseURL:        viper.GetString("ollama.base_url"),
			ChatModel:      viper.GetString("ollama.chat_model"),
			EmbeddingModel: viper.GetString("ollama.embedding_model"),
		},
		OpenAI: OpenAIConfig{
			APIKey:         viper.GetString("openai.api_key"),
			BaseURL:        viper.GetString("openai.base_url"),
			EmbeddingModel: viper.GetString("openai.embedding_model"),
		},
		Knowledge: KnowledgeConfig{
			ChunkSize:      viper.GetInt("knowledge.chunk_size"),
			ChunkOverlap:   viper.GetInt("knowledge.chunk_overlap"),
			EmbedBatchSize: viper.GetInt("knowledge.embed_batch_size"),
			Embedding: EmbeddingConfig{
				Backend: viper.GetString("knowledge.embedding.backend"),
			},
			VectorStore: VectorStoreConfig{
				Provider: viper.GetString("knowledge.vector_store.provider"),
				Milvus: MilvusConfig{
					Address:    viper.GetString("knowledge.vector_store.milvus.address"),
					Username:   viper.GetString("knowledge.vector_store.milvus.username"),
					Password:   viper.GetString("knowledge.vector_store.milvus.password"),
					Collection: viper.GetString("knowledge.vector_store.milvus.collection"),
					Database:   viper.GetString("knowledge.vector_store.milvus.database"),
					TLS:        viper.GetBool("knowledge.vector_store.milvus.tls"),
				},
			},
			Search: SearchConfig{
				Provider: viper.GetString("knowledge.search.provider"),
				Elasticsearch: ElasticsearchConfig{
					Addresses:   viper.GetStringSlice("knowledge.search.elasticsearch.addresses"),
					Username:    viper.GetString("knowledge.search.elasticsearch.username"),
					Password:    viper.GetString("knowledge.search.elasticsearch.password"),
					APIKey:      viper.GetString("knowledge.search.elasticsearch.api_key"),
					IndexPrefix: viper.GetString("knowledge.search.elasticsearch.index_prefix"),
				},
			},
			Fusion: FusionConfig{
				VectorWeight:   viper.GetFloat64("knowledge.fusion.vector_weight"),
				FulltextWeight: viper.GetFloat64("knowledge.fusion.fulltext_weight"),
			},
		},
		Chat: ChatConfig{
			HistoryLimit:       viper.GetInt("chat.history_limit"),
			RetrieveTopK:       viper.GetInt("chat.retrieve_top_k"),
			SourceTopN:         viper.GetInt("chat.source_top_n"),
			RelevanceThreshold: viper.GetFloat64("chat.relevance_threshold"),
		},
		Watch: WatchConfig{
			Enabled:  viper.GetBool("watch.enabled"),
			Dir:      viper.GetString("watch.dir"),
			Debounce: viper.GetInt("watch.debounce"),
		},
		Metrics: MetricsConfig{
			Enabled: viper.GetBool("metrics.enabled"),
			Port:    viper.GetString("metrics.port"),
		},
	}

	return nil
}
