// Command companion-server runs the memory-augmented persona chat engine:
// an HTTP/websocket front over the retrieval pipeline, affinity model, and
// session lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/afslabs/companion/internal/affinity"
	"github.com/afslabs/companion/internal/config"
	"github.com/afslabs/companion/internal/embedding"
	"github.com/afslabs/companion/internal/indexer"
	"github.com/afslabs/companion/internal/llm"
	"github.com/afslabs/companion/internal/memory"
	"github.com/afslabs/companion/internal/notify"
	"github.com/afslabs/companion/internal/pipeline"
	"github.com/afslabs/companion/internal/server"
	"github.com/afslabs/companion/internal/session"
	"github.com/afslabs/companion/internal/store"
	"github.com/afslabs/companion/internal/vectorindex"
)

func main() {
	configFile := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// .env is optional; environment variables win either way.
	_ = godotenv.Load()

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadConfigFile(*configFile)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		log.Fatalf("[Main] create data dir: %v", err)
	}

	st, err := store.Open(cfg.Storage.DataPath)
	if err != nil {
		log.Fatalf("[Main] open store: %v", err)
	}
	defer st.Close()

	var index vectorindex.Index
	switch cfg.Storage.VectorBackend {
	case config.VectorBackendPostgres:
		index, err = vectorindex.NewPostgresIndex(cfg.Storage.PostgresDSN)
	default:
		index, err = vectorindex.NewChromemIndex(cfg.Storage.DataPath + "/vectors")
	}
	if err != nil {
		log.Fatalf("[Main] open vector index: %v", err)
	}
	defer index.Close()

	generator, err := llm.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}
	log.Printf("[Main] inference fallback order: %v", generator.Backends())

	// Both indexing and retrieval fail loudly on backend errors. The
	// retrieval stage of the pipeline already treats an embedding failure
	// as a soft miss, so no zero-vector degradation is needed here.
	embedder, err := embedding.NewProvider(llm.NewEmbeddingFromConfig(cfg), cfg.Embedding.CacheSize, embedding.FallbackError)
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}

	chunker := memory.NewChunker()
	idx := indexer.NewManager(st, chunker, embedder, index)
	aff := affinity.NewModel(st)

	pipe := pipeline.New(pipeline.Deps{
		Embedder:   embedder,
		Index:      index,
		TopK:       cfg.Session.RetrievalTopK,
		Affinity:   aff,
		Classifier: affinity.NewLLMClassifier(generator),
		Generator:  generator,
		MaxTokens:  cfg.LLM.MaxTokens,
	})

	origin := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	hub := server.NewEventHub([]string{origin})

	sessions := session.NewManager(pipe, session.EstimatingCounter{}, idx, aff, hub, cfg.Session.TokenBudget)

	// Answer batches dropped by the questionnaire collector flow straight
	// into the corpus and the persona's index.
	watcher := notify.NewCorpusWatcher(cfg.Storage.DataPath, func(batch notify.AnswerBatch) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		for _, answer := range batch.Answers {
			if answer.PersonaID == "" {
				answer.PersonaID = batch.PersonaID
			}
			if err := st.SaveAnswer(ctx, answer); err != nil {
				log.Printf("[Main] ingest answer %s: %v", answer.ID, err)
			}
		}
		if err := idx.RebuildIndex(ctx, batch.PersonaID); err != nil {
			log.Printf("[Main] reindex after ingest for %s: %v", batch.PersonaID, err)
		}
	})
	if err := watcher.Start(); err != nil {
		log.Fatalf("[Main] start corpus watcher: %v", err)
	}
	defer watcher.Stop()

	handlers := server.NewHandlers(sessions, idx, st)
	srv := server.New(cfg, handlers, hub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("[Main] server error: %v", err)
		}
	case sig := <-stop:
		log.Printf("[Main] received %v, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[Main] shutdown: %v", err)
		}
	}
}
