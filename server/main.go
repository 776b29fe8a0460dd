package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"option-arena/server/llm"
	"option-arena/server/store"
)

func mustEnv(keys ...string) {
	for _, k := range keys {
		if os.Getenv(k) == "" {
			log.Fatalf("Missing required env var %s. Put it in .env (dev) or set it on the host (prod).", k)
		}
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func asBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	_ = godotenv.Load()

	var migrate, dedupe, dedupeDryRun bool
	for _, a := range os.Args[1:] {
		switch a {
		case "--migrate":
			migrate = true
		case "--dedupe":
			dedupe = true
		case "--dedupe-dry-run":
			dedupe = true
			dedupeDryRun = true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	if asBool(os.Getenv("MEMORY_STORE")) {
		// No-database dev mode: state lives for the process lifetime only.
		st = store.NewMemory()
		log.Println("using in-memory store (MEMORY_STORE=1)")
	} else {
		mustEnv("DATABASE_URL")
		db, err := store.Open(os.Getenv("DATABASE_URL"))
		if err != nil {
			log.Fatal(err)
		}
		defer db.Close(context.Background())

		if migrate || asBool(os.Getenv("AUTO_MIGRATE")) {
			if err := store.Migrate(ctx, db); err != nil {
				log.Fatal(err)
			}
			log.Println("migrated")
		}
		if migrate {
			return
		}
		st = db
	}

	if dedupe {
		merges, err := st.DedupeOptions(ctx, dedupeDryRun)
		if err != nil {
			log.Fatal(err)
		}
		verb := "merged"
		if dedupeDryRun {
			verb = "would merge"
		}
		for _, m := range merges {
			log.Printf("%s option %d (%q) into %d (%q)", verb, m.From.ID, m.From.Text, m.Into.ID, m.Into.Text)
		}
		log.Printf("dedupe finished: %d merges", len(merges))
		return
	}

	// The step-1 engine needs a working generator; admin-only or step-2
	// deployments can still start without a key by setting LLM_DISABLED.
	if !asBool(os.Getenv("LLM_DISABLED")) &&
		os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("OPENROUTER_API_KEY") == "" {
		mustEnv("OPENAI_API_KEY")
	}
	gen := &llm.OpenAI{Model: getenv("OPENAI_MODEL", "")}

	port := getenv("PORT", "8080")
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      Router(st, gen, os.Getenv("ADMIN_TOKEN")),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // generation calls can be slow
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		<-c
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Printf("listening on http://localhost:%s (Ctrl+C to stop)", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
