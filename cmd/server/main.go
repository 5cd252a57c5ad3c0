package main

import (
	"log"
	"net/http"

	"github.com/aibekov/geodetect/internal/config"
	"github.com/aibekov/geodetect/internal/engine"
	"github.com/aibekov/geodetect/internal/handlers"
	"github.com/aibekov/geodetect/internal/store"
)

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func main() {
	cfg := config.Load()

	st := store.New(cfg.ModelsDir)
	eng := engine.New(st)
	defer eng.UnloadAll()

	handler := handlers.NewHandler(eng, st)
	mux := http.NewServeMux()
	handler.Register(mux)

	log.Printf("Model store: %s", cfg.ModelsDir)
	if infos, err := st.List(); err != nil {
		log.Printf("Warning: model store not readable: %v", err)
	} else {
		log.Printf("%d models available", len(infos))
		for _, info := range infos {
			log.Printf("  [%d] %s (family %s, checkpoint: %v)", info.ID, info.Name, info.Family, info.HasCheckpoint)
		}
	}

	log.Printf("Server starting on port %s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, enableCORS(mux)); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
