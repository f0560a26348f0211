package main

import (
	"log"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"sagebase_back/authorization"
	"sagebase_back/knowledge"
	"sagebase_back/llm"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	if origins := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS")); origins != "" {
		cfg.AllowOrigins = strings.Split(origins, ",")
	}
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", "X-API-Key", "X-Access-Code", "X-Stream")
	return cfg
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.New(corsConfig()))

	guard, err := authorization.NewGuardFromEnv()
	if err != nil {
		log.Fatalf("configure guard: %v", err)
	}

	knowledgeModule, err := knowledge.RegisterRoutes(r, guard)
	if err != nil {
		log.Fatalf("register knowledge routes: %v", err)
	}

	if _, err := llm.RegisterRoutes(r, guard, knowledgeModule.Service()); err != nil {
		// Chat is optional; the knowledge API works without a chat provider.
		log.Printf("chat routes disabled: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
