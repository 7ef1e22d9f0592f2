package main

import (
	"log/slog"
	"os"
	"time"

	"boardwatch/cmd/boardwatch/cmd"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	// credentials live in the environment, optionally seeded from a
	// local .env
	godotenv.Load()

	cmd.Execute()
}
