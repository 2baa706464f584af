package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/srediag/mask-shm/internal/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	err := cmd.NewPublisherCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
