package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuihairu/execgate/internal/cli/gatecmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := gatecmd.Execute(ctx)
	stop()
	os.Exit(code)
}
