package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/BearBump/CourierTrack/config"
)

func main() {
	if err := config.LoadEnv(".env"); err != nil {
		panic(err)
	}

	app := mustBootstrapAgent()
	defer app.Close()

	if err := app.Run(); err != nil && !errors.Is(err, context.Canceled) {
		panic(fmt.Sprintf("courier-agent stopped: %v", err))
	}
}
