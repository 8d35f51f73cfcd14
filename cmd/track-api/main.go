package main

import (
	"context"

	"github.com/pkg/errors"
)

func main() {
	app := mustBootstrapTrackAPI()
	defer app.Close()

	if err := app.Run(); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
