package main

import (
	"context"

	"peercall/internal"
	"peercall/pkg/log"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := internal.NewApp()

	if err := app.Setup(ctx); err != nil {
		log.Fatal(err)
	}

	if err := app.Run(ctx, cancel); err != nil {
		log.Fatal(err)
	}
}
