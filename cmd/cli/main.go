package main

import (
	"context"
	"log"
	"os"

	"scankeeper/internal/buildinfo"
	"scankeeper/internal/cli"
	"scankeeper/internal/config"

	_ "modernc.org/sqlite"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := cli.NewApp(ctx, cfg)

	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	app.Run(ctx)

}
