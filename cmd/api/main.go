package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jun/calvoice/internal/app"
	"github.com/jun/calvoice/internal/config"
	"github.com/jun/calvoice/internal/logging"
)

func main() {
	ctx := context.Background()
	cfg, err := config.Load(config.NewViper())
	if err != nil {
		logging.Fatal("invalid configuration", err)
	}
	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		logging.Fatal("startup failed", err)
	}
	lambda.Start(application.HandleRequest)
}
