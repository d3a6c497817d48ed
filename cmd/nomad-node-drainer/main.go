package main

import (
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/autoscaling"

	"github.com/lawliet89/nomad-drain/internal/handler"
	"github.com/lawliet89/nomad-drain/pkg/log"
)

func main() {
	log.Init(log.Config{Level: os.Getenv("LOG_LEVEL")})

	cfg, err := handler.FromEnvironment()
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("invalid configuration")
	}

	sess := session.Must(session.NewSession())
	h := handler.New(cfg, sess, autoscaling.New(sess), log.WithComponent("handler"))
	lambda.Start(h.Handle)
}
