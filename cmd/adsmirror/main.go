// Package main provides the adsmirror entry point. Started by the AWS Lambda runtime it
// serves sync events; otherwise it runs as a command line tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
)

const envLambdaRuntimeAPI = "AWS_LAMBDA_RUNTIME_API"

var version = "dev"

func main() {
	if os.Getenv(envLambdaRuntimeAPI) != "" {
		h := newHandler()
		lambda.StartWithOptions(h.handle, lambda.WithEnableSIGTERM(h.shutdown))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
