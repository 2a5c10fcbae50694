// Command acople-echo is the example plugin: it answers ".echo <text>" with
// the text.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"acople/pkg/pluginkit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := pluginkit.Logger(os.Stdout)
	err := pluginkit.Serve(ctx, os.Stdin, os.Stdout, func(ctx context.Context, req pluginkit.Request) (pluginkit.Reply, error) {
		log.Debug("Echoing", "author_id", req.Message.Author.ID)
		if req.Args == "" {
			return pluginkit.Reply{Text: "Nothing to echo"}, nil
		}
		return pluginkit.Reply{Text: req.Args}, nil
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
