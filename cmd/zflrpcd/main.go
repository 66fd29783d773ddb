// Command zflrpcd is a companion example server: it binds a CalleeCore
// frontend, wraps a server.Dispatcher with a middleware chain, and feeds
// every decoded request through it. This is the one place server.service's
// reflection dispatch is actually exercised end to end, standing in for a
// real application that would register its own service structs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zfl-go/zfl/fabric"
	"github.com/zfl-go/zfl/middleware"
	"github.com/zfl-go/zfl/rpccallee"
	"github.com/zfl-go/zfl/server"
)

// Arith is a demonstration service: the same signature convention
// server.NewService scans for ("func (receiver) Method(*Args, *Reply) error").
type Arith struct{}

// Add replies with the sum of A and B.
func (a *Arith) Add(args *ArithArgs, reply *ArithReply) error {
	reply.Result = args.A + args.B
	return nil
}

// ArithArgs is the JSON-decoded argument struct for Arith methods.
type ArithArgs struct{ A, B int }

// ArithReply is the JSON-encoded result struct for Arith methods.
type ArithReply struct{ Result int }

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "zflrpcd:", err)
		os.Exit(1)
	}
}

func run() error {
	endpoint := os.Getenv("ZFL_LISTEN")
	if endpoint == "" {
		endpoint = "tcp://*:5671"
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx := fabric.NewContext(1)
	callee, err := rpccallee.New(ctx, "zflrpcd-1", log)
	if err != nil {
		return err
	}
	defer callee.Destroy()

	if err := callee.Bind(endpoint); err != nil {
		return err
	}
	if os.Getenv("ZFL_VERBOSE") == "1" {
		callee.SetVerbose(true)
	}

	dispatcher := server.NewDispatcher()
	if err := dispatcher.Register(&Arith{}); err != nil {
		return err
	}
	dispatcher.Use(middleware.LoggingMiddleware(log))
	dispatcher.Use(middleware.TimeOutMiddleware(5 * time.Second))
	dispatcher.Build()

	go serveLoop(dispatcher, callee)

	waitForSignal()
	return nil
}

// serveLoop decodes, dispatches, and replies to one request at a time,
// driven by CalleeCore's single in-flight hand-off. It returns once
// callee.Destroy() closes the underlying pipe.
func serveLoop(dispatcher *server.Dispatcher, callee *rpccallee.CalleeCore) {
	for {
		m, err := callee.Recv()
		if err != nil {
			return
		}
		clientID := m.Unwrap()
		req := middleware.DecodeEnvelope(m)

		reply := dispatcher.Dispatch(context.Background(), req)

		out := middleware.EncodeEnvelope(reply)
		out.Wrap(clientID, nil)
		_ = callee.Send(out)
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
