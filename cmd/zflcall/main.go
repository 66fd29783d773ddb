// Command zflcall issues a single RPC call against a running zflrpcd-style
// server and prints the JSON reply, the one-shot companion to zflrpcd's
// long-running server loop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/zfl-go/zfl/client"
	"github.com/zfl-go/zfl/discovery"
	"github.com/zfl-go/zfl/fabric"
	"github.com/zfl-go/zfl/proptree"
	"github.com/zfl-go/zfl/rpccaller"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "zflcall:", err)
		os.Exit(1)
	}
}

func run() error {
	endpoint := flag.String("endpoint", "tcp://127.0.0.1:5671", "server endpoint to connect to, ignored when -discovery-config is set")
	discoveryConfig := flag.String("discovery-config", "", "path to a property-tree file naming an etcd backend to discover servers from, instead of a fixed -endpoint")
	method := flag.String("method", "Arith.Add", "\"Service.Method\" to call")
	argsJSON := flag.String("args", "{}", "JSON-encoded argument struct")
	flag.Parse()

	ctx := fabric.NewContext(1)
	caller, err := rpccaller.New(ctx, nil)
	if err != nil {
		return err
	}
	defer caller.Destroy()

	if *discoveryConfig != "" {
		if err := connectViaDiscovery(caller, *discoveryConfig); err != nil {
			return err
		}
	} else if err := caller.Connect("zflrpcd-1", *endpoint); err != nil {
		return err
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(*argsJSON), &args); err != nil {
		return fmt.Errorf("zflcall: parse -args: %w", err)
	}

	c := client.New(caller)
	var reply map[string]any
	if err := c.Call(*method, args, &reply); err != nil {
		return err
	}

	out, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// connectViaDiscovery reads configPath as a property tree, builds a
// discovery.Registry from its `etcd` sub-tree, and runs it in the
// background against caller until at least one heartbeat round trip has
// had a chance to mark a discovered backend alive.
func connectViaDiscovery(caller *rpccaller.CallerCore, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("zflcall: read %s: %w", configPath, err)
	}
	root, err := proptree.Load(string(data))
	if err != nil {
		return fmt.Errorf("zflcall: parse %s: %w", configPath, err)
	}

	reg, err := discovery.FromConfig(root, caller, nil, nil)
	if err != nil {
		return fmt.Errorf("zflcall: discovery config: %w", err)
	}
	if reg == nil {
		return fmt.Errorf("zflcall: %s names no etcd backend", configPath)
	}

	go func() {
		if err := reg.Run(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, "zflcall: discovery:", err)
		}
	}()

	time.Sleep(2 * rpccaller.HeartbeatInterval)
	return nil
}
