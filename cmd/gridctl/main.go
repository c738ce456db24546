// Command gridctl is the operator CLI for a power-grid oracle deployment.
//
// Usage:
//
//	gridctl status
//	gridctl rewards
//	gridctl create-event [--type <type>] [--duration <min>] [--rate <wei>] [--target <kw>]
//	gridctl authorize
//	gridctl plug <on|off|snapshot>
//	gridctl tail [--kind <kind>] [--name <consumer>]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var configPath = envOrDefault("GRIDCTL_CONFIG", "")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "status":
		err = statusCmd(ctx, os.Stdout)
	case "rewards":
		err = rewardsCmd(ctx, os.Stdout)
	case "create-event":
		err = createEventCmd(ctx, os.Stdout, os.Args[2:])
	case "authorize":
		err = authorizeCmd(ctx, os.Stdout)
	case "plug":
		if len(os.Args) < 3 {
			fmt.Println("Usage: gridctl plug <on|off|snapshot>")
			os.Exit(1)
		}
		err = plugCmd(ctx, os.Stdout, os.Args[2])
	case "tail":
		err = tailCmd(ctx, os.Stdout, os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	case "version", "--version", "-v":
		fmt.Println("gridctl version 0.1.0")
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`gridctl - operator CLI for the power grid oracle

Usage:
  gridctl status                    Show the last oracle heartbeat
  gridctl rewards                   Show token balance, reputation and active events
  gridctl create-event [options]    Create a grid event (grid service owner only)
  gridctl authorize                 Authorize the owner account on the grid service
                                    and make the grid service a token minter
  gridctl plug on|off|snapshot      Switch the plug or print an energy snapshot
  gridctl tail [options]            Follow records relayed to NATS JetStream
  gridctl help                      Show this help
  gridctl version                   Show version

Create Event Options:
  --type       Event type (default: DemandResponse)
  --duration   Duration in minutes (default: 60)
  --rate       Compensation rate in wei per kWh (default: 750000000000000000)
  --target     Target reduction in kW (default: 100)

Tail Options:
  --kind       Record kind to follow: snapshot or participation (default: all)
  --name       Durable consumer name (default: gridctl-tail)

Environment:
  GRIDCTL_CONFIG   Path to a YAML config file (optional)
  Every variable the oracle reads (DEVICE_*, *_CONTRACT_ADDRESS, CHAIN_RPC_URL, ...)`)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
