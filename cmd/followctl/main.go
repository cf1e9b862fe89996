// Command followctl drives a running follow service over its HTTP control
// surface.
//
// Usage:
//
//	followctl [-addr http://localhost:8080] status|enable|disable|toggle|manual|clear|stats
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/banshee-data/follow.pilot/internal/api"
	"github.com/banshee-data/follow.pilot/internal/httputil"
)

var (
	addr    = flag.String("addr", "http://localhost:8080", "Base URL of the follow service")
	timeout = flag.Duration("timeout", 5*time.Second, "Request timeout")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: followctl [flags] %s\n", commandList)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := api.NewClient(*addr, httputil.NewStandardClient(nil))
	if err := run(ctx, client, flag.Arg(0), os.Stdout); err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

const commandList = "status|enable|disable|toggle|manual|clear|stats"

// run executes one command and prints the service's answer as JSON.
func run(ctx context.Context, c *api.Client, command string, w io.Writer) error {
	var (
		out any
		err error
	)
	switch command {
	case "status":
		out, err = c.Status(ctx)
	case "enable":
		out, err = c.Enable(ctx)
	case "disable":
		out, err = c.Disable(ctx)
	case "toggle":
		out, err = c.Toggle(ctx)
	case "manual":
		out, err = c.Manual(ctx)
	case "clear":
		out, err = c.ClearManual(ctx)
	case "stats":
		out, err = c.CommandStats(ctx)
	default:
		return fmt.Errorf("unknown command %q (want %s)", command, commandList)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
