// dconfctl is a small command-line client. Since the only shipped transport
// is in-process (transport/local), dconfctl opens its own broker over the
// same on-disk channels rather than talking to a separately running dconfd;
// it exists for operability and scripting.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dconfd/dconfd/backend/xmlfile"
	"github.com/dconfd/dconfd/broker"
	"github.com/dconfd/dconfd/common/cfgvalue"
	"github.com/dconfd/dconfd/internal/dlog"
	"github.com/dconfd/dconfd/transport"
	"github.com/dconfd/dconfd/transport/local"
)

const pname = "dconfctl"

var usages = map[string]string{
	"get":      "<channel> <prop>",
	"set":      "<channel> <prop> <value> [type]",
	"del":      "<channel> <prop> [-r]",
	"channels": "",
	"locked":   "<channel> <prop>",
}

func usage(cmd string) {
	if u, ok := usages[cmd]; ok {
		fmt.Printf("usage: %s %s %s\n", pname, cmd, u)
	} else {
		fmt.Printf("usage: %s <command> ...\n", pname)
		for c, u := range usages {
			fmt.Printf("    %s %s\n", c, u)
		}
	}
	os.Exit(1)
}

func newClient(app string, logger *zap.SugaredLogger) (transport.Client, *broker.Broker, error) {
	b, err := broker.New([]string{"perchannel-xml"},
		map[string]map[string]string{"perchannel-xml": {"app": app}}, logger)
	if err != nil {
		return nil, nil, err
	}
	return local.New(b), b, nil
}

func doGet(ctx context.Context, c transport.Client, args []string) error {
	if len(args) != 2 {
		usage("get")
	}
	v, err := c.GetProperty(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Println(cfgvalue.ToString(v))
	return nil
}

func doSet(ctx context.Context, c transport.Client, args []string) error {
	if len(args) < 3 || len(args) > 4 {
		usage("set")
	}
	tag := cfgvalue.TagString
	if len(args) == 4 {
		var err error
		tag, err = cfgvalue.ParseTag(args[3])
		if err != nil {
			return err
		}
	}
	v, err := cfgvalue.FromString(tag, args[2])
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	h, err := c.SetProperty(ctx, args[0], args[1], v, func(err error) { done <- err })
	if err != nil {
		return err
	}
	if err := h.Wait(ctx); err != nil {
		return err
	}
	return <-done
}

func doDel(ctx context.Context, c transport.Client, args []string) error {
	recursive := false
	if len(args) == 3 && args[2] == "-r" {
		recursive = true
		args = args[:2]
	}
	if len(args) != 2 {
		usage("del")
	}
	return c.ResetProperty(ctx, args[0], args[1], recursive)
}

func doChannels(ctx context.Context, c transport.Client, args []string) error {
	chans, err := c.ListChannels(ctx)
	if err != nil {
		return err
	}
	fmt.Println(strings.Join(chans, "\n"))
	return nil
}

func doLocked(ctx context.Context, c transport.Client, args []string) error {
	if len(args) != 2 {
		usage("locked")
	}
	locked, err := c.IsPropertyLocked(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Println(strconv.FormatBool(locked))
	return nil
}

func main() {
	app := flag.String("app", "dconfd", "application name used to resolve XDG config roots")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage("")
	}
	cmd, rest := args[0], args[1:]

	logger, err := dlog.New(pname)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't build logger: %v\n", err)
		os.Exit(1)
	}
	xmlfile.SetLogger(logger)

	c, b, err := newClient(*app, logger)
	if err != nil {
		fmt.Printf("cannot open configuration store: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()
	// Closing the broker flushes any dirty channel before the process exits;
	// without it a set would sit in the backend's deferred-flush window.
	defer b.Close()

	ctx := context.Background()
	switch cmd {
	case "get":
		err = doGet(ctx, c, rest)
	case "set":
		err = doSet(ctx, c, rest)
	case "del":
		err = doDel(ctx, c, rest)
	case "channels":
		err = doChannels(ctx, c, rest)
	case "locked":
		err = doLocked(ctx, c, rest)
	default:
		usage("")
	}

	if err != nil {
		fmt.Printf("%s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}
