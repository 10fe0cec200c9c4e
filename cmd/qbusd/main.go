// qbusd runs a bare bus module: it joins the mesh through the given
// bind/remote endpoints, relays traffic between its neighbours and
// logs topology changes. Useful as a standalone relay node and as a
// smoke-test target for other modules.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/jabolina/qbus"
)

func main() {
	app := &cli.App{
		Name:  "qbusd",
		Usage: "peer-to-peer RPC message bus node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "name",
				Aliases: []string{"n"},
				Value:   "qbusd",
				Usage:   "module name announced to the mesh",
			},
			&cli.StringSliceFlag{
				Name:    "bind",
				Aliases: []string{"b"},
				Usage:   "HOST:PORT to listen on, repeatable",
			},
			&cli.StringSliceFlag{
				Name:    "dial",
				Aliases: []string{"d"},
				Usage:   "HOST:PORT of a remote module, repeatable",
			},
			&cli.StringFlag{
				Name:    "log",
				Aliases: []string{"l"},
				Usage:   "log file path",
			},
			&cli.StringSliceFlag{
				Name:    "set",
				Aliases: []string{"k"},
				Usage:   "KEY=VALUE config override, repeatable",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	argv := make([]string, 0, 8)
	for _, b := range c.StringSlice("bind") {
		argv = append(argv, "-b", b)
	}
	for _, d := range c.StringSlice("dial") {
		argv = append(argv, "-d", d)
	}
	if l := c.String("log"); l != "" {
		argv = append(argv, "-l", l)
	}
	for _, kv := range c.StringSlice("set") {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			return fmt.Errorf("override [%s] is not KEY=VALUE", kv)
		}
		argv = append(argv, "-"+key, value)
	}

	inst, err := qbus.NewInstance(c.String("name"), onInit, nil, argv)
	if err != nil {
		return err
	}
	return inst.Run(context.Background())
}

func onInit(inst *qbus.Instance) error {
	inst.Router().OnChange(func(nodes []string) {
		fmt.Printf("reachable: %s\n", strings.Join(nodes, ", "))
	}, nil)
	return nil
}
