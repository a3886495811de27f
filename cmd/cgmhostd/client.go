package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"OpenCGM-Host/pkg/plugin"
	"OpenCGM-Host/sdk/go/cgmhost"
)

var clientFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "addr",
		Usage:   "base URL of a running cgmhostd",
		Value:   "http://127.0.0.1:8080",
		EnvVars: []string{"CGMHOST_ADDR"},
	},
	&cli.StringFlag{
		Name:    "token",
		Usage:   "bearer token for the API",
		EnvVars: []string{"CGMHOST_TOKEN"},
	},
}

func newAPIClient(c *cli.Context) (*cgmhost.Client, error) {
	client, err := cgmhost.NewClient(c.String("addr"), nil)
	if err != nil {
		return nil, err
	}
	client.SetToken(c.String("token"))
	return client, nil
}

func clientCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "status",
			Usage: "show plugins and capability routing of a running daemon",
			Flags: clientFlags,
			Action: func(c *cli.Context) error {
				client, err := newAPIClient(c)
				if err != nil {
					return err
				}
				plugins, err := client.Plugins(c.Context)
				if err != nil {
					return err
				}
				caps, err := client.Capabilities(c.Context)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PLUGIN\tVERSION\tSTATE\tSOURCE\tACTIVE")
				for _, p := range plugins {
					active := make([]string, 0, len(p.Active))
					for _, a := range p.Active {
						active = append(active, string(a))
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Metadata.ID, p.Metadata.Version, p.State, p.Source, strings.Join(active, ","))
				}
				fmt.Fprintln(w)
				fmt.Fprintln(w, "CAPABILITY\tCARDINALITY\tACTIVE")
				for _, cs := range caps {
					fmt.Fprintf(w, "%s\t%s\t%s\n", cs.Capability, cs.Cardinality, strings.Join(cs.Active, ","))
				}
				return w.Flush()
			},
		},
		{
			Name:      "activate",
			Usage:     "route a capability to a plugin",
			ArgsUsage: "<capability> <plugin id>",
			Flags:     clientFlags,
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return cli.Exit("capability and plugin id are required", 2)
				}
				capability, err := plugin.ParseCapability(c.Args().Get(0))
				if err != nil {
					return err
				}
				client, err := newAPIClient(c)
				if err != nil {
					return err
				}
				active, err := client.Activate(c.Context, capability, c.Args().Get(1))
				if err != nil {
					return err
				}
				fmt.Printf("%s -> %s\n", capability, strings.Join(active, ","))
				return nil
			},
		},
		{
			Name:      "calibrate",
			Usage:     "send a fingerstick calibration to the active sensor",
			ArgsUsage: "<mg/dL>",
			Flags:     clientFlags,
			Action: func(c *cli.Context) error {
				value, err := strconv.Atoi(c.Args().First())
				if err != nil {
					return cli.Exit("calibration value must be an integer in mg/dL", 2)
				}
				client, err := newAPIClient(c)
				if err != nil {
					return err
				}
				return client.Calibrate(c.Context, value)
			},
		},
	}
}
