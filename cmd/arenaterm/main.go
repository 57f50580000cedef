package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

const (
	// DefaultIP and DefaultPort match a locally running arenaserver.
	DefaultIP   = "127.0.0.1"
	DefaultPort = 9013

	// DefaultConfPath is where set-ip/set-port -s persist the target.
	DefaultConfPath = "arenaterm.json"
)

func main() {
	myApp := cli.NewApp()
	myApp.Name = "arenaterm"
	myApp.Usage = "operator terminal for the arena game server"
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "conf",
			Value: DefaultConfPath,
			Usage: "path to the persisted connection settings",
		},
		cli.StringFlag{
			Name:  "ip",
			Value: DefaultIP,
			Usage: "server address",
		},
		cli.IntFlag{
			Name:  "port",
			Value: DefaultPort,
			Usage: "server terminal port",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{IP: DefaultIP, Port: DefaultPort}
		path := c.String("conf")
		if _, err := os.Stat(path); err == nil {
			if err := parseJSONConfig(&config, path); err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
		}
		if c.IsSet("ip") {
			config.IP = c.String("ip")
		}
		if c.IsSet("port") {
			config.Port = c.Int("port")
		}
		if err := config.validate(); err != nil {
			return err
		}

		fmt.Println("<< Arena Terminal >>")
		newREPL(config, path, os.Stdin, os.Stdout).run()
		return nil
	}

	if err := myApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
