// Command host runs the osprey Host Node (spec §4.E): it accepts device
// and browser TCP connections on one listen address, spawns a Worker
// process per device stream, and hands live sockets across via the Pipe
// Channel. Flag table style matches server/main.go's cli.NewApp().
package main

import (
	"log"
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/aeviox/osprey/internal/config"
	"github.com/aeviox/osprey/internal/control"
	"github.com/aeviox/osprey/internal/node"
	"github.com/aeviox/osprey/internal/runtime"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "osprey-host"
	app.Usage = "multi-sensor streaming Host node"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen, l",
			Value: ":8900",
			Usage: "device/browser listen address",
		},
		cli.StringFlag{
			Name:  "worker-binary",
			Value: "osprey-worker",
			Usage: "path to the osprey-worker executable this Host spawns per device stream",
		},
		cli.StringFlag{
			Name:  "live-dir",
			Value: "./data/live",
			Usage: "live store data directory",
		},
		cli.StringFlag{
			Name:  "save-dir",
			Value: "./data/saves",
			Usage: "playback save-file directory",
		},
		cli.StringFlag{
			Name:   "live-store-password",
			Value:  "osprey-live",
			Usage:  "pre-shared secret the live store's requirepass is derived from",
			EnvVar: "OSPREY_LIVE_PASSWORD",
		},
		cli.StringFlag{
			Name:   "playback-store-password",
			Value:  "osprey-playback",
			Usage:  "pre-shared secret every playback backend's requirepass is derived from",
			EnvVar: "OSPREY_PLAYBACK_PASSWORD",
		},
		cli.StringFlag{
			Name:  "playback-ports",
			Value: "127.0.0.1:8901-8999",
			Usage: `pool of ports playback backends are spawned into, eg "IP:minport-maxport"`,
		},
		cli.IntFlag{
			Name:  "debug",
			Value: 0,
			Usage: "debug verbosity level",
		},
		cli.StringFlag{
			Name:  "deny-list",
			Value: "",
			Usage: "comma-separated host/user-agent substrings to reject",
		},
		cli.BoolFlag{
			Name:  "auto-shutdown",
			Usage: "shut down once the last Worker pipe is removed",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	cfg.ListenAddr = c.String("listen")
	cfg.WorkerBinary = c.String("worker-binary")
	cfg.LiveDir = c.String("live-dir")
	cfg.SaveDir = c.String("save-dir")
	cfg.LiveStorePassword = c.String("live-store-password")
	cfg.PlaybackStorePassword = c.String("playback-store-password")
	cfg.PlaybackPorts = c.String("playback-ports")
	cfg.DebugLevel = c.Int("debug")
	cfg.AutoShutdown = c.Bool("auto-shutdown")
	cfg.Log = c.String("log")
	if dl := c.String("deny-list"); dl != "" {
		cfg.DenyList = splitComma(dl)
	}

	configPath := c.String("c")
	if configPath != "" {
		if err := config.LoadJSON(cfg, configPath); err != nil {
			return err
		}
	}

	ctx, err := runtime.New(cfg)
	if err != nil {
		return err
	}

	ctx.Infof("osprey-host %s starting, listening on %s", VERSION, cfg.ListenAddr)

	ctrl, err := control.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	h, err := node.NewHost(ctx, cfg.ListenAddr, cfg.WorkerBinary, configPath, cfg.AutoShutdown)
	if err != nil {
		return err
	}
	defer h.Cleanup()

	return h.Serve()
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
