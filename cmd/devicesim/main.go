// Command devicesim is a minimal reference device client (SPEC_FULL's
// supplemented "device reconnection retry loop" feature, grounded on
// original_source/Pi Code/client_actual.py and client/main.go's
// waitConn/reconnect style): dial the Host, SIGN_ON declaring a name,
// device, and handler class, START, then push simulated rows at a fixed
// rate until the connection drops, retrying with a fixed backoff.
package main

import (
	"bufio"
	"encoding/json"
	"log"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/aeviox/osprey/internal/wire"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	app := cli.NewApp()
	app.Name = "osprey-devicesim"
	app.Usage = "reference device client for exercising an osprey Host"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "server, s", Value: "127.0.0.1:8900", Usage: "Host listen address"},
		cli.StringFlag{Name: "name", Value: "eeg-1", Usage: "stream display name sent in SIGN_ON"},
		cli.StringFlag{Name: "device", Value: "sim-A", Usage: "device name sent in SIGN_ON"},
		cli.StringFlag{Name: "class", Value: "EEG", Usage: "handler class name sent in SIGN_ON (EEG, SenseHAT, Video, Audio, Log)"},
		cli.IntFlag{Name: "retry", Value: 5, Usage: "seconds between reconnection attempts"},
		cli.IntFlag{Name: "rate", Value: 10, Usage: "simulated rows per second once streaming"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	server := c.String("server")
	name := c.String("name")
	device := c.String("device")
	class := c.String("class")
	retry := time.Duration(c.Int("retry")) * time.Second
	tick := time.Second / time.Duration(max(1, c.Int("rate")))

	for {
		if err := runOnce(server, name, device, class, tick); err != nil {
			log.Println("devicesim: disconnected:", err)
		}
		log.Println("devicesim: re-connecting in", retry)
		time.Sleep(retry)
	}
}

// runOnce performs one connection lifetime: dial, SIGN_ON, START, then
// push simulated rows until the connection errors or closes.
func runOnce(server, name, device, class string, tick time.Duration) error {
	conn, err := net.Dial("tcp", server)
	if err != nil {
		return err
	}
	defer conn.Close()

	r := bufio.NewReader(conn)

	signOn := wire.NewRequest("SIGN_ON", "/"+name)
	signOn.SetHeader("name", name)
	signOn.SetHeader("device", device)
	signOn.SetHeader("class", class)
	if err := send(conn, r, signOn); err != nil {
		return err
	}

	start := wire.NewRequest("START", "/"+name)
	if err := send(conn, r, start); err != nil {
		return err
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for range ticker.C {
		row := map[string]interface{}{
			"time":  time.Now().UnixMilli(),
			"ch1":   rng.Float64(),
			"ch2":   rng.Float64(),
		}
		body, err := json.Marshal(row)
		if err != nil {
			return err
		}
		ingest := wire.NewRequest("INGEST", "/"+name)
		ingest.Body = body
		if err := send(conn, r, ingest); err != nil {
			return err
		}
	}
	return nil
}

// send writes req and reads back one response frame, discarding it;
// devicesim only cares whether the round trip succeeded.
func send(conn net.Conn, r *bufio.Reader, req *wire.Frame) error {
	if err := req.Encode(conn); err != nil {
		return err
	}
	_, err := wire.Parse(r)
	return err
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
