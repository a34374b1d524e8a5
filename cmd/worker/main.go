// Command worker is the osprey Worker Node (spec §4.E): spawned by a Host
// process per device stream, inheriting a control socket and an fd-passing
// socket at fixed descriptor slots (3 and 4, matching
// internal/node.Host.spawnWorker's exec.Cmd.ExtraFiles order). It has no
// accept loop of its own; every socket it ever owns arrived as a live-
// socket handoff from the Host (spec §4.D).
//
// Which concrete Streamer Handler to run is not known until the first
// SIGN_ON's "class" header arrives (spec §4.F "SIGN_ON ... declares ...
// the class name of the server-side handler to instantiate"), so this
// binary registers a bootstrap SIGN_ON handler that builds the real
// Streamer on first use and re-dispatches the same request through it.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/aeviox/osprey/internal/config"
	"github.com/aeviox/osprey/internal/ipc"
	"github.com/aeviox/osprey/internal/node"
	"github.com/aeviox/osprey/internal/runtime"
	"github.com/aeviox/osprey/internal/socket"
	"github.com/aeviox/osprey/internal/store"
	"github.com/aeviox/osprey/internal/streamer"
	"github.com/aeviox/osprey/internal/wire"
)

// ctrlFD and fdFD are the descriptor slots a spawned Worker inherits,
// matching the ExtraFiles order internal/node.Host.spawnWorker sets up.
const (
	ctrlFD = 3
	fdFD   = 4
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg := config.Default()
	if len(os.Args) > 1 {
		if err := config.LoadJSON(cfg, os.Args[1]); err != nil {
			log.Fatalf("%+v", err)
		}
	}

	ctx, err := runtime.New(cfg)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	pipe, err := inheritedPipe()
	if err != nil {
		ctx.Errorf("worker: could not reconstruct inherited pipe: %v", err)
		os.Exit(1)
	}

	livePass := store.DerivePassword(cfg.LiveStorePassword)
	writer := store.NewLive(ctx, "127.0.0.1:6379", livePass, cfg.LiveDir, cfg.SaveDir, "live.rdb")

	w := node.NewWorker(ctx, "", pipe)
	bootstrapSignOn(ctx, w, writer)

	ctx.Infof("worker %s starting", w.ID)
	w.Run()
}

// inheritedPipe reconstructs the Host-facing Channel from the two
// descriptors this process inherited at spawn time (internal/node.Host's
// ExtraFiles: control socket first, fd-passing socket second). isServer
// is false here since internal/node.Host.spawnWorker always performs the
// smux handshake as the server side.
func inheritedPipe() (ipc.Channel, error) {
	ctrl, err := unixConnFromFD(ctrlFD, "ctrl")
	if err != nil {
		return nil, err
	}
	fd, err := unixConnFromFD(fdFD, "fd")
	if err != nil {
		ctrl.Close()
		return nil, err
	}
	return ipc.NewProcessChannel(ctrl, fd, false)
}

func unixConnFromFD(fd uintptr, name string) (*net.UnixConn, error) {
	f := os.NewFile(fd, "inherited-"+name)
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("inherited fd %d is not a unix socket", fd)
	}
	return uc, nil
}

// bootstrapSignOn registers a one-shot SIGN_ON handler that picks the
// concrete Streamer Handler named by the request's "class" header, binds
// the real Streamer dispatch methods over it, and re-dispatches this same
// request so the real handleSignOn logic (info/group record creation,
// state transition) still runs.
func bootstrapSignOn(ctx *runtime.Context, w *node.Worker, writer streamer.DataWriter) {
	w.Register("SIGN_ON", func(h *socket.Handler, req *wire.Frame) {
		class := req.Header("class")
		handler, err := newHandlerForClass(class)
		if err != nil {
			ctx.Errorf("worker %s: %v", w.ID, err)
			h.Send(wire.NewResponse("400", err.Error()))
			h.Shutdown("unknown handler class")
			return
		}
		s := streamer.New(ctx, writer, handler, 200*time.Millisecond)
		s.Bind(w)
		w.Handle(h, req, false)
	})
}

// newHandlerForClass maps a SIGN_ON "class" header to a concrete Streamer
// Handler constructor (spec §4.F's EEG/Video/SenseHAT/Audio handlers, plus
// the supplemented Log handler).
func newHandlerForClass(class string) (streamer.Handler, error) {
	switch strings.ToLower(class) {
	case "eeg", "eeghandler":
		return streamer.NewEEGHandler(), nil
	case "sensehat", "sensehandler":
		return streamer.NewSenseHATHandler(), nil
	case "video", "videohandler":
		return streamer.NewVideoHandler(), nil
	case "audio", "audiohandler":
		return streamer.NewAudioHandler(), nil
	case "log", "loghandler":
		return streamer.NewLogHandler(), nil
	default:
		return nil, fmt.Errorf("unknown handler class %q", class)
	}
}
