/*Command wavemeterd is the wavemeter control server binary. It follows
the teacher's cmd/multiserver and cmd/andorhttp3 CLI shape: a small set
of subcommands (run, help, mkconf, conf, version) layered over a koanf
configuration.
*/
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	yml "gopkg.in/yaml.v2"

	"github.com/RemoteEntanglement/Wavemeter-Server/adminhttp"
	"github.com/RemoteEntanglement/Wavemeter-Server/config"
	"github.com/RemoteEntanglement/Wavemeter-Server/controller"
	"github.com/RemoteEntanglement/Wavemeter-Server/dacdriver"
	"github.com/RemoteEntanglement/Wavemeter-Server/pidloop"
	"github.com/RemoteEntanglement/Wavemeter-Server/registry"
	"github.com/RemoteEntanglement/Wavemeter-Server/session"
	"github.com/RemoteEntanglement/Wavemeter-Server/wireproto"
	"github.com/RemoteEntanglement/Wavemeter-Server/wmdriver"
)

// Version is the version number, typically injected via ldflags with a
// git build, matching the teacher's convention.
var Version = "dev"

// ConfigFileName is what it sounds like.
var ConfigFileName = "wavemeterd.yml"

func root() {
	str := `wavemeterd accepts multiple clients over TCP, locks one or more lasers
to target frequencies read from a wavemeter, and fans out measurements
and state changes to every subscribed client.

Usage:
	wavemeterd <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `wavemeterd is configured via its .yml file. When no configuration is
present, built-in defaults are used. The command mkconf writes the
default configuration to disk so it can be edited.`
	fmt.Println(str)
}

func mkconf() {
	cfg := config.Default()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(cfg); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	cfg, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	if err := yml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("wavemeterd version %v\n", Version)
}

func buildChannels(cfg config.Config) []*registry.Channel {
	chs := make([]*registry.Channel, 0, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		ch := registry.NewChannel(cc.Name, cc.FiberSwitch, cc.DACChannel, cc.ExposureTimeMs)
		ch.TargetFrequency = cc.TargetFrequency
		ch.PP, ch.II, ch.DD, ch.Gain = cc.PP, cc.II, cc.DD, cc.Gain
		chs = append(chs, ch)
	}
	return chs
}

func buildDrivers(cfg config.Config) (wmdriver.Driver, dacdriver.Driver) {
	if cfg.Driver == "networked" {
		return wmdriver.NewNetworked(cfg.WavemeterAddr), dacdriver.NewNetworked(cfg.DACAddr)
	}
	return wmdriver.NewSimulated(), dacdriver.NewSimulated()
}

func run() {
	cfg, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}

	wm, dac := buildDrivers(cfg)
	pidCfg := pidloop.Config{
		SwitchSafeMs:       cfg.PID.SwitchSafeMs,
		AutoExposureStep:   cfg.PID.AutoExposureStep,
		MaxFrequencyOffset: cfg.PID.MaxFrequencyOffset,
		MaxFrequencyChange: cfg.PID.MaxFrequencyChange,
	}
	snap := config.Snapshot{PID: cfg.PID}
	ctl := controller.New(buildChannels(cfg), wm, dac, pidCfg, snap)
	go ctl.Run()

	srv, err := buildSession(cfg, ctl)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.AdminAddr != "" {
		go func() {
			mux := adminhttp.NewMux(adapter{ctl})
			log.Println("admin HTTP listening at", cfg.AdminAddr)
			log.Fatal(http.ListenAndServe(cfg.AdminAddr, mux))
		}()
	}

	log.Println("wavemeterd listening at", srv.Addr())
	log.Fatal(srv.Serve())
}

// adapter narrows *controller.Controller to adminhttp.StatusProvider,
// translating controller.ChannelSnapshot to adminhttp.ChannelSnapshot so
// neither package needs to import the other.
type adapter struct{ c *controller.Controller }

func (a adapter) Status() (registry.Status, string, int) { return a.c.Status() }

func (a adapter) ChannelSnapshots() []adminhttp.ChannelSnapshot {
	in := a.c.ChannelSnapshots()
	out := make([]adminhttp.ChannelSnapshot, len(in))
	for i, s := range in {
		out[i] = adminhttp.ChannelSnapshot(s)
	}
	return out
}

// buildSession wires package session's decoded frames into the
// Controller's work queue, translating the session layer's plain
// callback arguments into a controller.WorkItem.
func buildSession(cfg config.Config, ctl *controller.Controller) (*session.Server, error) {
	return session.New(cfg.ListenAddr, func(control byte, command string, data []wireproto.Value, clientName string, handle registry.Handle) {
		ctl.Enqueue(controller.WorkItem{
			Control: control,
			Command: command,
			Data:    data,
			Client:  clientName,
			Handle:  handle,
		})
	})
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "version":
		pversion()
	case "run":
		run()
	default:
		root()
	}
}
