// packhowl-client is the headless terminal client: it keeps a session to
// the relay, runs the capture and playback pipelines, and takes keyboard
// commands on stdin.
//
//	t          toggle push-to-talk
//	m          toggle mic mute
//	s          toggle speaker mute
//	q          quit
//	<anything> send as chat
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/stormtheory/packhowl/pkg/audio"
	"github.com/stormtheory/packhowl/pkg/client"
	"github.com/stormtheory/packhowl/pkg/protocol"
	"github.com/stormtheory/packhowl/pkg/settings"
)

// consoleEvents prints session events to the terminal.
type consoleEvents struct{}

func (e *consoleEvents) OnState(s client.State) {
	fmt.Printf("* %s\n", s)
}

func (e *consoleEvents) OnStatus(text string) {
	fmt.Printf("* %s\n", text)
}

func (e *consoleEvents) OnUserList(users []protocol.UserEntry) {
	names := make([]string, 0, len(users))
	for _, u := range users {
		name := u.Name
		if u.TX {
			name += "*"
		}
		if u.Muted {
			name += " (muted)"
		}
		names = append(names, name)
	}
	fmt.Printf("* online: %s\n", strings.Join(names, ", "))
}

func (e *consoleEvents) OnChat(m protocol.Message) {
	who := m.Name
	if who == "" {
		who = "?"
	}
	fmt.Printf("<%s> %s\n", who, m.Text)
}

func main() {
	var (
		settingsPath = flag.String("settings", settings.DefaultPath(), "path to settings file")
		server       = flag.String("server", "", "relay address host:port (overrides settings)")
		name         = flag.String("name", "", "display name (overrides settings)")
		certFile     = flag.String("cert", "", "client certificate")
		keyFile      = flag.String("key", "", "client certificate key")
		caFile       = flag.String("ca", "", "CA certificate")
		mode         = flag.String("mode", "", "mic gate: open, ptt or vox (default from settings)")
		listDevices  = flag.Bool("list-devices", false, "list audio devices and exit")
		debug        = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	if err := run(*settingsPath, *server, *name, *certFile, *keyFile, *caFile, *mode, *listDevices, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "packhowl-client: %v\n", err)
		os.Exit(1)
	}
}

func run(settingsPath, server, name, certFile, keyFile, caFile, mode string, listDevices, debug bool) error {
	logCfg := zap.NewProductionConfig()
	if debug {
		logCfg = zap.NewDevelopmentConfig()
	}
	log, err := logCfg.Build()
	if err != nil {
		return err
	}
	defer log.Sync()

	engine, err := audio.NewEngine(log.Named("audio"))
	if err != nil {
		return err
	}
	defer engine.Close()

	if listDevices {
		return printDevices(engine)
	}

	prefs := settings.Load(settingsPath)
	if server == "" {
		host := prefs.String(settings.KeyServerHost, "")
		if host == "" {
			return fmt.Errorf("no server configured: pass -server or set %s", settings.KeyServerHost)
		}
		server = net.JoinHostPort(host, strconv.Itoa(prefs.Int(settings.KeyServerPort, 50443)))
	}
	if name == "" {
		name = prefs.String(settings.KeyDisplayName, "")
	}
	if name == "" {
		host, _ := os.Hostname()
		name = host
	}

	gateMode, err := parseMode(mode, prefs)
	if err != nil {
		return err
	}

	// Audio devices come up first so the announced mute state is real.
	capDev, err := engine.OpenCapture(prefs.String(settings.KeyInputDevice, ""))
	if err != nil {
		return err
	}
	defer capDev.Close()
	playDev, err := engine.OpenPlayback(prefs.String(settings.KeyOutputDevice, ""))
	if err != nil {
		return err
	}
	defer playDev.Close()

	decoder, err := audio.NewOpusDecoder()
	if err != nil {
		return err
	}
	playback := audio.NewPlayback(decoder, audio.NewPacketQueue(0), playDev.Rate, nil)
	playback.SetSpkMuted(prefs.Bool(settings.KeySpkMuted, false))

	sess := client.New(client.Config{
		Name: name,
		Dialer: &client.TLSDialer{
			Addr:     server,
			CertFile: firstNonEmpty(certFile, defaultCertPath("client.pem")),
			KeyFile:  firstNonEmpty(keyFile, defaultCertPath("client.key")),
			CAFile:   firstNonEmpty(caFile, defaultCertPath("ca.pem")),
		},
		Handler:  &consoleEvents{},
		Audio:    playback.Queue(),
		Log:      log.Named("session"),
		MicMuted: prefs.Bool(settings.KeyMicMuted, false),
		SpkMuted: playback.SpkMuted(),
	})

	var pttPressed atomic.Bool
	encoder, err := audio.NewOpusEncoder()
	if err != nil {
		return err
	}
	capture, err := audio.NewCapture(audio.CaptureConfig{
		Mode:         gateMode,
		PTT:          pttPressed.Load,
		VOXThreshold: prefs.Float(settings.KeyVOXThreshold, audio.DefaultVOXThreshold),
		Gain:         prefs.Float(settings.KeyMicGain, audio.DefaultGain),
		DeviceRate:   capDev.Rate,
		OnTX: func(active bool) {
			if active {
				fmt.Println("* transmitting")
			} else {
				fmt.Println("* idle")
			}
		},
	}, encoder, sess)
	if err != nil {
		return err
	}
	capture.SetMicMuted(prefs.Bool(settings.KeyMicMuted, false))

	if err := capDev.Start(func(pcm []int16) {
		if err := capture.ProcessFrame(pcm); err != nil {
			log.Warn("capture frame", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	if err := playDev.Start(playback.RenderFrame); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sess.Run(ctx)
	defer sess.Stop()

	fmt.Printf("* connecting to %s as %s (%s mode)\n", server, name, gateMode)
	return commandLoop(ctx, sess, capture, playback, &pttPressed)
}

// commandLoop reads stdin commands until quit or shutdown.
func commandLoop(ctx context.Context, sess *client.Session, capture *audio.CapturePipeline, playback *audio.PlaybackPipeline, ptt *atomic.Bool) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "":
			case "q":
				return nil
			case "t":
				ptt.Store(!ptt.Load())
				fmt.Printf("* ptt %v\n", ptt.Load())
			case "m":
				muted := !capture.MicMuted()
				capture.SetMicMuted(muted)
				sess.SendStatus(muted, playback.SpkMuted())
				fmt.Printf("* mic muted %v\n", muted)
			case "s":
				muted := !playback.SpkMuted()
				playback.SetSpkMuted(muted)
				sess.SendStatus(capture.MicMuted(), muted)
				fmt.Printf("* speaker muted %v\n", muted)
			default:
				sess.SendChat(line)
			}
		}
	}
}

func parseMode(mode string, prefs *settings.Store) (audio.GateMode, error) {
	switch mode {
	case "open":
		return audio.GateOpenMic, nil
	case "ptt":
		return audio.GatePTT, nil
	case "vox":
		return audio.GateVOX, nil
	case "":
		if prefs.Bool(settings.KeyVOXEnabled, false) {
			return audio.GateVOX, nil
		}
		if prefs.Bool(settings.KeyPTTEnabled, false) {
			return audio.GatePTT, nil
		}
		return audio.GateOpenMic, nil
	default:
		return 0, fmt.Errorf("unknown mode %q: want open, ptt or vox", mode)
	}
}

func printDevices(engine *audio.Engine) error {
	capture, err := engine.CaptureDevices()
	if err != nil {
		return err
	}
	playback, err := engine.PlaybackDevices()
	if err != nil {
		return err
	}
	fmt.Println("capture devices:")
	for _, d := range capture {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Printf("  %s %s\n", marker, d.Name)
	}
	fmt.Println("playback devices:")
	for _, d := range playback {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Printf("  %s %s\n", marker, d.Name)
	}
	return nil
}

func defaultCertPath(file string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return file
	}
	return home + "/.packhowl/certs/" + file
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
