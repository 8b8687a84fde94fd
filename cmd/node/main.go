// Command node runs a single simulated Forest Guardian sensor: it captures
// audio, computes mel-spectrogram windows, evaluates the anomaly gate, and
// transmits confirmed detections to a hub over a simulated LoRa link,
// following the teacher's main.go godotenv-then-dispatch idiom.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"

	"forestguardian/internal/audio"
	"forestguardian/internal/config"
	"forestguardian/internal/gate"
	"forestguardian/internal/logging"
	"forestguardian/internal/node"
	"forestguardian/internal/radio"
	"forestguardian/internal/spectrogram"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadNode()
	if err != nil {
		log.Fatalf("node: loading config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	localAddr := flag.String("listen", ":0", "UDP address this node binds for its radio link")
	hubAddr := flag.String("hub", "127.0.0.1:9999", "UDP address of the hub's radio receiver")
	energyThreshold := flag.Float64("energy-threshold", 0.35, "production-profile energy threshold (fraction of the 255 full-scale cell value, 0-1)")
	simulate := flag.Bool("simulate", true, "use a synthetic noise/burst audio source instead of a real capture device")
	burstHz := flag.Float64("burst-hz", 0, "if > 0, inject a sustained chainsaw-like harmonic burst at this fundamental frequency for demo purposes")
	flag.Parse()

	var src audio.PCMSource
	if *simulate {
		sim := audio.NewSimulatedSource(1, 400)
		if *burstHz > 0 {
			sim.InjectChainsawBurst(*burstHz, 6, 12000)
		}
		src = sim
	} else {
		log.Fatalf("node: non-simulated capture is not available on this target; pass -simulate")
	}

	capture := audio.NewCapture(src)
	engine := spectrogram.NewEngine()
	g := gate.New(cfg.AnomalyProfile, *energyThreshold, cfg.ConsecutiveHits, cfg.TxCooldown, clockwork.NewRealClock())

	transceiver, err := radio.NewUDPTransceiver(
		radio.DefaultParams(cfg.RadioFreqMHz, cfg.RadioSF, cfg.RadioSyncWord),
		radio.DefaultChannelConfig(),
		*localAddr,
		*hubAddr,
	)
	if err != nil {
		log.Fatalf("node: binding radio transceiver: %v", err)
	}
	defer transceiver.Close()

	battery := &node.DrainingBattery{Voltage: 4.2, Step: 0, Floor: 3.0}

	sched := node.New(cfg, capture, engine, g, transceiver, battery, clockwork.NewRealClock(), logger)
	sched.Run(ctx)
}
