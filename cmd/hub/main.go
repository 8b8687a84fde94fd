// Command hub runs the Forest Guardian central gateway: it receives radio
// packets from sensor nodes, reassembles spectrograms, dispatches them to
// the tiered classifier, persists everything, and serves the HTTP/Socket.IO
// surface, following the teacher's main.go godotenv-then-dispatch idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/mdobak/go-xerrors"
	"github.com/prometheus/client_golang/prometheus"

	"forestguardian/internal/classifier"
	"forestguardian/internal/config"
	"forestguardian/internal/httpapi"
	"forestguardian/internal/logging"
	"forestguardian/internal/radio"
	"forestguardian/internal/reassembler"
	"forestguardian/internal/store"
	"forestguardian/internal/telemetry"
	"forestguardian/internal/wire"
)

const classifierWorkers = 2

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadHub()
	if err != nil {
		log.Fatalf("hub: loading config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listenAddr := flag.String("listen", ":9999", "UDP address the radio link listens on")
	peerAddr := flag.String("peer", "", "UDP address of a single fixed peer node (optional; learned from first packet otherwise)")
	flag.Parse()

	if err := run(ctx, cfg, *listenAddr, *peerAddr, logger); err != nil {
		log.Fatalf("hub: %v", err)
	}
}

func run(ctx context.Context, cfg *config.HubConfig, listenAddr, peerAddr string, logger *slog.Logger) error {
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	st, err := store.Open(cfg.DBPath, cfg.SpectrogramDir, metrics, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	local, err := classifier.NewLocalFromFile("prototypes.json", 5)
	if err != nil {
		return fmt.Errorf("building local classifier: %w", err)
	}
	fast := classifier.NewFastCloud(cfg.FastCloudURL)

	var deep *classifier.DeepCloud
	var quota classifier.QuotaReporter
	if cfg.GeminiAPIKey != "" {
		deep, err = classifier.NewDeepCloud(ctx, cfg.GeminiAPIKey, cfg.DeepRateLimit, cfg.DeepRateWindow, clockwork.NewRealClock())
		if err != nil {
			logger.Warn("deep cloud tier unavailable", slog.Any("error", xerrors.New(err)))
			deep = nil
		} else {
			quota = deep
		}
	} else {
		logger.Info("no GEMINI_API_KEY configured, deep cloud tier disabled")
	}

	var dispatchDeep classifier.Classifier
	if deep != nil {
		dispatchDeep = deep
	}
	dispatcher := classifier.NewDispatcher(local, fast, dispatchDeep, quota, st, metrics)

	transceiver, err := radio.NewUDPTransceiver(
		radio.DefaultParams(cfg.RadioFreqMHz, cfg.RadioSF, cfg.RadioSyncWord),
		radio.DefaultChannelConfig(),
		listenAddr,
		peerAddr,
	)
	if err != nil {
		return fmt.Errorf("binding radio transceiver: %w", err)
	}
	defer transceiver.Close()

	reasm := reassembler.New(st, clockwork.NewRealClock(), metrics, cfg.SessionTimeout,
		reassembler.WithPermissiveMode(cfg.PermissiveReassembly))

	var wg sync.WaitGroup

	received := make(chan receivedPacket, 256)

	wg.Add(1)
	go func() {
		defer wg.Done()
		radioRXLoop(ctx, transceiver, received, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reassemblerLoop(ctx, reasm, received)
	}()

	for i := 0; i < classifierWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			classifyWorker(ctx, worker, st, dispatcher, cfg.AIMode, logger)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		syncDrainLoop(ctx, st, dispatcher, cfg.AIMode, logger)
	}()

	server := httpapi.New(st, quota, cfg.AIMode, metrics)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("hub shutting down")
	case err := <-serverErr:
		logger.Error("http server exited", slog.Any("error", xerrors.New(err)))
	}

	wg.Wait()
	return nil
}

// receivedPacket carries one parsed packet from the radio RX task to the
// reassembler task over the bounded channel SPEC_FULL.md §5 specifies.
type receivedPacket struct {
	pkt  *wire.Packet
	rssi int
}

// radioRXLoop is the Radio RX task (SPEC_FULL.md §5): it blocks on Receive,
// parses each datagram as a wire packet, and delivers well-formed ones to
// the reassembler task over a bounded channel. It never does classification
// or any I/O other than the radio itself. Malformed packets are dropped and
// logged rather than killing the loop (§7 Protocol error handling).
func radioRXLoop(ctx context.Context, t *radio.UDPTransceiver, out chan<- receivedPacket, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		reception, err := t.Receive(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("radio receive failed, resetting link", slog.Any("error", xerrors.New(err)))
			_ = t.Reset()
			continue
		}
		if reception == nil {
			continue
		}

		pkt, err := wire.ParsePacket(reception.Data)
		if err != nil {
			logger.Warn("dropping malformed packet", slog.Any("error", xerrors.New(err)))
			continue
		}

		select {
		case out <- receivedPacket{pkt: pkt, rssi: reception.RSSI}:
		case <-ctx.Done():
			return
		}
	}
}

// reassemblerLoop is the Reassembler task (SPEC_FULL.md §5): it drains the
// RX channel serially and owns the in-flight session table exclusively, the
// same goroutine also driving the 1s abandonment Tick so no second goroutine
// ever touches the Reassembler.
func reassemblerLoop(ctx context.Context, reasm *reassembler.Reassembler, in <-chan receivedPacket) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reasm.Tick()
		case rp := <-in:
			reasm.OnPacket(rp.pkt, rp.rssi)
		}
	}
}

// classifyWorker drains the store's classify queue and records each outcome.
func classifyWorker(ctx context.Context, id int, st *store.Store, dispatcher *classifier.Dispatcher, mode config.ClassifierMode, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-st.ClassifyQueue():
			if !ok {
				return
			}
			outcome := dispatcher.Classify(ctx, job.SpectrogramID, job.ImagePNG, classifier.Mode(mode))
			if err := st.RecordClassification(job.SpectrogramID, outcome); err != nil {
				logger.Error("recording classification",
					slog.Int("worker", id),
					slog.String("spectrogram_id", job.SpectrogramID),
					slog.Any("error", xerrors.New(err)))
			}
		}
	}
}

const syncDrainInterval = 30 * time.Second
const syncDrainBatch = 10

// syncDrainLoop periodically retries the offline classification queue
// (SPEC_FULL.md §4.H), re-running the full dispatcher against each pending
// entry's stored image and recording the retry outcome.
func syncDrainLoop(ctx context.Context, st *store.Store, dispatcher *classifier.Dispatcher, mode config.ClassifierMode, logger *slog.Logger) {
	ticker := time.NewTicker(syncDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := st.NextPendingSyncEntries(syncDrainBatch)
			if err != nil {
				logger.Error("listing pending sync entries", slog.Any("error", xerrors.New(err)))
				continue
			}
			if len(entries) == 0 {
				continue
			}
			var synced, failed int
			for _, entry := range entries {
				imagePNG, err := st.SpectrogramImagePNG(entry.SpectrogramID)
				if err != nil {
					_ = st.MarkSyncResult(entry.ID, entry.SpectrogramID, false, err)
					failed++
					continue
				}
				outcome := dispatcher.Classify(ctx, entry.SpectrogramID, imagePNG, classifier.Mode(mode))
				if outcome.Tier == classifier.TierNone {
					_ = st.MarkSyncResult(entry.ID, entry.SpectrogramID, false, fmt.Errorf("classifier: no tier produced a result"))
					failed++
					continue
				}
				if err := st.RecordClassification(entry.SpectrogramID, outcome); err != nil {
					_ = st.MarkSyncResult(entry.ID, entry.SpectrogramID, false, err)
					failed++
					continue
				}
				_ = st.MarkSyncResult(entry.ID, entry.SpectrogramID, true, nil)
				synced++
			}
			st.PublishSyncBatchCompleted(synced, failed)
		}
	}
}
