package sampler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/corazonn/amor/internal/capture"
)

// bundleInterval is the live cadence of /ppg bundles: five samples at
// 50 Hz span 100 ms.
const bundleInterval = 100 * time.Millisecond

// virtualChannel replays a captured buffer on a virtual channel id in a
// continuous loop, preserving the recording's inter-bundle timing. The
// replayed bundles carry the original sender timestamps, so each loop
// iteration looks like a sensor reboot to the detector — which resets and
// re-locks, exactly as it would for real hardware cycling power.
type virtualChannel struct {
	channel   int
	records   []capture.Record
	publisher Publisher
	logger    *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

func newVirtualChannel(channel int, records []capture.Record, publisher Publisher, logger *slog.Logger) *virtualChannel {
	return &virtualChannel{
		channel:   channel,
		records:   records,
		publisher: publisher,
		logger:    logger.With("subsystem", "virtual-channel", "channel", channel),
		done:      make(chan struct{}),
	}
}

func (vc *virtualChannel) start() {
	vc.wg.Add(1)
	go vc.run()
}

func (vc *virtualChannel) stop() {
	close(vc.done)
	vc.wg.Wait()
}

func (vc *virtualChannel) run() {
	defer vc.wg.Done()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}

	for iteration := 0; ; iteration++ {
		start := time.Now()
		first := vc.records[0].TimestampMS

		for _, rec := range vc.records {
			// Relative offset from the start of the recording, mapped
			// onto the monotonic clock of this loop iteration.
			offset := time.Duration(rec.TimestampMS-first) * time.Millisecond
			wait := time.Until(start.Add(offset))
			if wait > 0 {
				timer.Reset(wait)
				select {
				case <-vc.done:
					if !timer.Stop() {
						<-timer.C
					}
					return
				case <-timer.C:
				}
			} else {
				select {
				case <-vc.done:
					return
				default:
				}
			}
			vc.publisher.PublishPPG(vc.channel, rec)
		}

		// Hold the bundle cadence across the loop seam: the next
		// iteration begins one bundle interval after the last record,
		// exactly as the live sensor would have continued.
		span := time.Duration(vc.records[len(vc.records)-1].TimestampMS-first)*time.Millisecond + bundleInterval
		wait := time.Until(start.Add(span))
		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-vc.done:
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-timer.C:
			}
		}

		vc.logger.Debug("replay loop completed", "iteration", iteration)
	}
}
