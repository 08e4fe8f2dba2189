// Package osc implements the UDP message bus that ties the installation
// together. Every logical port is opened with SO_REUSEPORT so several
// processes can bind the same port and each receive every datagram; this
// is the only decoupling mechanism between producers and consumers — there
// is no in-process broker.
//
// Message encoding and decoding is delegated to github.com/hypebeast/go-osc;
// this package adds the reuse-port listener, the broadcast publisher, and
// the address validators shared by the engine's subsystems.
package osc

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Default UDP ports for the installation's logical streams.
const (
	PortPPG     = 8000 // raw sensor input (/ppg/{ch})
	PortBeats   = 8001 // beats, acquires, releases
	PortControl = 8003 // sequencer <-> audio/sampler/lighting
	PortAdmin   = 8080 // HTTP admin surface (not OSC, reserved here for config symmetry)
)

// 12-bit ADC value range for PPG samples.
const (
	ADCMin = 0
	ADCMax = 4095
)

// Channel ranges. Physical sensors occupy 0-3; the sampler's virtual
// channels occupy 4-7 and reuse the sample bank of (ch mod 4).
const (
	NumPhysicalChannels = 4
	NumChannels         = 8
)

// SamplesPerBundle is the number of consecutive ADC samples carried by a
// single /ppg message. At 50 Hz the bundle spans 100 ms.
const SamplesPerBundle = 5

// SampleIntervalMS is the spacing between consecutive samples in a bundle.
const SampleIntervalMS = 20

// ErrInvalidAddress is returned by the address validators when the address
// does not match the expected pattern.
var ErrInvalidAddress = errors.New("invalid osc address")

var (
	ppgAddrRe     = regexp.MustCompile(`^/ppg/([0-7])$`)
	beatAddrRe    = regexp.MustCompile(`^/beat/([0-7])$`)
	acquireAddrRe = regexp.MustCompile(`^/acquire/([0-7])$`)
	releaseAddrRe = regexp.MustCompile(`^/release/([0-7])$`)
	routeAddrRe   = regexp.MustCompile(`^/route/([0-7])$`)
	selectAddrRe  = regexp.MustCompile(`^/select/([0-3])$`)
)

func parseChannel(re *regexp.Regexp, address string) (int, error) {
	m := re.FindStringSubmatch(address)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	ch, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return ch, nil
}

// ParsePPGAddress extracts the channel id from a /ppg/{0-7} address.
func ParsePPGAddress(address string) (int, error) {
	return parseChannel(ppgAddrRe, address)
}

// ParseBeatAddress extracts the channel id from a /beat/{0-7} address.
func ParseBeatAddress(address string) (int, error) {
	return parseChannel(beatAddrRe, address)
}

// ParseAcquireAddress extracts the channel id from an /acquire/{0-7} address.
func ParseAcquireAddress(address string) (int, error) {
	return parseChannel(acquireAddrRe, address)
}

// ParseReleaseAddress extracts the channel id from a /release/{0-7} address.
func ParseReleaseAddress(address string) (int, error) {
	return parseChannel(releaseAddrRe, address)
}

// ParseRouteAddress extracts the channel id from a /route/{0-7} address.
func ParseRouteAddress(address string) (int, error) {
	return parseChannel(routeAddrRe, address)
}

// ParseSelectAddress extracts the sensor id from a /select/{0-3} address.
func ParseSelectAddress(address string) (int, error) {
	return parseChannel(selectAddrRe, address)
}

// PPGAddr returns the /ppg address for a channel.
func PPGAddr(ch int) string { return fmt.Sprintf("/ppg/%d", ch) }

// BeatAddr returns the /beat address for a channel.
func BeatAddr(ch int) string { return fmt.Sprintf("/beat/%d", ch) }

// AcquireAddr returns the /acquire address for a channel.
func AcquireAddr(ch int) string { return fmt.Sprintf("/acquire/%d", ch) }

// ReleaseAddr returns the /release address for a channel.
func ReleaseAddr(ch int) string { return fmt.Sprintf("/release/%d", ch) }

// RouteAddr returns the /route address for a channel.
func RouteAddr(ch int) string { return fmt.Sprintf("/route/%d", ch) }

// LEDAddr returns the /led address for a grid cell.
func LEDAddr(row, col int) string { return fmt.Sprintf("/led/%d/%d", row, col) }

// ValidatePort reports whether a UDP port number is usable.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// IntArg coerces an OSC argument to int64. OSC carries 32-bit ints natively
// and 64-bit ints for values that do not fit; receivers accept both, plus
// plain Go ints from in-process tests.
func IntArg(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// FloatArg coerces an OSC argument to float64. Wire floats are 32-bit;
// integer arguments are accepted where senders round-trip whole values.
func FloatArg(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
