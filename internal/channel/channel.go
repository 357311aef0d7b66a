package channel

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fieldctl/internal/memory"
)

var (
	ErrReferenceMismatch = errors.New("channel: phase reference length mismatch")
	ErrEmptyEncoding     = errors.New("channel: no basis keys survived encoding")
	ErrChecksumMismatch  = errors.New("channel: checksum mismatch")
	ErrHolonomyMismatch  = errors.New("channel: holonomy outside tolerance")
	ErrBasisMismatch     = errors.New("channel: packet basis does not match channel basis")
)

// Options tunes channel protection behavior.
type Options struct {
	// DisableProtection turns off holonomy and topological wrapping; the
	// checksum trailer is always applied.
	DisableProtection bool
	// HolonomyTolerance is the accepted digest drift before correction.
	HolonomyTolerance float64
	// CorrectionWindow is the drift span beyond tolerance where a linear
	// correction is attempted before rejecting.
	CorrectionWindow float64
}

// DefaultOptions returns protection defaults.
func DefaultOptions() Options {
	return Options{
		HolonomyTolerance: 1e-6,
		CorrectionWindow:  1e-2,
	}
}

// Channel encodes candidate objects onto a fixed shared basis and decodes
// them back, with integrity and phase-protection layers. Encoding is lossy:
// object keys outside the channel basis are dropped.
type Channel struct {
	nodeID      string
	channelID   string
	basisKeys   []int
	freqWeights []float64
	loopPath    []float64
	opts        Options

	mu        sync.Mutex
	localRef  PhaseReference
	connected bool

	sequence     atomic.Uint64
	decodeErrors atomic.Uint64
	logger       zerolog.Logger
}

// New creates a channel over a fixed basis key set. Frequency weights and
// the holonomy loop path are derived deterministically from basis positions
// so that both endpoints agree without negotiation.
func New(nodeID, channelID string, basisKeys []int, opts Options) *Channel {
	n := len(basisKeys)
	weights := make([]float64, n)
	loop := make([]float64, n)
	offsets := make([]float64, n)
	for i, k := range basisKeys {
		weights[i] = 1.0 / (1.0 + 0.1*float64(i))
		loop[i] = 2 * math.Pi * float64(i) / float64(max(n, 1))
		offsets[i] = math.Mod(float64(k), 2*math.Pi)
	}
	if opts.HolonomyTolerance <= 0 {
		opts.HolonomyTolerance = DefaultOptions().HolonomyTolerance
	}
	if opts.CorrectionWindow <= 0 {
		opts.CorrectionWindow = DefaultOptions().CorrectionWindow
	}
	return &Channel{
		nodeID:      nodeID,
		channelID:   channelID,
		basisKeys:   append([]int(nil), basisKeys...),
		freqWeights: weights,
		loopPath:    loop,
		opts:        opts,
		localRef:    PhaseReference{NodeID: nodeID, Offsets: offsets},
		logger:      log.With().Str("component", "channel").Str("channel", channelID).Logger(),
	}
}

// LocalReference returns a copy of the node's current phase reference.
func (c *Channel) LocalReference() PhaseReference {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := PhaseReference{NodeID: c.localRef.NodeID, Offsets: append([]float64(nil), c.localRef.Offsets...)}
	return out
}

// Connected reports whether a handshake has completed.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect clears the connected flag.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// Handshake aligns the local phase frame to a remote reference by the mean
// circular difference and marks the channel connected.
func (c *Channel) Handshake(remote PhaseReference) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(remote.Offsets) != len(c.localRef.Offsets) {
		return fmt.Errorf("%w: local=%d remote=%d", ErrReferenceMismatch, len(c.localRef.Offsets), len(remote.Offsets))
	}
	shift := circularMeanDifference(c.localRef.Offsets, remote.Offsets)
	for i := range c.localRef.Offsets {
		c.localRef.Offsets[i] = wrapAngle(c.localRef.Offsets[i] + shift)
	}
	c.connected = true
	c.logger.Info().Str("peer", remote.NodeID).Float64("shift", shift).Msg("handshake aligned")
	return nil
}

// Encode remaps an object onto the channel basis, applies holonomy and
// topological wrapping, and attaches the integrity checksum.
func (c *Channel) Encode(obj memory.Object, targetNodeID string) (Packet, error) {
	if err := obj.Validate(); err != nil {
		return Packet{}, err
	}

	n := len(c.basisKeys)
	amps := make([]float64, n)
	phases := make([]float64, n)
	carried := 0
	for i, key := range c.basisKeys {
		found := false
		for j, k := range obj.BasisKeys {
			if k == key {
				amps[i] = obj.Amplitudes[j] * c.freqWeights[i]
				phases[i] = obj.Phases[j]
				found = true
				break
			}
		}
		if found {
			carried++
		}
	}
	if carried == 0 {
		return Packet{}, ErrEmptyEncoding
	}

	signature := make([]float64, n)
	holonomy := 0.0
	txPhases := phases
	if !c.opts.DisableProtection {
		holonomy = holonomyDigest(phases, c.loopPath)
		txPhases = make([]float64, n)
		for i, p := range phases {
			w := math.Floor(p / (2 * math.Pi))
			signature[i] = w
			txPhases[i] = p - w*2*math.Pi
		}
	}

	pkt := Packet{
		Header: Header{
			SourceNodeID:   c.nodeID,
			TargetNodeID:   targetNodeID,
			ChannelID:      c.channelID,
			SequenceNumber: c.sequence.Add(1),
		},
		EncodedAmplitudes:    amps,
		EncodedPhases:        txPhases,
		ChannelBasisKeys:     append([]int(nil), c.basisKeys...),
		TopologicalSignature: signature,
		HolonomyPhase:        holonomy,
		OriginalObjectID:     obj.ID,
	}
	pkt.Checksum = PacketChecksum(pkt.EncodedAmplitudes, pkt.EncodedPhases, pkt.HolonomyPhase)
	return pkt, nil
}

// Decode verifies integrity, unwraps the protection layers, and constructs a
// fresh object on the channel basis. Emission metadata does not travel on
// the channel; the reconstructed object carries none. Failures increment the
// decode error counter and return an error, never a partial object.
func (c *Channel) Decode(pkt Packet) (*memory.Object, error) {
	if !pkt.VerifyChecksum() {
		c.decodeErrors.Add(1)
		c.logger.Warn().Str("object", pkt.OriginalObjectID).Msg("checksum rejected")
		return nil, ErrChecksumMismatch
	}
	n := len(c.basisKeys)
	if len(pkt.ChannelBasisKeys) != n || len(pkt.EncodedAmplitudes) != n || len(pkt.EncodedPhases) != n {
		c.decodeErrors.Add(1)
		return nil, ErrBasisMismatch
	}
	for i, k := range pkt.ChannelBasisKeys {
		if k != c.basisKeys[i] {
			c.decodeErrors.Add(1)
			return nil, ErrBasisMismatch
		}
	}

	phases := append([]float64(nil), pkt.EncodedPhases...)
	if !c.opts.DisableProtection {
		if len(pkt.TopologicalSignature) != n {
			c.decodeErrors.Add(1)
			return nil, ErrBasisMismatch
		}
		for i := range phases {
			phases[i] += pkt.TopologicalSignature[i] * 2 * math.Pi
		}

		computed := holonomyDigest(phases, c.loopPath)
		diff := pkt.HolonomyPhase - computed
		if math.Abs(diff) > c.opts.HolonomyTolerance {
			if math.Abs(diff) > c.opts.CorrectionWindow {
				c.decodeErrors.Add(1)
				c.logger.Warn().Float64("diff", diff).Msg("holonomy rejected")
				return nil, ErrHolonomyMismatch
			}
			// Slight drift: spread a linear correction across components
			// and retry once.
			step := diff / float64(n)
			for i := range phases {
				phases[i] += step
			}
			if math.Abs(pkt.HolonomyPhase-holonomyDigest(phases, c.loopPath)) > c.opts.CorrectionWindow {
				c.decodeErrors.Add(1)
				return nil, ErrHolonomyMismatch
			}
		}
	}

	amps := make([]float64, n)
	for i, a := range pkt.EncodedAmplitudes {
		if c.freqWeights[i] != 0 {
			amps[i] = a / c.freqWeights[i]
		}
	}

	obj := &memory.Object{
		ID:           pkt.OriginalObjectID,
		Timestamp:    time.Now(),
		BasisKeys:    append([]int(nil), c.basisKeys...),
		Amplitudes:   amps,
		Phases:       phases,
		SourceNodeID: pkt.Header.SourceNodeID,
	}
	return obj, nil
}

// DecodeErrors returns the count of rejected decodes.
func (c *Channel) DecodeErrors() uint64 {
	return c.decodeErrors.Load()
}

// holonomyDigest folds phase relationships around the loop path into one
// scalar: sum of sin(phase[i] - phase[i+1 mod n] + loopPath[i]).
func holonomyDigest(phases, loopPath []float64) float64 {
	n := len(phases)
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += math.Sin(phases[i] - phases[(i+1)%n] + loopPath[i])
	}
	return sum
}
