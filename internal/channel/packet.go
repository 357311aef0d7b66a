package channel

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"golang.org/x/crypto/blake2b"
)

// Header identifies one packet's endpoints and channel slot.
type Header struct {
	SourceNodeID   string `json:"source_node_id"`
	TargetNodeID   string `json:"target_node_id"`
	ChannelID      string `json:"channel_id"`
	SequenceNumber uint64 `json:"sequence_number"`
}

// Packet is one encoded candidate in transit to a verifier.
type Packet struct {
	Header               Header    `json:"header"`
	EncodedAmplitudes    []float64 `json:"encoded_amplitudes"`
	EncodedPhases        []float64 `json:"encoded_phases"`
	ChannelBasisKeys     []int     `json:"channel_basis_keys"`
	TopologicalSignature []float64 `json:"topological_signature"`
	HolonomyPhase        float64   `json:"holonomy_phase"`
	OriginalObjectID     string    `json:"original_object_id"`
	Checksum             string    `json:"checksum"`
}

// PacketChecksum digests amplitudes, phases, and the holonomy phase in wire
// order.
func PacketChecksum(amplitudes, phases []float64, holonomy float64) string {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	for _, v := range amplitudes {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	for _, v := range phases {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(holonomy))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChecksum recomputes the packet digest against its trailer.
func (p Packet) VerifyChecksum() bool {
	return PacketChecksum(p.EncodedAmplitudes, p.EncodedPhases, p.HolonomyPhase) == p.Checksum
}
