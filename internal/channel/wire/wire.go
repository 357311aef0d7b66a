package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/danmuck/fieldctl/internal/channel"
)

const (
	Magic   uint32 = 0x50525243 // "PRRC"
	Version uint16 = 1

	fixedHeaderLen = 18
)

var (
	ErrInvalidMagic   = errors.New("wire: invalid magic")
	ErrInvalidVersion = errors.New("wire: unsupported version")
	ErrTruncated      = errors.New("wire: truncated packet")
	ErrVectorTooLarge = errors.New("wire: vector too large")
	ErrStringTooLarge = errors.New("wire: string too large")
)

// Limits constrains decode memory use.
type Limits struct {
	MaxVectorLen uint32
	MaxStringLen uint16
}

// DefaultLimits returns decode allocation bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxVectorLen: 64 * 1024,
		MaxStringLen: 1024,
	}
}

// WritePacket serializes a packet: fixed big-endian header, four
// length-prefixed strings, three float64 vectors, one int32 vector, the
// holonomy scalar, and the checksum string.
func WritePacket(w io.Writer, pkt channel.Packet, limits Limits) error {
	if err := checkVector(len(pkt.EncodedAmplitudes), limits); err != nil {
		return err
	}
	if err := checkVector(len(pkt.EncodedPhases), limits); err != nil {
		return err
	}
	if err := checkVector(len(pkt.ChannelBasisKeys), limits); err != nil {
		return err
	}
	if err := checkVector(len(pkt.TopologicalSignature), limits); err != nil {
		return err
	}

	var head [fixedHeaderLen]byte
	binary.BigEndian.PutUint32(head[0:4], Magic)
	binary.BigEndian.PutUint16(head[4:6], Version)
	binary.BigEndian.PutUint64(head[6:14], pkt.Header.SequenceNumber)
	binary.BigEndian.PutUint32(head[14:18], uint32(len(pkt.ChannelBasisKeys)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}

	for _, s := range []string{pkt.Header.SourceNodeID, pkt.Header.TargetNodeID, pkt.Header.ChannelID, pkt.OriginalObjectID} {
		if err := writeString(w, s, limits); err != nil {
			return err
		}
	}
	if err := writeFloats(w, pkt.EncodedAmplitudes); err != nil {
		return err
	}
	if err := writeFloats(w, pkt.EncodedPhases); err != nil {
		return err
	}
	for _, k := range pkt.ChannelBasisKeys {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(int32(k)))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	if err := writeFloats(w, pkt.TopologicalSignature); err != nil {
		return err
	}
	var hbuf [8]byte
	binary.BigEndian.PutUint64(hbuf[:], math.Float64bits(pkt.HolonomyPhase))
	if _, err := w.Write(hbuf[:]); err != nil {
		return err
	}
	return writeString(w, pkt.Checksum, limits)
}

// ReadPacket deserializes one packet written by WritePacket.
func ReadPacket(r io.Reader, limits Limits) (channel.Packet, error) {
	var head [fixedHeaderLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return channel.Packet{}, wrapEOF(err)
	}
	if binary.BigEndian.Uint32(head[0:4]) != Magic {
		return channel.Packet{}, ErrInvalidMagic
	}
	if binary.BigEndian.Uint16(head[4:6]) != Version {
		return channel.Packet{}, ErrInvalidVersion
	}
	seq := binary.BigEndian.Uint64(head[6:14])
	n := binary.BigEndian.Uint32(head[14:18])
	if n > limits.MaxVectorLen {
		return channel.Packet{}, ErrVectorTooLarge
	}

	var pkt channel.Packet
	pkt.Header.SequenceNumber = seq

	var err error
	if pkt.Header.SourceNodeID, err = readString(r, limits); err != nil {
		return channel.Packet{}, err
	}
	if pkt.Header.TargetNodeID, err = readString(r, limits); err != nil {
		return channel.Packet{}, err
	}
	if pkt.Header.ChannelID, err = readString(r, limits); err != nil {
		return channel.Packet{}, err
	}
	if pkt.OriginalObjectID, err = readString(r, limits); err != nil {
		return channel.Packet{}, err
	}

	if pkt.EncodedAmplitudes, err = readFloats(r, n); err != nil {
		return channel.Packet{}, err
	}
	if pkt.EncodedPhases, err = readFloats(r, n); err != nil {
		return channel.Packet{}, err
	}
	pkt.ChannelBasisKeys = make([]int, n)
	for i := uint32(0); i < n; i++ {
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return channel.Packet{}, wrapEOF(err)
		}
		pkt.ChannelBasisKeys[i] = int(int32(binary.BigEndian.Uint32(buf[:])))
	}
	if pkt.TopologicalSignature, err = readFloats(r, n); err != nil {
		return channel.Packet{}, err
	}
	var hbuf [8]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		return channel.Packet{}, wrapEOF(err)
	}
	pkt.HolonomyPhase = math.Float64frombits(binary.BigEndian.Uint64(hbuf[:]))
	if pkt.Checksum, err = readString(r, limits); err != nil {
		return channel.Packet{}, err
	}
	return pkt, nil
}

func checkVector(n int, limits Limits) error {
	if uint32(n) > limits.MaxVectorLen {
		return fmt.Errorf("%w: %d", ErrVectorTooLarge, n)
	}
	return nil
}

func writeString(w io.Writer, s string, limits Limits) error {
	if len(s) > int(limits.MaxStringLen) {
		return fmt.Errorf("%w: %d", ErrStringTooLarge, len(s))
	}
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(len(s)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader, limits Limits) (string, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", wrapEOF(err)
	}
	l := binary.BigEndian.Uint16(buf[:])
	if l > limits.MaxStringLen {
		return "", ErrStringTooLarge
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", wrapEOF(err)
	}
	return string(b), nil
}

func writeFloats(w io.Writer, v []float64) error {
	var buf [8]byte
	for _, f := range v {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

func readFloats(r io.Reader, n uint32) ([]float64, error) {
	out := make([]float64, n)
	var buf [8]byte
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, wrapEOF(err)
		}
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[:]))
	}
	return out, nil
}

func wrapEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}
