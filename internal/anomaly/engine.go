// Package anomaly makes the per-packet fault decision. The engine is
// stateless: identical inputs always yield identical decisions, so whole
// fault runs replay deterministically from the global seed.
package anomaly

import (
	"github.com/sarthakuwar/ShakyLine/internal/config"
	"github.com/sarthakuwar/ShakyLine/internal/rng"
)

// Direction identifies one half of the bidirectional pipeline. The numeric
// value feeds the RNG, so it is part of the determinism contract.
type Direction uint8

const (
	ClientToServer Direction = 0
	ServerToClient Direction = 1
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "upstream"
	}
	return "downstream"
}

// Action is the outcome class of a decision.
type Action int

const (
	Forward Action = iota
	Drop
	Delay
	Throttle
	Corrupt
	Reorder
	Stall
	HalfClose
)

// Decision is the engine's verdict for one packet. Corrupt composes with
// Delay/Throttle; the other actions are terminal.
type Decision struct {
	Action              Action
	DelayMs             uint32
	ThrottleBytesPerSec uint32
	CorruptOffset       int
	CorruptMask         byte
}

// Sub-seed classes. Each independent roll within a packet perturbs the
// sequence as seq*7+k so the rolls do not correlate.
const (
	classDrop = iota + 1
	classHalfClose
	classStall
	classCorruptRoll
	classCorruptOffset
	classCorruptMask
	classJitter
)

// Engine holds the global seed. Safe for concurrent use.
type Engine struct {
	seed uint64
}

func NewEngine(globalSeed uint64) *Engine {
	return &Engine{seed: globalSeed}
}

// Seed returns the global seed.
func (e *Engine) Seed() uint64 { return e.seed }

func subSeq(packetSeq uint64, class int) uint64 {
	return packetSeq*7 + uint64(class)
}

func (e *Engine) uniform(sessionID, packetSeq uint64, dir Direction, class int) float64 {
	return rng.Uniform(e.seed, sessionID, subSeq(packetSeq, class), uint8(dir))
}

func (e *Engine) uniformInt(sessionID, packetSeq uint64, dir Direction, class int, max uint32) uint32 {
	return rng.UniformInt(e.seed, sessionID, subSeq(packetSeq, class), uint8(dir), max)
}

// Decide evaluates the profile against one packet. Evaluation order is
// fixed: drop, half-close and stall are first-match terminal; corruption
// composes with a subsequent delay or throttle promotion.
func (e *Engine) Decide(data []byte, dir Direction, sessionID, packetSeq uint64, profile config.AnomalyProfile) Decision {
	var d Decision
	p := profile.ClientToServer
	if dir == ServerToClient {
		p = profile.ServerToClient
	}

	if p.DropRate > 0 && e.uniform(sessionID, packetSeq, dir, classDrop) < p.DropRate {
		d.Action = Drop
		return d
	}

	if p.HalfCloseRate > 0 && e.uniform(sessionID, packetSeq, dir, classHalfClose) < p.HalfCloseRate {
		d.Action = HalfClose
		return d
	}

	if p.StallProb > 0 && e.uniform(sessionID, packetSeq, dir, classStall) < p.StallProb {
		d.Action = Stall
		return d
	}

	if p.CorruptRate > 0 && len(data) > 0 &&
		e.uniform(sessionID, packetSeq, dir, classCorruptRoll) < p.CorruptRate {
		d.Action = Corrupt
		d.CorruptOffset = int(e.uniformInt(sessionID, packetSeq, dir, classCorruptOffset, uint32(len(data))))
		d.CorruptMask = byte(e.uniformInt(sessionID, packetSeq, dir, classCorruptMask, 256))
	}

	if p.LatencyMs > 0 || p.JitterMs > 0 {
		latency := int64(p.LatencyMs)
		if p.JitterMs > 0 {
			jitter := int64(e.uniformInt(sessionID, packetSeq, dir, classJitter, p.JitterMs*2+1)) - int64(p.JitterMs)
			latency += jitter
			if latency < 0 {
				latency = 0
			}
		}
		if latency > 0 {
			if d.Action == Forward {
				d.Action = Delay
			}
			d.DelayMs = uint32(latency)
		}
	}

	if p.ThrottleKbps > 0 {
		if d.Action == Forward {
			d.Action = Throttle
		}
		d.ThrottleBytesPerSec = p.ThrottleKbps * 1024 / 8
	}

	return d
}

// ApplyCorruption XORs the chosen byte in place. XORing the same offset and
// mask twice restores the original data, which keeps corruption observable
// and reversible in tests.
func ApplyCorruption(data []byte, offset int, mask byte) {
	if offset >= 0 && offset < len(data) {
		data[offset] ^= mask
	}
}
