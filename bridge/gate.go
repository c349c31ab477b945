package bridge

// GateState names the four combinations of the gate inputs
type GateState int

const (
	GateOpen GateState = iota
	GatedByTTS
	GatedByUser
	GatedByBoth
)

func (s GateState) String() string {
	switch s {
	case GateOpen:
		return "open"
	case GatedByTTS:
		return "gated_by_tts"
	case GatedByUser:
		return "gated_by_user"
	case GatedByBoth:
		return "gated_by_both"
	default:
		return "unknown"
	}
}

// Gate decides whether microphone capture is enabled: only while the agent
// is silent and the user has not muted. Every setter returns the recomputed
// level so callers can apply it unconditionally.
type Gate struct {
	ttsActive bool
	userMuted bool
}

func (g *Gate) SetTTSActive(active bool) bool {
	g.ttsActive = active
	return g.CaptureEnabled()
}

func (g *Gate) SetUserMuted(muted bool) bool {
	g.userMuted = muted
	return g.CaptureEnabled()
}

func (g *Gate) ToggleMute() bool {
	return g.SetUserMuted(!g.userMuted)
}

func (g *Gate) CaptureEnabled() bool {
	return !g.ttsActive && !g.userMuted
}

func (g *Gate) TTSActive() bool { return g.ttsActive }
func (g *Gate) UserMuted() bool { return g.userMuted }

func (g *Gate) State() GateState {
	switch {
	case g.ttsActive && g.userMuted:
		return GatedByBoth
	case g.ttsActive:
		return GatedByTTS
	case g.userMuted:
		return GatedByUser
	default:
		return GateOpen
	}
}
