package models

import "sort"

// GameKind names one of the supported games a room can host.
type GameKind string

const (
	GameLudo       GameKind = "ludo"
	GameCheckers   GameKind = "checkers"
	GameTicTacToe  GameKind = "tic_tac_toe"
	GameCards      GameKind = "cards"
	GameFIFA       GameKind = "fifa"
	GameCallOfDuty GameKind = "call_of_duty"
)

var gameKinds = map[GameKind]bool{
	GameLudo:       true,
	GameCheckers:   true,
	GameTicTacToe:  true,
	GameCards:      true,
	GameFIFA:       true,
	GameCallOfDuty: true,
}

// requiresHandle marks games played on an external platform, where members
// must provide a gamertag so opponents can find each other.
var requiresHandle = map[GameKind]bool{
	GameFIFA:       true,
	GameCallOfDuty: true,
}

// IsKnownGameKind reports whether kind belongs to the supported set.
func IsKnownGameKind(kind string) bool {
	return gameKinds[GameKind(kind)]
}

// RequiresHandle reports whether members must supply a GameHandle.
func (k GameKind) RequiresHandle() bool {
	return requiresHandle[k]
}

// GameKinds returns the supported kinds in a stable order.
func GameKinds() []GameKind {
	out := make([]GameKind, 0, len(gameKinds))
	for k := range gameKinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
