package gamemode

import "errors"

// ErrUnknownMode is returned for a game/playtype selector without a registered policy.
var ErrUnknownMode = errors.New("unknown game mode")
