package connection

import "github.com/rickgao/streamkeeper/internal/model"

// transitions lists every legal state change. Shutdown to Disconnected is
// handled separately by the Manager.
var transitions = map[model.State][]model.State{
	model.StateDisconnected:  {model.StateConnecting},
	model.StateConnecting:    {model.StateConnected, model.StateFailed},
	model.StateConnected:     {model.StateDisconnecting},
	model.StateDisconnecting: {model.StateFallback},
	model.StateFailed:        {model.StateFallback},
	model.StateFallback:      {model.StateConnecting},
}

// validTransition reports whether from -> to is in the transition table.
func validTransition(from, to model.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
