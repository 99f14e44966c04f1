package domain

// SyncState es la máquina de estados única del motor de sync:
// idle -> syncing -> {idle, error}, más offline (forzado) y paused (explícito).
type SyncState string

const (
	StateIdle    SyncState = "idle"
	StateSyncing SyncState = "syncing"
	StateError   SyncState = "error"
	StateOffline SyncState = "offline"
	StatePaused  SyncState = "paused"
)

// CanTransition valida un cambio de estado.
func CanTransition(from, to SyncState) bool {
	if from == to {
		return false
	}
	// offline y paused se pueden forzar desde cualquier estado.
	if to == StateOffline || to == StatePaused {
		return true
	}
	switch from {
	case StateIdle:
		return to == StateSyncing
	case StateSyncing:
		return to == StateIdle || to == StateError
	case StateError:
		return to == StateSyncing || to == StateIdle
	case StateOffline:
		return to == StateIdle
	case StatePaused:
		// resume vuelve a idle (o directamente a offline si no hay red)
		return to == StateIdle
	}
	return false
}
