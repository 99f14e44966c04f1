package domain

import "time"

// Resolution es el resultado de un conflicto; no es un fallo.
type Resolution string

const (
	ResolutionServerWins Resolution = "server_wins"
	ResolutionLocalWins  Resolution = "local_wins"
)

// Conflict existe solo mientras se resuelve dentro del mismo ciclo de push; nunca se persiste.
type Conflict struct {
	Table           string
	RecordID        string
	LocalData       map[string]interface{}
	LocalUpdatedAt  time.Time
	ServerData      map[string]interface{}
	ServerUpdatedAt time.Time
}

// Resolve aplica last-write-wins. Empate => gana el servidor.
func (c Conflict) Resolve() Resolution {
	return ResolveLWW(c.LocalUpdatedAt, c.ServerUpdatedAt)
}

// ResolveLWW: server >= local => server gana; en otro caso gana local.
func ResolveLWW(local, server time.Time) Resolution {
	if !server.Before(local) {
		return ResolutionServerWins
	}
	return ResolutionLocalWins
}

// ServerIsNewer es la comparación estricta usada al aplicar cambios remotos:
// solo se sobrescribe si el servidor es más reciente, lo que hace la aplicación idempotente.
func ServerIsNewer(local, server time.Time) bool {
	return server.After(local)
}
