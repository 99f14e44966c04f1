package domain

import (
	"errors"
	"fmt"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
)

// ---------- Errores de dominio ----------
var (
	// ErrOutboxItemNotFound es un error de programación: se opera sobre un id desconocido.
	ErrOutboxItemNotFound = sharedDomain.ErrOutboxItemNotFound

	// ErrOffline: la operación se difiere, no se reporta como fallo.
	ErrOffline = errors.New("sync engine is offline")

	ErrRecordNotFound         = errors.New("record not found")
	ErrTableNotSyncable       = errors.New("table is not syncable")
	ErrInvalidRecord          = errors.New("invalid record")
	ErrInvalidStateTransition = errors.New("invalid sync state transition")
	ErrRealtimeNotConnected   = errors.New("realtime channel not connected")
)

// TransportError es un fallo de red/HTTP. Es reintentable y afecta a todo el lote.
type TransportError struct {
	Op         string // "push" o "pull"
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s transport error (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RecordError es un fallo reportado por el servidor para un registro concreto.
type RecordError struct {
	Table    string
	RecordID string
	Message  string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s rejected: %s", sharedDomain.RecordKey(e.Table, e.RecordID), e.Message)
}

// IsTransportError comprueba si err (o algo que envuelve) es un TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
