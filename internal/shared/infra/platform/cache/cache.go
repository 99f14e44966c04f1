package cache

import (
	"context"
)

// Cache es un almacén clave-valor genérico. Los valores se guardan serializados en JSON.
type Cache interface {
	// Get rellena 'dest' (puntero) si la clave existe. (false, nil) es un miss.
	Get(ctx context.Context, key string, dest interface{}) (bool, error)

	// Set guarda el valor con un TTL en segundos. ttlSecs <= 0 usa el TTL por defecto
	// de la implementación (0 = sin expiración).
	Set(ctx context.Context, key string, val interface{}, ttlSecs int) error

	Delete(ctx context.Context, key string) error
}
