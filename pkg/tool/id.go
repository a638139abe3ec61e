package tool

import "github.com/google/uuid"

func GenerateUUIDV7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// IdempotencyKey derives a stable provider idempotency key for an operation on an entity.
func IdempotencyKey(op, entityID string) string {
	return op + "-" + entityID
}
