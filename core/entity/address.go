package entity

import "fmt"

// Address identifies a single entity instance: the shard it lives on,
// its type and its id. Addresses are values; callers create them and
// never mutate them.
type Address struct {
	ShardID    uint32 `json:"shard_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// Key returns the canonical map key for the address.
func (a Address) Key() string {
	return fmt.Sprintf("%s/%s/%d", a.EntityType, a.EntityID, a.ShardID)
}

func (a Address) String() string { return a.Key() }
