package kek

import (
	"encoding/json"
	"fmt"

	"github.com/quorumkey/kek-service-backend/interfaces"
)

func putJSON(tx interfaces.Tx, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", key, err)
	}
	tx.Put(key, data)
	return nil
}

// getJSON decodes the record at key into v. A missing record is reported as
// interfaces.ErrNotFound, a corrupt one as a wrapped decode error so callers
// never mistake storage damage for absence.
func getJSON(tx interfaces.ReadTx, key string, v any) error {
	data, ok := tx.Get(key)
	if !ok {
		return interfaces.ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding record %s: %w", key, err)
	}
	return nil
}
