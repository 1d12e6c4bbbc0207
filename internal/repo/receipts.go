package repo

import (
	"context"
	"database/sql"
)

// InsertReceiptTx records a webhook delivery. It reports false for a replay
// of an already recorded (eventType, entityID, eventTS).
func (r Repo) InsertReceiptTx(ctx context.Context, tx *sql.Tx, eventType, entityID, eventTS, receivedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, r.Conn.Rebind(`INSERT INTO webhook_receipts(event_type,entity_id,event_ts,received_at) VALUES (?,?,?,?)
ON CONFLICT (event_type, entity_id, event_ts) DO NOTHING`), eventType, entityID, eventTS, receivedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
