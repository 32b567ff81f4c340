package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/professor2004h/meetscribe/pkg/store"
)

// Save implements [store.SessionStore.Save]. It upserts the record under
// rec.MeetingID. The transcript column is guarded against truncation: when
// the incoming transcript is a stale prefix of the stored one, the stored
// text is kept while status, mode, and metadata still take the new values.
func (s *Store) Save(ctx context.Context, rec store.SessionRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("session store: marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO recording_sessions (meeting_id, transcript, status, recording_mode, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (meeting_id) DO UPDATE SET
		    transcript = CASE
		        WHEN char_length(EXCLUDED.transcript) < char_length(recording_sessions.transcript)
		         AND left(recording_sessions.transcript, char_length(EXCLUDED.transcript)) = EXCLUDED.transcript
		        THEN recording_sessions.transcript
		        ELSE EXCLUDED.transcript
		    END,
		    status         = EXCLUDED.status,
		    recording_mode = EXCLUDED.recording_mode,
		    metadata       = EXCLUDED.metadata,
		    updated_at     = now()`

	if _, err := s.pool.Exec(ctx, q,
		rec.MeetingID,
		rec.Transcript,
		rec.Status,
		rec.RecordingMode,
		meta,
	); err != nil {
		return fmt.Errorf("session store: save %q: %w", rec.MeetingID, err)
	}
	return nil
}

// Load implements [store.SessionStore.Load].
func (s *Store) Load(ctx context.Context, meetingID string) (store.SessionRecord, error) {
	const q = `
		SELECT meeting_id, transcript, status, recording_mode, metadata, updated_at
		FROM   recording_sessions
		WHERE  meeting_id = $1`

	var (
		rec  store.SessionRecord
		meta []byte
	)
	err := s.pool.QueryRow(ctx, q, meetingID).Scan(
		&rec.MeetingID,
		&rec.Transcript,
		&rec.Status,
		&rec.RecordingMode,
		&meta,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.SessionRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("session store: load %q: %w", meetingID, err)
	}

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return store.SessionRecord{}, fmt.Errorf("session store: unmarshal metadata: %w", err)
		}
	}
	return rec, nil
}
