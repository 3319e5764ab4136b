// Package store is the durable record of transcript jobs and the sole source
// of truth for job state. Every write commits before the call returns, so a
// restart reconstructs the last observed state.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/speech-stream/backend/internal/transcript"
)

var (
	ErrNotFound    = errors.New("transcript not found")
	ErrDuplicateID = errors.New("transcript id already exists")
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path. WAL keeps
// readers off the writers' backs; synchronous=FULL makes each commit durable.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcripts (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'queued',
		audio_url TEXT NOT NULL,
		language_code TEXT,
		speaker_labels INTEGER NOT NULL DEFAULT 0,
		speakers_expected INTEGER,
		min_speakers INTEGER,
		max_speakers INTEGER,
		progress REAL NOT NULL DEFAULT 0,
		text TEXT,
		words TEXT,
		utterances TEXT,
		confidence REAL,
		audio_duration INTEGER,
		speaker_embeddings TEXT,
		error TEXT,
		webhook_url TEXT,
		webhook_auth_header TEXT,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_status ON transcripts(status);
	CREATE INDEX IF NOT EXISTS idx_transcripts_created ON transcripts(created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new queued transcript record.
func (s *Store) Create(t *transcript.Transcript) error {
	_, err := s.db.Exec(`
		INSERT INTO transcripts
			(id, status, audio_url, language_code, speaker_labels, speakers_expected,
			 progress, webhook_url, webhook_auth_header, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Status, t.AudioURL, t.LanguageCode, boolToInt(t.SpeakerLabels),
		t.SpeakersExpected, t.Progress, t.WebhookURL, t.WebhookAuthHeader, t.CreatedAt,
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

// Get returns one transcript by id, or ErrNotFound.
func (s *Store) Get(id string) (*transcript.Transcript, error) {
	row := s.db.QueryRow(`
		SELECT id, status, audio_url, language_code, speaker_labels, speakers_expected,
		       progress, text, words, utterances, confidence, audio_duration,
		       error, webhook_url, webhook_auth_header, created_at, completed_at
		FROM transcripts WHERE id = ?`, id)
	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Patch is a partial update. Nil fields are left untouched. The store does
// not police status transitions; callers never issue illegal ones.
type Patch struct {
	Status            *transcript.Status
	Progress          *float64
	LanguageCode      *string
	Text              *string
	Words             []transcript.Word
	Utterances        []transcript.Utterance
	Confidence        *float64
	AudioDuration     *int64
	SpeakerEmbeddings map[string][]float64
	Error             *string
	CompletedAt       *time.Time
}

// Update applies a partial merge to one row. ErrNotFound if the id is absent.
func (s *Store) Update(id string, p Patch) error {
	var sets []string
	var args []any

	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if p.Status != nil {
		set("status", *p.Status)
	}
	if p.Progress != nil {
		set("progress", *p.Progress)
	}
	if p.LanguageCode != nil {
		set("language_code", *p.LanguageCode)
	}
	if p.Text != nil {
		set("text", *p.Text)
	}
	if p.Words != nil {
		data, err := json.Marshal(p.Words)
		if err != nil {
			return fmt.Errorf("marshal words: %w", err)
		}
		set("words", string(data))
	}
	if p.Utterances != nil {
		data, err := json.Marshal(p.Utterances)
		if err != nil {
			return fmt.Errorf("marshal utterances: %w", err)
		}
		set("utterances", string(data))
	}
	if p.Confidence != nil {
		set("confidence", *p.Confidence)
	}
	if p.AudioDuration != nil {
		set("audio_duration", *p.AudioDuration)
	}
	if p.SpeakerEmbeddings != nil {
		data, err := json.Marshal(p.SpeakerEmbeddings)
		if err != nil {
			return fmt.Errorf("marshal speaker embeddings: %w", err)
		}
		set("speaker_embeddings", string(data))
	}
	if p.Error != nil {
		set("error", *p.Error)
	}
	if p.CompletedAt != nil {
		set("completed_at", *p.CompletedAt)
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.Exec("UPDATE transcripts SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update transcript: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns summary rows (no result payload) ordered by creation time
// descending, plus the total count for the filter. statusFilter may be empty.
func (s *Store) List(statusFilter transcript.Status, limit, offset int) ([]*transcript.Transcript, int, error) {
	where := ""
	var params []any
	if statusFilter != "" {
		where = " WHERE status = ?"
		params = append(params, statusFilter)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM transcripts"+where, params...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transcripts: %w", err)
	}

	query := `SELECT id, status, audio_url, language_code, speaker_labels, speakers_expected,
	          progress, error, created_at, completed_at
	          FROM transcripts` + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	rows, err := s.db.Query(query, append(params, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	items := []*transcript.Transcript{}
	for rows.Next() {
		t := &transcript.Transcript{}
		var langCode, errMsg sql.NullString
		var speakersExpected sql.NullInt64
		var speakerLabels int
		var completedAt sql.NullTime

		if err := rows.Scan(&t.ID, &t.Status, &t.AudioURL, &langCode, &speakerLabels,
			&speakersExpected, &t.Progress, &errMsg, &t.CreatedAt, &completedAt); err != nil {
			return nil, 0, err
		}
		t.SpeakerLabels = speakerLabels != 0
		if langCode.Valid {
			t.LanguageCode = &langCode.String
		}
		if speakersExpected.Valid {
			n := int(speakersExpected.Int64)
			t.SpeakersExpected = &n
		}
		if errMsg.Valid {
			t.Error = &errMsg.String
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

// Delete removes a row outright. Returns true if a row was removed.
func (s *Store) Delete(id string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM transcripts WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete transcript: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row rowScanner) (*transcript.Transcript, error) {
	t := &transcript.Transcript{}
	var langCode, text, words, utterances, errMsg, webhookURL, webhookAuth sql.NullString
	var speakersExpected, audioDuration sql.NullInt64
	var confidence sql.NullFloat64
	var speakerLabels int
	var completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.Status, &t.AudioURL, &langCode, &speakerLabels,
		&speakersExpected, &t.Progress, &text, &words, &utterances, &confidence,
		&audioDuration, &errMsg, &webhookURL, &webhookAuth, &t.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.SpeakerLabels = speakerLabels != 0
	if langCode.Valid {
		t.LanguageCode = &langCode.String
	}
	if speakersExpected.Valid {
		n := int(speakersExpected.Int64)
		t.SpeakersExpected = &n
	}
	if text.Valid {
		t.Text = &text.String
	}
	if words.Valid {
		if err := json.Unmarshal([]byte(words.String), &t.Words); err != nil {
			return nil, fmt.Errorf("unmarshal words: %w", err)
		}
	}
	if utterances.Valid {
		if err := json.Unmarshal([]byte(utterances.String), &t.Utterances); err != nil {
			return nil, fmt.Errorf("unmarshal utterances: %w", err)
		}
	}
	if confidence.Valid {
		t.Confidence = &confidence.Float64
	}
	if audioDuration.Valid {
		t.AudioDuration = &audioDuration.Int64
	}
	if errMsg.Valid {
		t.Error = &errMsg.String
	}
	if webhookURL.Valid {
		t.WebhookURL = &webhookURL.String
	}
	if webhookAuth.Valid {
		t.WebhookAuthHeader = &webhookAuth.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
