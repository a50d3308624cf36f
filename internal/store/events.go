package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"carecal/internal/model"
)

// Query selects events. Zero-valued fields are not applied.
type Query struct {
	InstitutionID string
	RoomID        string
	Type          model.EventType
	Status        model.Status

	// StartFrom keeps events with start_time >= StartFrom; EndUntil keeps
	// events with end_time <= EndUntil.
	StartFrom *time.Time
	EndUntil  *time.Time

	Search string
}

// StatusChange is a single status projection refresh.
type StatusChange struct {
	EventID string
	Status  model.Status
}

const eventColumns = `e.event_id, e.institution_id, e.series_id, e.name, e.type, e.status,
	e.start_time, e.end_time, e.location, e.care_sub_type, e.care_frequency,
	e.created_at, e.updated_at`

// Create inserts ev and its room links. An empty EventID is assigned a
// UUID; CreatedAt/UpdatedAt are set on ev.
func (s *SQLStore) Create(ctx context.Context, ev *model.Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	now := s.now().UTC()
	ev.CreatedAt = now
	ev.UpdatedAt = now

	subType, freq := careColumns(ev.CareConfiguration)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO events (
			event_id, institution_id, series_id, name, type, status, start_time, end_time,
			location, care_sub_type, care_frequency, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			ev.EventID, ev.InstitutionID, ev.SeriesID, ev.Name, string(ev.Type), string(ev.Status),
			formatTime(ev.StartTime), formatTime(ev.EndTime), ev.Location, subType, freq,
			formatTime(ev.CreatedAt), formatTime(ev.UpdatedAt),
		)
		if err != nil {
			return err
		}
		return s.insertRooms(ctx, tx, ev.EventID, ev.RoomIDs)
	})
	if err != nil {
		return fmt.Errorf("store: create event: %w", err)
	}
	return nil
}

func (s *SQLStore) insertRooms(ctx context.Context, tx *sql.Tx, eventID string, roomIDs []string) error {
	seen := make(map[string]bool, len(roomIDs))
	ordinal := 0
	for _, roomID := range roomIDs {
		if seen[roomID] {
			continue
		}
		seen[roomID] = true
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO event_rooms (event_id, room_id, ordinal) VALUES (?, ?, ?)`),
			eventID, roomID, ordinal,
		); err != nil {
			return err
		}
		ordinal++
	}
	return nil
}

func (s *SQLStore) FindByID(ctx context.Context, eventID string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+eventColumns+` FROM events e WHERE e.event_id = ?`), eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find event: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT room_id FROM event_rooms WHERE event_id = ? ORDER BY ordinal`), eventID)
	if err != nil {
		return nil, fmt.Errorf("store: find event rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ev.RoomIDs = []string{}
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		ev.RoomIDs = append(ev.RoomIDs, roomID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ev, nil
}

// FindMany returns matching events ordered by start_time, then event_id.
func (s *SQLStore) FindMany(ctx context.Context, q Query) ([]model.Event, error) {
	where, args := s.where(q)

	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+eventColumns+` FROM events e`+where+` ORDER BY e.start_time ASC, e.event_id ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.Event, 0)
	index := make(map[string]int)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.RoomIDs = []string{}
		index[ev.EventID] = len(out)
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	roomRows, err := s.db.QueryContext(ctx,
		s.q(`SELECT r.event_id, r.room_id FROM event_rooms r JOIN events e ON e.event_id = r.event_id`+
			where+` ORDER BY r.event_id, r.ordinal`), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list event rooms: %w", err)
	}
	defer func() { _ = roomRows.Close() }()

	for roomRows.Next() {
		var eventID, roomID string
		if err := roomRows.Scan(&eventID, &roomID); err != nil {
			return nil, err
		}
		if i, ok := index[eventID]; ok {
			out[i].RoomIDs = append(out[i].RoomIDs, roomID)
		}
	}
	if err := roomRows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Count(ctx context.Context, q Query) (int, error) {
	where, args := s.where(q)
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM events e`+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	return n, nil
}

// Update rewrites every mutable column of ev and its room links, and bumps
// UpdatedAt.
func (s *SQLStore) Update(ctx context.Context, ev *model.Event) error {
	updatedAt := s.now().UTC()
	subType, freq := careColumns(ev.CareConfiguration)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE events SET
			name = ?, type = ?, status = ?, start_time = ?, end_time = ?, location = ?,
			care_sub_type = ?, care_frequency = ?, updated_at = ?
			WHERE event_id = ?`),
			ev.Name, string(ev.Type), string(ev.Status), formatTime(ev.StartTime), formatTime(ev.EndTime),
			ev.Location, subType, freq, formatTime(updatedAt), ev.EventID,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM event_rooms WHERE event_id = ?`), ev.EventID); err != nil {
			return err
		}
		return s.insertRooms(ctx, tx, ev.EventID, ev.RoomIDs)
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: update event: %w", err)
	}
	ev.UpdatedAt = updatedAt
	return nil
}

// UpdateStatuses refreshes the cached status of several events in one
// transaction. It does not touch updated_at: the status is a projection of
// time, not an edit.
func (s *SQLStore) UpdateStatuses(ctx context.Context, changes []StatusChange) error {
	if len(changes) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.q(`UPDATE events SET status = ? WHERE event_id = ?`))
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, c := range changes {
			if _, err := stmt.ExecContext(ctx, string(c.Status), c.EventID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: update statuses: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, eventID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM events WHERE event_id = ?`), eventID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM event_rooms WHERE event_id = ?`), eventID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: delete event: %w", err)
	}
	return nil
}

func (s *SQLStore) where(q Query) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.InstitutionID != "" {
		conds = append(conds, "e.institution_id = ?")
		args = append(args, q.InstitutionID)
	}
	if q.RoomID != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM event_rooms er WHERE er.event_id = e.event_id AND er.room_id = ?)")
		args = append(args, q.RoomID)
	}
	if q.Type != "" {
		conds = append(conds, "e.type = ?")
		args = append(args, string(q.Type))
	}
	if q.Status != "" {
		conds = append(conds, "e.status = ?")
		args = append(args, string(q.Status))
	}
	if q.StartFrom != nil {
		conds = append(conds, "e.start_time >= ?")
		args = append(args, formatTime(*q.StartFrom))
	}
	if q.EndUntil != nil {
		conds = append(conds, "e.end_time <= ?")
		args = append(args, formatTime(*q.EndUntil))
	}
	if term := strings.TrimSpace(q.Search); term != "" {
		conds = append(conds, `LOWER(e.name) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(term))+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func careColumns(cc *model.CareConfiguration) (sql.NullString, sql.NullString) {
	if cc == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: cc.SubType, Valid: true},
		sql.NullString{String: string(cc.Frequency), Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*model.Event, error) {
	var (
		ev                 model.Event
		typ, status        string
		start, end         string
		subType, frequency sql.NullString
		created, updated   string
	)
	if err := r.Scan(
		&ev.EventID, &ev.InstitutionID, &ev.SeriesID, &ev.Name, &typ, &status,
		&start, &end, &ev.Location, &subType, &frequency, &created, &updated,
	); err != nil {
		return nil, err
	}
	ev.Type = model.EventType(typ)
	ev.Status = model.Status(status)

	var err error
	if ev.StartTime, err = parseTime(start); err != nil {
		return nil, err
	}
	if ev.EndTime, err = parseTime(end); err != nil {
		return nil, err
	}
	if ev.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if ev.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if subType.Valid || frequency.Valid {
		ev.CareConfiguration = &model.CareConfiguration{
			SubType:   subType.String,
			Frequency: model.Frequency(frequency.String),
		}
	}
	return &ev, nil
}
