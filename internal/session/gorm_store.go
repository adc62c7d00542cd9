package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "crabstack.local/projects/crab-orchestrator/internal/db"
	"crabstack.local/projects/crab-orchestrator/internal/ids"
	"crabstack.local/projects/crab-orchestrator/internal/ledger"
	"crabstack.local/projects/crab-orchestrator/internal/turn"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(&sessionRow{}, &turnRow{}, &checkpointRow{}, &ledgerNodeRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *GormStore) EnsureSession(ctx context.Context, incoming SessionRecord) (SessionRecord, error) {
	if err := validateSessionID(incoming.SessionID); err != nil {
		return SessionRecord{}, err
	}
	now := time.Now().UTC()

	var current sessionRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", incoming.SessionID).
		Take(&current).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec := newSessionRecord(incoming, now)
			row := sessionRowFromRecord(rec)
			if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
				return SessionRecord{}, fmt.Errorf("create session: %w", err)
			}
			return rec, nil
		}
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}

	merged := mergeSession(current.toRecord(), incoming, now)
	row := sessionRowFromRecord(merged)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return SessionRecord{}, fmt.Errorf("update session: %w", err)
	}
	return merged, nil
}

func (s *GormStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	if err := validateSessionID(sessionID); err != nil {
		return SessionRecord{}, err
	}

	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) SetSessionStatus(ctx context.Context, sessionID string, status Status) error {
	if !validStatus(status) {
		return fmt.Errorf("invalid session status %q", status)
	}
	res := s.db.WithContext(ctx).Model(&sessionRow{}).Where("session_id = ?", sessionID).Updates(map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("set session status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// StartTurn allocates the next sequence inside a transaction. The unique
// (session_id, sequence) index rejects a concurrent duplicate.
func (s *GormStore) StartTurn(ctx context.Context, sessionID, input, promptHash string) (TurnRecord, error) {
	if err := validateSessionID(sessionID); err != nil {
		return TurnRecord{}, err
	}

	var out TurnRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&turnRow{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("sequence lookup: %w", err)
		}

		now := time.Now().UTC()
		row := turnRow{
			TurnID:     ids.New(),
			SessionID:  sessionID,
			Sequence:   maxSeq + 1,
			Input:      input,
			PromptHash: promptHash,
			Status:     string(TurnStatusInProgress),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create turn: %w", err)
		}
		if err := tx.Model(&sessionRow{}).Where("session_id = ?", sessionID).Updates(map[string]any{
			"turn_count":     row.Sequence,
			"last_active_at": now,
			"updated_at":     now,
		}).Error; err != nil {
			return fmt.Errorf("update turn count: %w", err)
		}
		out = row.toRecord()
		return nil
	})
	if err != nil {
		return TurnRecord{}, err
	}
	return out, nil
}

func (s *GormStore) CompleteTurn(ctx context.Context, turnID, output string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&turnRow{}).Where("turn_id = ?", turnID).Updates(map[string]any{
		"status":       string(TurnStatusCompleted),
		"output":       output,
		"completed_at": &now,
		"updated_at":   now,
	})
	if res.Error != nil {
		return fmt.Errorf("complete turn: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) FailTurn(ctx context.Context, turnID, failure string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&turnRow{}).Where("turn_id = ?", turnID).Updates(map[string]any{
		"status":       string(TurnStatusFailed),
		"error":        failure,
		"completed_at": &now,
		"updated_at":   now,
	})
	if res.Error != nil {
		return fmt.Errorf("fail turn: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTurns returns the most recent turns in sequence order.
func (s *GormStore) GetTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).
		Model(&turnRow{}).
		Where("session_id = ?", sessionID).
		Order("sequence DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []turnRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	out := make([]TurnRecord, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row.toRecord()
	}
	return out, nil
}

func (s *GormStore) SaveCheckpoint(ctx context.Context, cp turn.Checkpoint) error {
	if err := validateSessionID(cp.SessionID); err != nil {
		return err
	}
	payload, err := marshalJSON(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	row := checkpointRow{
		SessionID:   cp.SessionID,
		TurnID:      cp.TurnID,
		TurnOrdinal: cp.TurnOrdinal,
		State:       string(cp.State),
		PayloadJSON: string(payload),
		UpdatedAt:   updatedAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"turn_id", "turn_ordinal", "state", "payload_json", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *GormStore) LoadCheckpoint(ctx context.Context, sessionID string) (turn.Checkpoint, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return turn.Checkpoint{}, ErrNotFound
		}
		return turn.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp turn.Checkpoint
	if err := json.Unmarshal([]byte(row.PayloadJSON), &cp); err != nil {
		return turn.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

func (s *GormStore) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&checkpointRow{}).Error; err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *GormStore) SaveLedgerNodes(ctx context.Context, nodes []ledger.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	rows := make([]ledgerNodeRow, 0, len(nodes))
	for _, node := range nodes {
		rows = append(rows, ledgerRowFromNode(node))
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "execution_output", "description", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("save ledger nodes: %w", err)
	}
	return nil
}

func (s *GormStore) GetLedgerNodes(ctx context.Context, sessionID string) ([]ledger.Node, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	var rows []ledgerNodeRow
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, node_id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get ledger nodes: %w", err)
	}
	out := make([]ledger.Node, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toNode())
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
