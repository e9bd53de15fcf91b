package projections

import (
	"context"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/models"
)

type columnKind int

const (
	textColumn columnKind = iota
	boolColumn
	intColumn
)

type readTable struct {
	columns map[string]columnKind
	find    func(tx *gorm.DB) ([]map[string]any, error)
}

var objectColumnKinds = map[string]columnKind{
	"id":           textColumn,
	"name":         textColumn,
	"generic":      textColumn,
	"container_id": textColumn,
	"deleted":      boolColumn,
	"sequence":     intColumn,
}

var readTables = map[string]readTable{
	models.GameObjectsTable: {columns: objectColumnKinds, find: findRows[models.GameObject]},
	models.PlayersTable:     {columns: withColumns(objectColumnKinds, "admin", boolColumn), find: findRows[models.Player]},
	models.RoomsTable:       {columns: objectColumnKinds, find: findRows[models.Room]},
}

var aggregateTables = map[domain.AggregateType]string{
	domain.GameObjectType: models.GameObjectsTable,
	domain.PlayerType:     models.PlayersTable,
	domain.RoomType:       models.RoomsTable,
}

func withColumns(base map[string]columnKind, name string, kind columnKind) map[string]columnKind {
	out := make(map[string]columnKind, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[name] = kind
	return out
}

func findRows[T interface{ Row() map[string]any }](tx *gorm.DB) ([]map[string]any, error) {
	var records []T
	if err := tx.Find(&records).Error; err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, r.Row())
	}
	return rows, nil
}

// Tables lists the tables Query accepts
func Tables() []string {
	return []string{models.GameObjectsTable, models.PlayersTable, models.RoomsTable}
}

// Query returns the rows of a read table matching every filter entry.
// Filter keys must be known columns; string values are converted to the
// column's type so query parameters can be passed straight through.
func Query(ctx context.Context, db *gorm.DB, table string, filter map[string]any) ([]map[string]any, error) {
	t, ok := readTables[table]
	if !ok {
		return nil, &domain.ValidationError{Field: "table", Reason: fmt.Sprintf("unknown table %q", table)}
	}

	where := make(map[string]interface{}, len(filter))
	for column, value := range filter {
		kind, ok := t.columns[column]
		if !ok {
			return nil, &domain.ValidationError{Field: column, Reason: "is not a filterable column"}
		}
		converted, err := convertFilter(kind, value)
		if err != nil {
			return nil, &domain.ValidationError{Field: column, Reason: err.Error()}
		}
		where[column] = converted
	}

	tx := db.WithContext(ctx).Order("id")
	if len(where) > 0 {
		tx = tx.Where(where)
	}
	rows, err := t.find(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	return rows, nil
}

func convertFilter(kind columnKind, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	switch kind {
	case boolColumn:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("expects a boolean")
		}
		return b, nil
	case intColumn:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expects an integer")
		}
		return n, nil
	}
	return s, nil
}

// lookupRow returns the projected row of one aggregate, or nil if none
func lookupRow(ctx context.Context, db *gorm.DB, aggregateType domain.AggregateType, aggregateID string) (map[string]any, error) {
	table, ok := aggregateTables[aggregateType]
	if !ok {
		return nil, nil
	}
	rows, err := Query(ctx, db, table, map[string]any{"id": aggregateID})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}
