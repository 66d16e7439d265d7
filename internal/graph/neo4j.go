// Package graph writes the reply tree and authorship of a snapshot to Neo4j.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/JakeFAU/hnsnap/internal/export"
	"github.com/JakeFAU/hnsnap/internal/hn"
)

// Name is the exporter name of Writer.
const Name = "neo4j"

// SessionRunner abstracts neo4j.SessionWithContext.
type SessionRunner interface {
	ExecuteWrite(ctx context.Context, work neo4j.ManagedTransactionWork, configurers ...func(*neo4j.TransactionConfig)) (any, error)
	Close(ctx context.Context) error
}

// DriverSessioner abstracts neo4j.DriverWithContext.
type DriverSessioner interface {
	NewSession(ctx context.Context, config neo4j.SessionConfig) SessionRunner
	Close(ctx context.Context) error
}

type driverAdapter struct {
	driver neo4j.DriverWithContext
}

func (d driverAdapter) NewSession(ctx context.Context, config neo4j.SessionConfig) SessionRunner {
	return d.driver.NewSession(ctx, config)
}

func (d driverAdapter) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Connect opens a driver for uri with basic auth and checks connectivity.
func Connect(ctx context.Context, uri, username, password string) (DriverSessioner, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return driverAdapter{driver: driver}, nil
}

// Statement is one parameterized Cypher write.
type Statement struct {
	Query  string
	Params map[string]any
}

const (
	mergeItems = `UNWIND $rows AS row
MERGE (i:Item {id: row.id})
SET i.kind = row.kind, i.title = row.title, i.score = row.score,
	i.time = row.time, i.deleted = row.deleted, i.dead = row.dead, i.run_id = $run_id`
	mergeUsers = `UNWIND $rows AS row
MERGE (u:User {id: row.id})
SET u.karma = row.karma, u.created = row.created, u.run_id = $run_id`
	mergeChildOf = `UNWIND $rows AS row
MATCH (c:Item {id: row.child})
MATCH (p:Item {id: row.parent})
MERGE (c)-[:CHILD_OF]->(p)`
	mergeAuthored = `UNWIND $rows AS row
MATCH (u:User {id: row.user})
MATCH (i:Item {id: row.item})
MERGE (u)-[:AUTHORED]->(i)`
)

// Writer exports a snapshot as Item and User nodes joined by CHILD_OF and
// AUTHORED edges. Edges are written only when both ends are in the snapshot.
type Writer struct {
	driver   DriverSessioner
	database string
	logger   *zap.Logger
}

// NewWriter returns a Writer. database may be empty for the server default.
func NewWriter(driver DriverSessioner, database string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{driver: driver, database: database, logger: logger}
}

// Name implements export.Exporter.
func (w *Writer) Name() string { return Name }

// Export implements export.Exporter. All statements run in one write
// transaction so a partial graph is never committed.
func (w *Writer) Export(ctx context.Context, snap export.Snapshot) (string, error) {
	stmts := BuildStatements(snap)
	if len(stmts) == 0 {
		return "", nil
	}
	session := w.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: w.database,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			w.logger.Warn("neo4j session close failed", zap.Error(err))
		}
	}()
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range stmts {
			if _, err := tx.Run(ctx, st.Query, st.Params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return "", fmt.Errorf("write graph: %w", err)
	}
	db := w.database
	if db == "" {
		db = "default"
	}
	return "neo4j://" + db, nil
}

// BuildStatements renders the Cypher writes for snap. Empty row sets are
// omitted.
func BuildStatements(snap export.Snapshot) []Statement {
	var items, users, childOf, authored []map[string]any
	itemIDs := make(map[int]struct{})
	userIDs := make(map[string]struct{})
	for _, rec := range snap.Records {
		switch r := rec.(type) {
		case hn.Item:
			itemIDs[r.ID] = struct{}{}
		case hn.User:
			userIDs[r.ID] = struct{}{}
		}
	}

	for _, rec := range snap.Records {
		switch r := rec.(type) {
		case hn.Item:
			items = append(items, map[string]any{
				"id":      int64(r.ID),
				"kind":    string(r.Kind),
				"title":   r.Title,
				"score":   int64(r.Score),
				"time":    r.Time,
				"deleted": r.Deleted,
				"dead":    r.Dead,
			})
			for _, child := range r.Children() {
				if _, ok := itemIDs[child]; ok {
					childOf = append(childOf, map[string]any{"child": int64(child), "parent": int64(r.ID)})
				}
			}
			if _, ok := userIDs[r.By]; ok && r.By != "" {
				authored = append(authored, map[string]any{"user": r.By, "item": int64(r.ID)})
			}
		case hn.User:
			users = append(users, map[string]any{
				"id":      r.ID,
				"karma":   int64(r.Karma),
				"created": r.Created,
			})
		}
	}

	var out []Statement
	add := func(query string, rows []map[string]any) {
		if len(rows) == 0 {
			return
		}
		out = append(out, Statement{
			Query:  query,
			Params: map[string]any{"rows": rows, "run_id": snap.Result.RunID},
		})
	}
	add(mergeItems, items)
	add(mergeUsers, users)
	add(mergeChildOf, childOf)
	add(mergeAuthored, authored)
	return out
}
