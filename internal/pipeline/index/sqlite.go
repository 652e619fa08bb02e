// Package index filters a phase index down to candidate structure files.
//
// An index is a SQLite file with one table:
//
//	CREATE TABLE phases (
//	  id INTEGER PRIMARY KEY,
//	  cif_path TEXT NOT NULL,
//	  elements TEXT NOT NULL,        -- "Fe O", "Fe-O" or "Fe,O"
//	  experimental_status TEXT,      -- "experimental" or "theoretical"
//	  energy_above_hull REAL         -- eV/atom, Materials Project only
//	);
//
// Relative cif_path values are resolved against the directory holding the
// index file.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/example/phasesearch/internal/model"
	"github.com/example/phasesearch/internal/pipeline"
)

const StatusExperimental = "experimental"

type SQLiteFilter struct{}

var _ pipeline.Filter = SQLiteFilter{}

func openReadOnly(path string) (*sql.DB, error) {
	q := url.Values{}
	q.Set("mode", "ro")
	q.Add("_pragma", "busy_timeout(5000)")
	return sql.Open("sqlite", "file:"+path+"?"+q.Encode())
}

func (SQLiteFilter) Filter(ctx context.Context, indexPath string, q pipeline.FilterQuery) ([]string, error) {
	db, err := openReadOnly(indexPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := `SELECT cif_path, elements FROM phases`
	var (
		clauses []string
		args    []any
	)
	if q.Database.Source == model.SourceMP {
		mp := model.MPParams{MaxEAboveHull: model.DefaultMaxEAboveHull}
		if q.Database.MP != nil {
			mp = *q.Database.MP
		}
		if mp.ExperimentalOnly {
			clauses = append(clauses, "experimental_status = ?")
			args = append(args, StatusExperimental)
		}
		clauses = append(clauses, "(energy_above_hull IS NULL OR energy_above_hull <= ?)")
		args = append(args, mp.MaxEAboveHull)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", indexPath, err)
	}
	defer rows.Close()

	allowed := set(q.Required)
	excluded := set(q.Excluded)
	base := filepath.Dir(indexPath)
	limit := q.Database.MaxPhases

	var out []string
	for rows.Next() {
		var cifPath, elements string
		if err := rows.Scan(&cifPath, &elements); err != nil {
			return nil, err
		}
		if !keep(model.SplitChemicalSystem(elements), allowed, excluded) {
			continue
		}
		if cifPath == "" {
			continue
		}
		if !filepath.IsAbs(cifPath) {
			cifPath = filepath.Join(base, cifPath)
		}
		if _, err := os.Stat(cifPath); err != nil {
			continue
		}
		out = append(out, cifPath)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// keep applies the chemical system rule: with a non-empty allowed set every
// element of the phase must be in it, so Fe-O admits Fe, O, FeO and Fe2O3
// alike. Excluded elements always reject.
func keep(elements []string, allowed, excluded map[string]struct{}) bool {
	for _, el := range elements {
		if _, ok := excluded[el]; ok {
			return false
		}
		if len(allowed) > 0 {
			if _, ok := allowed[el]; !ok {
				return false
			}
		}
	}
	return true
}

func set(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}
