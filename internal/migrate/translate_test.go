package migrate

import (
	"context"
	"strings"
	"testing"

	"github.com/electric-sql/electric/internal/collab"
)

func TestTranslateCreateTableProducesSQLiteDDLAndRelation(t *testing.T) {
	tr := New(nil)
	result, err := tr.Translate(context.Background(), collab.Schema{}, "v1",
		`CREATE TABLE public.entries (id text PRIMARY KEY, message text NOT NULL, body text)`)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(result.Stmts) != 1 || result.Stmts[0].Type != "create_table" {
		t.Fatalf("unexpected stmts: %+v", result.Stmts)
	}
	if !strings.Contains(result.Stmts[0].SQL, `"id" TEXT PRIMARY KEY`) {
		t.Fatalf("expected id column translated, got %q", result.Stmts[0].SQL)
	}
	if len(result.NewRelations) != 1 {
		t.Fatalf("expected one new relation, got %d", len(result.NewRelations))
	}
	rel := result.NewRelations[0]
	if rel.Identity.Schema != "public" || rel.Identity.Table != "entries" {
		t.Fatalf("unexpected relation identity: %+v", rel.Identity)
	}
	if len(rel.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %d: %+v", len(rel.Columns), rel.Columns)
	}
}

func TestTranslateAlterTableAddColumn(t *testing.T) {
	tr := New(nil)
	result, err := tr.Translate(context.Background(), collab.Schema{}, "v2",
		`ALTER TABLE public.entries ADD COLUMN archived bool`)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(result.Stmts) != 1 || result.Stmts[0].Type != "add_column" {
		t.Fatalf("unexpected stmts: %+v", result.Stmts)
	}
	if !strings.Contains(result.Stmts[0].SQL, `ADD COLUMN "archived" INTEGER`) {
		t.Fatalf("unexpected sql: %q", result.Stmts[0].SQL)
	}
}

func TestTranslateDropTable(t *testing.T) {
	tr := New(nil)
	result, err := tr.Translate(context.Background(), collab.Schema{}, "v3", `DROP TABLE IF EXISTS public.entries`)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(result.Stmts) != 1 || result.Stmts[0].Type != "drop_table" {
		t.Fatalf("unexpected stmts: %+v", result.Stmts)
	}
}

func TestTranslateUnknownTypeErrors(t *testing.T) {
	tr := New(nil)
	_, err := tr.Translate(context.Background(), collab.Schema{}, "v1",
		`CREATE TABLE public.t (id some_exotic_type PRIMARY KEY)`)
	if err == nil {
		t.Fatalf("expected error for unmapped type")
	}
}

func TestTranslateWithCustomTypeMapping(t *testing.T) {
	tr := New(map[string]string{"some_exotic_type": "BLOB"})
	result, err := tr.Translate(context.Background(), collab.Schema{}, "v1",
		`CREATE TABLE public.t (id some_exotic_type PRIMARY KEY)`)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if !strings.Contains(result.Stmts[0].SQL, "BLOB") {
		t.Fatalf("expected custom mapping applied, got %q", result.Stmts[0].SQL)
	}
}

func TestTranslateUnsupportedStatementErrors(t *testing.T) {
	tr := New(nil)
	_, err := tr.Translate(context.Background(), collab.Schema{}, "v1", `GRANT SELECT ON public.t TO role`)
	if err == nil {
		t.Fatalf("expected error for unsupported statement")
	}
}
