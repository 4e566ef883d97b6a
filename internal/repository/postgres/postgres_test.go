package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/splax/shipyard/internal/repository"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{name: "no rows", in: pgx.ErrNoRows, want: repository.ErrNotFound},
		{name: "wrapped no rows", in: fmt.Errorf("scan: %w", pgx.ErrNoRows), want: repository.ErrNotFound},
		{name: "unique violation", in: &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "projects_slug_key"}, want: repository.ErrConflict},
		{name: "malformed uuid", in: &pgconn.PgError{Code: codeInvalidTextFormat}, want: repository.ErrNotFound},
		{name: "nul byte in text", in: &pgconn.PgError{Code: codeBadCharacter, Message: `invalid byte sequence for encoding "UTF8": 0x00`}, want: repository.ErrInvalidData},
		{name: "untranslatable character", in: &pgconn.PgError{Code: codeUntranslatable}, want: repository.ErrInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := translate(tt.in); !errors.Is(got, tt.want) {
				t.Fatalf("translate(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	other := errors.New("connection reset")
	if got := translate(other); got != other {
		t.Fatalf("expected passthrough, got %v", got)
	}
	if translate(nil) != nil {
		t.Fatal("expected nil passthrough")
	}
}
